package feeder

import (
	"errors"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
)

const (
	dbusName = "org.smartfeeder.controller"
	dbusPath = "/org/smartfeeder/controller"
)

// service exposes the feeder's state on the system bus for other tools.
type service struct {
	feeder *Feeder
}

func startService(f *Feeder) (*dbus.Conn, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, err
	}
	reply, err := conn.RequestName(dbusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		conn.Close()
		return nil, errors.New("name already taken")
	}

	s := &service{feeder: f}
	if err := conn.Export(s, dbusPath, dbusName); err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.Export(genIntrospectable(s), dbusPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		conn.Close()
		return nil, err
	}
	log.Infof("Feeder status available on DBus as %s", dbusName)
	return conn, nil
}

func genIntrospectable(v interface{}) introspect.Introspectable {
	node := &introspect.Node{
		Interfaces: []introspect.Interface{{
			Name:    dbusName,
			Methods: introspect.Methods(v),
		}},
	}
	return introspect.NewIntrospectable(node)
}

// HatchState returns "open" or "closed".
func (s *service) HatchState() (string, *dbus.Error) {
	return s.feeder.Stats().Hatch.String(), nil
}

// FeedLevel returns "unknown", "low" or "sufficient".
func (s *service) FeedLevel() (string, *dbus.Error) {
	return s.feeder.Stats().FeedLevel.String(), nil
}

// Stats returns the frame, confirmation and hatch close counts, the last
// confirmed species and when it was seen (unix seconds, 0 if never).
func (s *service) Stats() (int64, int64, int64, string, int64, *dbus.Error) {
	st := s.feeder.Stats()
	var lastSeen int64
	if !st.LastSeen.IsZero() {
		lastSeen = st.LastSeen.Unix()
	}
	return st.Frames, st.Confirmations, st.HatchCloses, st.LastSpecies, lastSeen, nil
}

// Uptime returns the seconds since the feeder started.
func (s *service) Uptime() (int64, *dbus.Error) {
	return int64(s.feeder.clock.Since(s.feeder.Stats().StartTime).Seconds()), nil
}
