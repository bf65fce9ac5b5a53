package feeder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/John-Hauff/smart-bird-feeder/detections"
	"github.com/John-Hauff/smart-bird-feeder/events"
	"github.com/John-Hauff/smart-bird-feeder/notify"
	"github.com/John-Hauff/smart-bird-feeder/seriallink"
	"github.com/alexflint/go-arg"
	prom "github.com/prometheus/client_golang/prometheus"
)

var version = "<not set>"

type Args struct {
	ConfigDir     string        `arg:"-c,--config" help:"path to the configuration directory"`
	Replay        string        `arg:"--replay" help:"drive the feeder from a JSON lines replay file instead of the detector"`
	ReplayRate    time.Duration `arg:"--replay-interval" help:"time between replayed frames"`
	NoSerial      bool          `arg:"--no-serial" help:"run without the feeder device, commands are only logged"`
	LogLevel      string        `arg:"-l, --loglevel" default:"info" help:"Set the logging level (debug, info, warn, error)"`
	DisableDBus   bool          `arg:"--no-dbus" help:"don't export the status service on the system bus"`
	ListCatalogue bool          `arg:"--list-species" help:"print the species catalogue and exit"`
}

func (Args) Version() string {
	return version
}

var defaultArgs = Args{
	ConfigDir:  DefaultConfigDir,
	ReplayRate: 33 * time.Millisecond,
}

func procArgs(input []string) (Args, error) {
	args := defaultArgs

	parser, err := arg.NewParser(arg.Config{}, &args)
	if err != nil {
		return Args{}, err
	}
	err = parser.Parse(input)
	if errors.Is(err, arg.ErrHelp) {
		parser.WriteHelp(os.Stdout)
		os.Exit(0)
	}
	if errors.Is(err, arg.ErrVersion) {
		fmt.Println(version)
		os.Exit(0)
	}
	return args, err
}

func Run(inputArgs []string, ver string) error {
	version = ver
	args, err := procArgs(inputArgs)
	if err != nil {
		return fmt.Errorf("failed to parse args: %v", err)
	}
	log.SetFormatter(new(customFormatter))
	setLogLevel(args.LogLevel)

	log.Printf("Running version: %s", version)

	conf, err := ParseConfig(args.ConfigDir)
	if err != nil {
		return err
	}
	secrets, err := LoadSecrets(args.ConfigDir)
	if err != nil {
		return err
	}

	catalogue := detections.DefaultCatalogue()
	if conf.Detection.CataloguePath != "" {
		catalogue, err = detections.LoadCatalogueFromFile(conf.Detection.CataloguePath)
		if err != nil {
			return err
		}
	}
	if args.ListCatalogue {
		fmt.Println(catalogue)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go watchConfig(ctx, stop, conf, args.ConfigDir)

	detector, closeDetector, err := openDetector(args, conf)
	if err != nil {
		return err
	}
	defer closeDetector()

	var link Link
	if args.NoSerial {
		log.Warn("Running without the feeder device")
		link = &loggingLink{}
	} else {
		if seriallink.InUseFromTerminal(conf.Serial.Device, log) {
			return fmt.Errorf("%s is used by the console", conf.Serial.Device)
		}
		serialLink, err := seriallink.Open(conf.Serial, log)
		if err != nil {
			return fmt.Errorf("failed to open serial link: %w", err)
		}
		defer serialLink.Close()
		link = serialLink
	}

	opts := Options{
		Detector:  detector,
		Link:      link,
		Catalogue: catalogue,
	}

	notifiers, closeNotifiers, err := openNotifiers(conf, secrets)
	if err != nil {
		return err
	}
	defer closeNotifiers()
	if len(notifiers) > 0 {
		opts.Notifier = notifiers
	}
	opts.Memories = notify.NewMemoryUploader(conf.Memory, catalogue.DisplayName, log)

	reporters, closeReporters := openReporters(conf)
	defer closeReporters()
	if len(reporters) > 0 {
		opts.Reporter = reporters
	}

	if conf.Metrics.Address != "" {
		opts.Registry = prom.NewRegistry()
		go serveMetrics(ctx, conf.Metrics.Address, opts.Registry)
	}

	f := New(conf, opts)

	if !args.DisableDBus {
		conn, err := startService(f)
		if err != nil {
			log.Errorf("Failed to start DBus service: %v", err)
		} else {
			defer conn.Close()
		}
	}

	if conf.Loop.StatsInterval > 0 {
		scheduler, err := startStatsReporter(f, conf.Loop.StatsInterval, nil)
		if err != nil {
			return err
		}
		defer scheduler.Shutdown()
	}

	if err := f.Run(ctx); err != nil {
		return err
	}
	log.Infof("Feeder finished: %s", f.Stats())
	return nil
}

func openDetector(args Args, conf *Config) (detections.Detector, func(), error) {
	if args.Replay != "" {
		batches, err := detections.LoadReplayFile(args.Replay)
		if err != nil {
			return nil, nil, err
		}
		log.Infof("Replaying %d frames from %s", len(batches), args.Replay)
		return detections.NewSliceDetector(batches, args.ReplayRate), func() {}, nil
	}
	d, err := detections.NewDBusDetector(conf.Detection.FrameTimeout, log)
	if err != nil {
		return nil, nil, err
	}
	return d, func() { d.Close() }, nil
}

func openNotifiers(conf *Config, secrets Secrets) (notify.Multi, func(), error) {
	var notifiers notify.Multi
	closeFn := func() {}
	if conf.Notifications.Push.Enabled {
		store, err := notify.OpenRecipientStore(conf.Notifications.RecipientsDB)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open recipients: %w", err)
		}
		closeFn = func() { store.Close() }
		notifiers = append(notifiers, notify.NewPushNotifier(conf.Notifications.Push, store, secrets.PushAccessToken, log))
	}
	if conf.Notifications.Email.Enabled {
		notifiers = append(notifiers, notify.NewEmailNotifier(conf.Notifications.Email, secrets.SMTPUser, secrets.SMTPPassword, log))
	}
	return notifiers, closeFn, nil
}

func openReporters(conf *Config) (events.Multi, func()) {
	var reporters events.Multi
	closeFn := func() {}
	if conf.Events.EventReporter {
		reporters = append(reporters, events.EventClientReporter{})
	}
	if conf.Events.NATS.URL != "" {
		n, err := events.NewNATSReporter(conf.Events.NATS, log)
		if err != nil {
			// Events are not worth stopping the feeder for.
			log.Errorf("Not publishing events to NATS: %v", err)
		} else {
			reporters = append(reporters, n)
			closeFn = func() { n.Close() }
		}
	}
	return reporters, closeFn
}

// loggingLink stands in for the device when running without one.
type loggingLink struct{}

func (loggingLink) HasPendingByte() bool { return false }

func (loggingLink) ReadByte() (byte, error) { return 0, seriallink.ErrNoPendingByte }

func (loggingLink) WriteCommand(cmd seriallink.Command) error {
	log.Infof("Would send '%s' to the feeder", cmd)
	return nil
}
