package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const emailSink = "email"

type EmailConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	From        string        `mapstructure:"from"`
	To          []string      `mapstructure:"to"`
	AttachImage bool          `mapstructure:"attach-image"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Retry       RetryPolicy   `mapstructure:"retry"`
}

func DefaultEmailConfig() EmailConfig {
	return EmailConfig{
		Enabled:     false,
		Host:        "smtp.gmail.com",
		Port:        587,
		AttachImage: true,
		Timeout:     30 * time.Second,
		Retry:       DefaultRetryPolicy(),
	}
}

// EmailNotifier sends notifications over SMTP with STARTTLS.
type EmailNotifier struct {
	conf     EmailConfig
	user     string
	password string
	now      func() time.Time
	sendMail func(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error
	log      *logrus.Logger
}

func NewEmailNotifier(conf EmailConfig, user, password string, log *logrus.Logger) *EmailNotifier {
	if log == nil {
		log = logrus.New()
	}
	if conf.From == "" {
		conf.From = user
	}
	e := &EmailNotifier{
		conf:     conf,
		user:     user,
		password: password,
		now:      time.Now,
		log:      log,
	}
	e.sendMail = e.send
	return e
}

func (e *EmailNotifier) Notify(ctx context.Context, msg Message) error {
	if len(e.conf.To) == 0 {
		e.log.Debug("No email recipients configured")
		return nil
	}
	body, err := e.compose(msg)
	if err != nil {
		return err
	}
	addr := net.JoinHostPort(e.conf.Host, strconv.Itoa(e.conf.Port))
	var auth smtp.Auth
	if e.user != "" {
		auth = smtp.PlainAuth("", e.user, e.password, e.conf.Host)
	}
	return Retry(ctx, e.conf.Retry, e.log, "email", func(ctx context.Context) error {
		return classifySMTPError(e.sendMail(ctx, addr, auth, e.conf.From, e.conf.To, body))
	})
}

// send delivers one message like smtp.SendMail, but every step of the session
// is bounded by the configured timeout and by ctx.
func (e *EmailNotifier) send(ctx context.Context, addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
	dialer := net.Dialer{Timeout: e.conf.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	var deadline time.Time
	if e.conf.Timeout > 0 {
		deadline = time.Now().Add(e.conf.Timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return err
	}
	// Unblock any read or write in progress when ctx is cancelled.
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	c, err := smtp.NewClient(conn, e.conf.Host)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: e.conf.Host}); err != nil {
			return err
		}
	}
	if auth != nil {
		if ok, _ := c.Extension("AUTH"); !ok {
			return errors.New("smtp: server doesn't support AUTH")
		}
		if err := c.Auth(auth); err != nil {
			return err
		}
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

// classifySMTPError treats permanent (5xx) SMTP replies as rejections and
// everything else, such as dial failures, as transport errors.
func classifySMTPError(err error) error {
	if err == nil {
		return nil
	}
	if tpErr, ok := err.(*textproto.Error); ok && tpErr.Code >= 500 {
		return newRejectedError(emailSink, "%d %s", tpErr.Code, tpErr.Msg)
	}
	return &TransportError{Sink: emailSink, Err: err}
}

func (e *EmailNotifier) compose(msg Message) ([]byte, error) {
	timestamp := e.now().Format("2006-01-02 15:04:05")
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fmt.Fprintf(&buf, "From: %s\r\n", e.conf.From)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(e.conf.To, ", "))
	fmt.Fprintf(&buf, "Subject: %s %s\r\n", msg.Title, timestamp)
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%s\r\n\r\n", mw.Boundary())

	text, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"text/plain; charset=utf-8"}})
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(text, "%s\r\n\r\nSent by the feeder at %s\r\n", msg.Body, timestamp)

	if e.conf.AttachImage && len(msg.Image) > 0 {
		img, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {"image/jpeg"},
			"Content-Transfer-Encoding": {"base64"},
			"Content-Disposition":       {`attachment; filename="bird_memory.jpeg"`},
		})
		if err != nil {
			return nil, err
		}
		// SMTP lines are limited to 998 characters.
		encoded := base64.StdEncoding.EncodeToString(msg.Image)
		for len(encoded) > 0 {
			n := min(76, len(encoded))
			if _, err := io.WriteString(img, encoded[:n]+"\r\n"); err != nil {
				return nil, err
			}
			encoded = encoded[n:]
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
