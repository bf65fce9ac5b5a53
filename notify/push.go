package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultPushURL           = "https://exp.host/--/api/v2/push/send"
	deviceNotRegisteredError = "DeviceNotRegistered"
	pushSink                 = "push"
)

type PushConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
	Retry   RetryPolicy   `mapstructure:"retry"`
}

func DefaultPushConfig() PushConfig {
	return PushConfig{
		Enabled: true,
		URL:     DefaultPushURL,
		Timeout: 10 * time.Second,
		Retry:   DefaultRetryPolicy(),
	}
}

// TokenSource is where the push notifier finds its recipients.
type TokenSource interface {
	ActiveTokens(ctx context.Context) ([]string, error)
	Deactivate(ctx context.Context, token string) error
}

// PushNotifier sends Expo push messages.
type PushNotifier struct {
	conf        PushConfig
	tokens      TokenSource
	client      *http.Client
	accessToken string
	log         *logrus.Logger
}

func NewPushNotifier(conf PushConfig, tokens TokenSource, accessToken string, log *logrus.Logger) *PushNotifier {
	if log == nil {
		log = logrus.New()
	}
	if conf.URL == "" {
		conf.URL = DefaultPushURL
	}
	return &PushNotifier{
		conf:        conf,
		tokens:      tokens,
		client:      &http.Client{Timeout: conf.Timeout},
		accessToken: accessToken,
		log:         log,
	}
}

type pushMessage struct {
	To    string `json:"to"`
	Title string `json:"title"`
	Body  string `json:"body"`
	Sound string `json:"sound"`
	Badge int    `json:"badge"`
}

type pushTicket struct {
	Status  string `json:"status"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
	Details struct {
		Error string `json:"error,omitempty"`
	} `json:"details"`
}

type pushResponse struct {
	Data   []pushTicket `json:"data"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

func (p *PushNotifier) Notify(ctx context.Context, msg Message) error {
	tokens, err := p.tokens.ActiveTokens(ctx)
	if err != nil {
		return fmt.Errorf("failed to load push tokens: %w", err)
	}
	if len(tokens) == 0 {
		p.log.Debug("No push tokens registered, skipping push notification")
		return nil
	}

	var errs []error
	for _, token := range tokens {
		err := Retry(ctx, p.conf.Retry, p.log, "push to "+token, func(ctx context.Context) error {
			return p.send(ctx, token, msg)
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *PushNotifier) send(ctx context.Context, token string, msg Message) error {
	payload, err := json.Marshal([]pushMessage{{
		To:    token,
		Title: msg.Title,
		Body:  msg.Body,
		Sound: "default",
		Badge: 1,
	}})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.conf.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if p.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.accessToken)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return &TransportError{Sink: pushSink, Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Sink: pushSink, Err: err}
	}
	if resp.StatusCode >= 500 {
		return &TransportError{Sink: pushSink, Err: fmt.Errorf("server returned %s", resp.Status)}
	}

	var parsed pushResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return newRejectedError(pushSink, "unreadable response (%s): %v", resp.Status, err)
	}
	if len(parsed.Errors) > 0 {
		return newRejectedError(pushSink, "server error %s: %s", parsed.Errors[0].Code, parsed.Errors[0].Message)
	}
	if resp.StatusCode != http.StatusOK {
		return newRejectedError(pushSink, "server returned %s", resp.Status)
	}
	if len(parsed.Data) != 1 {
		return newRejectedError(pushSink, "expected 1 ticket, got %d", len(parsed.Data))
	}

	ticket := parsed.Data[0]
	if ticket.Status == "ok" {
		p.log.Debugf("Push ticket %s for %s", ticket.ID, token)
		return nil
	}
	if ticket.Details.Error == deviceNotRegisteredError {
		p.log.Infof("Push token %s is no longer registered, marking it inactive", token)
		if err := p.tokens.Deactivate(ctx, token); err != nil {
			p.log.Errorf("Failed to deactivate push token: %v", err)
		}
	}
	return newRejectedError(pushSink, "ticket error %s: %s", ticket.Details.Error, ticket.Message)
}
