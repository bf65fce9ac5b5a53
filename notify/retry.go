package notify

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
)

// RetryPolicy bounds how hard a sink is retried after a TransportError.
type RetryPolicy struct {
	Initial    time.Duration `mapstructure:"initial"`
	Max        time.Duration `mapstructure:"max"`
	MaxRetries int           `mapstructure:"max-retries"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Initial:    5 * time.Second,
		Max:        30 * time.Second,
		MaxRetries: 3,
	}
}

func (p RetryPolicy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.Initial > 0 {
		b.InitialInterval = p.Initial
	}
	if p.Max > 0 {
		b.MaxInterval = p.Max
	}
	if b.InitialInterval > b.MaxInterval {
		b.InitialInterval = b.MaxInterval
	}
	return b
}

// Retry runs op until it succeeds, fails with anything other than a
// TransportError, or runs out of attempts.
func Retry(ctx context.Context, p RetryPolicy, log *logrus.Logger, name string, op func(context.Context) error) error {
	if log == nil {
		log = logrus.New()
	}
	maxRetries := p.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := op(ctx)
		if err == nil {
			return struct{}{}, nil
		}
		var transportErr *TransportError
		if !errors.As(err, &transportErr) {
			return struct{}{}, backoff.Permanent(err)
		}
		log.Warnf("%s attempt %d failed: %v", name, attempt, err)
		return struct{}{}, err
	},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(maxRetries+1)),
		backoff.WithMaxElapsedTime(0),
	)
	return err
}
