package alert

import (
	"context"
	"time"

	"iot-threat-guard/internal/model"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// RetryingSink retries a flaky sink with exponential backoff. The context
// passed to Record bounds the whole attempt sequence.
type RetryingSink struct {
	inner      Sink
	maxRetries uint64
	base       time.Duration
	max        time.Duration
	logger     *logrus.Logger
}

func NewRetryingSink(inner Sink, maxRetries int, base, max time.Duration, logger *logrus.Logger) *RetryingSink {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &RetryingSink{
		inner:      inner,
		maxRetries: uint64(maxRetries),
		base:       base,
		max:        max,
		logger:     logger,
	}
}

func (s *RetryingSink) Name() string {
	return s.inner.Name()
}

func (s *RetryingSink) Record(ctx context.Context, alert model.Alert) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.base
	b.MaxInterval = s.max
	b.MaxElapsedTime = 0

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		return s.inner.Record(ctx, alert)
	}, backoff.WithContext(backoff.WithMaxRetries(b, s.maxRetries), ctx), func(err error, wait time.Duration) {
		s.logger.WithFields(logrus.Fields{
			"sink":      s.inner.Name(),
			"source_id": alert.SourceID,
			"attempt":   attempt,
			"error":     err,
		}).Debugf("Alert sink failed, retrying in %s", wait)
	})
	return sinkError(s.Name(), err)
}
