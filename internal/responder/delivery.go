package responder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"iot-threat-guard/internal/model"
	"iot-threat-guard/internal/transport"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

var ErrCommandDeliveryFailed = errors.New("command delivery failed")

// DeliveryError reports a command that never reached the transport. The
// source stays Mitigating.
type DeliveryError struct {
	SourceID  string
	CommandID string
	Attempts  int
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver command %s to %s after %d attempts: %v", e.CommandID, e.SourceID, e.Attempts, e.Err)
}

func (e *DeliveryError) Is(target error) bool {
	return target == ErrCommandDeliveryFailed
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

func (a *Automaton) newBackOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.cfg.BackoffBase
	b.MaxInterval = a.cfg.BackoffMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(a.cfg.MaxRetries)), ctx)
}

// Deliver publishes cmd, retrying with bounded exponential backoff. It gives
// up after MaxRetries retries or when ctx ends.
func (a *Automaton) Deliver(ctx context.Context, cmd model.Command) error {
	payload, err := transport.EncodeCommand(cmd)
	if err != nil {
		return &DeliveryError{SourceID: cmd.TargetSourceID, CommandID: cmd.ID, Err: err}
	}

	attempts := 0
	err = backoff.RetryNotify(func() error {
		attempts++
		err := a.publisher.Publish(ctx, transport.TopicCommand, payload)
		if errors.Is(err, transport.ErrClosed) {
			return backoff.Permanent(err)
		}
		return err
	}, a.newBackOff(ctx), func(err error, wait time.Duration) {
		a.metrics.RecordPublishRetry()
		a.logger.WithFields(logrus.Fields{
			"source_id": cmd.TargetSourceID,
			"attempt":   attempts,
			"error":     err,
		}).Warnf("Command publish failed, retrying in %s", wait)
	})

	command := string(cmd.Command)
	if err == nil {
		a.markDelivered(cmd)
		a.metrics.RecordCommand(command, "published")
		a.logger.WithFields(logrus.Fields{
			"source_id":  cmd.TargetSourceID,
			"command_id": cmd.ID,
			"attempt":    attempts,
		}).Infof("%s command published", command)
		return nil
	}

	derr := &DeliveryError{SourceID: cmd.TargetSourceID, CommandID: cmd.ID, Attempts: attempts, Err: err}
	if ctx.Err() != nil {
		a.metrics.RecordCommand(command, "dropped")
	} else {
		a.metrics.RecordCommand(command, "failed")
	}
	return derr
}

// Run consumes alerts until the channel closes or ctx ends, publishing a
// command for every alert that warrants one. Resume signals return sources to
// Idle. Before returning it waits up to ShutdownGrace for in-flight
// deliveries; whatever is still pending after that is dropped and logged.
func (a *Automaton) Run(ctx context.Context, alerts <-chan model.Alert, resumes <-chan string) error {
	deliverCtx, cancelDeliveries := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelDeliveries()

	var wg sync.WaitGroup
	var dropped atomic.Int64

	dispatch := func(cmd model.Command) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := a.Deliver(deliverCtx, cmd)
			if err == nil {
				return
			}
			fields := logrus.Fields{
				"source_id":  cmd.TargetSourceID,
				"command_id": cmd.ID,
				"error":      err,
			}
			if deliverCtx.Err() != nil {
				dropped.Add(1)
				a.logger.WithFields(fields).Warn("Command dropped at shutdown")
				return
			}
			a.logger.WithFields(fields).Error("Command delivery failed, source left in mitigation")
		}()
	}

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case alert, ok := <-alerts:
			if !ok {
				break loop
			}
			if cmd := a.OnAlert(alert); cmd != nil {
				dispatch(*cmd)
			}
		case sourceID, ok := <-resumes:
			if !ok {
				resumes = nil
				continue
			}
			a.Resume(sourceID)
		}
	}

	flushed := make(chan struct{})
	go func() {
		wg.Wait()
		close(flushed)
	}()

	select {
	case <-flushed:
		return nil
	case <-time.After(a.cfg.ShutdownGrace):
	}

	cancelDeliveries()
	<-flushed
	if n := dropped.Load(); n > 0 {
		a.logger.Warnf("Shutdown grace period expired, dropped %d pending commands", n)
	}
	return nil
}
