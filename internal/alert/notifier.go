package alert

import (
	"context"
	"errors"
	"fmt"

	"iot-threat-guard/internal/model"
)

// ErrSink matches every error returned by a failing sink
var ErrSink = errors.New("alert sink failed")

// Sink records alerts somewhere durable or visible. Failures are never fatal
// to detection; the caller logs them and moves on.
type Sink interface {
	Name() string
	Record(ctx context.Context, alert model.Alert) error
}

// SinkError wraps the cause of a failed Record call
type SinkError struct {
	Sink string
	Err  error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("alert sink %s: %v", e.Sink, e.Err)
}

func (e *SinkError) Is(target error) bool {
	return target == ErrSink
}

func (e *SinkError) Unwrap() error {
	return e.Err
}

func sinkError(name string, err error) error {
	if err == nil {
		return nil
	}
	var se *SinkError
	if errors.As(err, &se) {
		return err
	}
	return &SinkError{Sink: name, Err: err}
}
