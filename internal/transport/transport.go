// Package transport connects the detector and responder to the device
// publish/subscribe fabric. Connection setup, TLS and credentials belong to the
// concrete adapter; the rest of the system only sees Receiver and Publisher.
package transport

import (
	"context"
	"errors"
	"time"

	"iot-threat-guard/internal/metrics"
	"iot-threat-guard/internal/model"

	"github.com/sirupsen/logrus"
)

// ErrClosed is returned by adapters after Close.
var ErrClosed = errors.New("transport closed")

// ErrConnectionLost is reported by adapters whose connection closed without
// Close being called, for example after reconnect attempts ran out.
var ErrConnectionLost = errors.New("transport connection lost")

var errAlreadyReceiving = errors.New("transport: Receive already called")

// TopicKind selects the outbound subject of a publish.
type TopicKind int

const (
	TopicAlert TopicKind = iota
	TopicCommand
)

func (k TopicKind) String() string {
	switch k {
	case TopicAlert:
		return "alert"
	case TopicCommand:
		return "command"
	default:
		return "unknown"
	}
}

// Receiver yields decoded device messages in arrival order. The returned
// channel is closed when ctx is done or the adapter shuts down. Malformed
// messages never reach it.
type Receiver interface {
	Receive(ctx context.Context) (<-chan model.Message, error)
}

// Publisher sends an encoded alert or command. It must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, kind TopicKind, payload []byte) error
}

// ResumeReceiver is implemented by adapters that can deliver explicit resume
// signals for a source.
type ResumeReceiver interface {
	Resumes(ctx context.Context) (<-chan string, error)
}

// TerminalReceiver is implemented by adapters whose inbound stream can end on
// a failure. Once the Receive channel is closed, Err reports why, or nil for a
// normal shutdown.
type TerminalReceiver interface {
	Receiver
	Err() error
}

type Transport interface {
	Receiver
	Publisher
	Close() error
}

// decodeLoop turns raw frames into messages until raw is closed or ctx is
// done, then closes out.
func decodeLoop(ctx context.Context, raw <-chan []byte, out chan<- model.Message, now func() time.Time, logger *logrus.Logger, m *metrics.PrometheusMetrics) {
	defer close(out)

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-raw:
			if !ok {
				return
			}

			msg, err := DecodeMessage(data, now())
			if err != nil {
				var malformed *MalformedError
				reason := "unknown"
				if errors.As(err, &malformed) {
					reason = malformed.Reason
				}
				m.RecordMalformed(reason)
				logger.WithField("reason", reason).Debugf("Dropping malformed message: %v", err)
				continue
			}
			m.RecordMessage(msg.Status.String())

			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}
