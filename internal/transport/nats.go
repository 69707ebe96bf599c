package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"iot-threat-guard/internal/metrics"
	"iot-threat-guard/internal/model"

	natsgo "github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	gobreaker "github.com/sony/gobreaker/v2"
)

type NATSConfig struct {
	URL            string
	Name           string
	MessageSubject string
	AlertSubject   string
	CommandSubject string
	ResumeSubject  string
	QueueGroup     string
	MaxReconnects  int
	ReconnectWait  time.Duration
	ReconnectMax   time.Duration
	ReceiveBuffer  int
	PublishTimeout time.Duration

	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// NATS is the production adapter. Reconnects are driven by the client library
// with an exponential delay; each attempt and success is logged and counted.
type NATS struct {
	conn    *natsgo.Conn
	cfg     NATSConfig
	breaker *gobreaker.CircuitBreaker[any]
	logger  *logrus.Logger
	metrics *metrics.PrometheusMetrics

	reconnectAttempts atomic.Int64
	reconnects        atomic.Int64

	// connClosed is closed once the client gives up on the connection
	connClosed chan struct{}
	closeOnce  sync.Once

	mu     sync.Mutex
	subs   []*natsgo.Subscription
	closed bool
	lost   bool
}

// ReconnectDelay returns the wait before reconnect attempt n (1-based):
// base doubled per attempt, capped at max.
func ReconnectDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

func NewNATS(cfg NATSConfig, logger *logrus.Logger, m *metrics.PrometheusMetrics) (*NATS, error) {
	t := &NATS{
		cfg:        cfg,
		logger:     logger,
		metrics:    m,
		connClosed: make(chan struct{}),
	}

	t.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "nats-publish",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warnf("Circuit breaker %s: %s -> %s", name, from, to)
		},
	})

	opts := []natsgo.Option{
		natsgo.Name(cfg.Name),
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		// Publishes during a reconnect fail fast so the responder's own retry
		// policy decides what happens to them.
		natsgo.ReconnectBufSize(-1),
		natsgo.CustomReconnectDelay(func(attempts int) time.Duration {
			t.reconnectAttempts.Add(1)
			delay := ReconnectDelay(attempts, cfg.ReconnectWait, cfg.ReconnectMax)
			logger.WithField("attempt", attempts).Infof("NATS reconnect attempt in %s", delay)
			return delay
		}),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			m.RecordDisconnect()
			if err != nil {
				m.RecordTransportError("disconnect")
				logger.Errorf("NATS disconnected: %v", err)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			t.reconnects.Add(1)
			m.RecordReconnect()
			logger.Infof("NATS reconnected to %s", nc.ConnectedUrl())
		}),
		natsgo.ClosedHandler(func(nc *natsgo.Conn) {
			t.mu.Lock()
			if !t.closed {
				t.lost = true
			}
			lost := t.lost
			t.mu.Unlock()

			if lost {
				m.RecordTransportError("connection_lost")
				logger.Error("NATS connection closed after reconnect attempts ran out")
			} else {
				logger.Info("NATS connection closed")
			}
			t.closeOnce.Do(func() { close(t.connClosed) })
		}),
		natsgo.ErrorHandler(func(nc *natsgo.Conn, sub *natsgo.Subscription, err error) {
			m.RecordTransportError("async")
			entry := logger.WithError(err)
			if sub != nil {
				entry = entry.WithField("subject", sub.Subject)
			}
			entry.Error("NATS error")
		}),
	}

	conn, err := natsgo.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	t.conn = conn

	return t, nil
}

// Receive subscribes to the device subject. When a queue group is configured,
// multiple guard instances share the stream. The channel closes when ctx is
// done or the connection is gone for good; Err tells the two apart.
func (t *NATS) Receive(ctx context.Context) (<-chan model.Message, error) {
	ctx, cancel := context.WithCancel(ctx)
	raw := make(chan []byte, t.cfg.ReceiveBuffer)
	handler := func(msg *natsgo.Msg) {
		select {
		case raw <- msg.Data:
		case <-ctx.Done():
		}
	}

	var (
		sub *natsgo.Subscription
		err error
	)
	if t.cfg.QueueGroup != "" {
		sub, err = t.conn.QueueSubscribe(t.cfg.MessageSubject, t.cfg.QueueGroup, handler)
	} else {
		sub, err = t.conn.Subscribe(t.cfg.MessageSubject, handler)
	}
	if err != nil {
		cancel()
		t.metrics.RecordTransportError("subscribe")
		return nil, fmt.Errorf("failed to subscribe to %s: %w", t.cfg.MessageSubject, err)
	}
	if err := t.track(sub); err != nil {
		cancel()
		return nil, err
	}
	t.flush()

	out := make(chan model.Message, t.cfg.ReceiveBuffer)
	go func() {
		defer cancel()
		select {
		case <-ctx.Done():
		case <-t.connClosed:
			if t.Err() != nil {
				t.logger.Warnf("Inbound stream on %s ended with the connection", t.cfg.MessageSubject)
			}
		}
		if err := sub.Unsubscribe(); err != nil && err != natsgo.ErrConnectionClosed && err != natsgo.ErrBadSubscription {
			t.logger.Warnf("Failed to unsubscribe from %s: %v", t.cfg.MessageSubject, err)
		}
	}()
	go decodeLoop(ctx, raw, out, time.Now, t.logger, t.metrics)

	t.logger.Infof("Subscribed to device messages on %s", t.cfg.MessageSubject)
	return out, nil
}

// Resumes delivers source IDs from RESUME commands on the resume subject.
func (t *NATS) Resumes(ctx context.Context) (<-chan string, error) {
	out := make(chan string, 16)
	if t.cfg.ResumeSubject == "" {
		close(out)
		return out, nil
	}

	sub, err := t.conn.Subscribe(t.cfg.ResumeSubject, func(msg *natsgo.Msg) {
		cmd, err := DecodeCommand(msg.Data)
		if err != nil || cmd.Command != model.CommandKind_RESUME {
			t.logger.Debugf("Ignoring resume frame: %v", err)
			return
		}
		select {
		case out <- cmd.TargetSourceID:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", t.cfg.ResumeSubject, err)
	}
	if err := t.track(sub); err != nil {
		return nil, err
	}
	t.flush()

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return out, nil
}

func (t *NATS) track(sub *natsgo.Subscription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		_ = sub.Unsubscribe()
		return ErrClosed
	}
	t.subs = append(t.subs, sub)
	return nil
}

// flush makes sure the server has registered new subscriptions. While
// disconnected it only logs; the client replays subscriptions on reconnect.
func (t *NATS) flush() {
	if err := t.conn.FlushTimeout(t.cfg.PublishTimeout); err != nil {
		t.logger.Debugf("NATS flush after subscribe failed: %v", err)
	}
}

func (t *NATS) subject(kind TopicKind) (string, error) {
	switch kind {
	case TopicAlert:
		return t.cfg.AlertSubject, nil
	case TopicCommand:
		return t.cfg.CommandSubject, nil
	default:
		return "", fmt.Errorf("unknown topic kind %d", kind)
	}
}

// Publish sends payload and waits for the server to acknowledge the flush.
func (t *NATS) Publish(ctx context.Context, kind TopicKind, payload []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}

	subject, err := t.subject(kind)
	if err != nil {
		return err
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.PublishTimeout)
		defer cancel()
	}

	_, err = t.breaker.Execute(func() (any, error) {
		if err := t.conn.Publish(subject, payload); err != nil {
			return nil, err
		}
		return nil, t.conn.FlushWithContext(ctx)
	})
	if err != nil {
		t.metrics.RecordTransportError("publish_" + kind.String())
		return fmt.Errorf("publish %s to %s: %w", kind, subject, err)
	}
	return nil
}

// Err returns ErrConnectionLost once the connection has closed without Close
// being called.
func (t *NATS) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lost {
		return ErrConnectionLost
	}
	return nil
}

// ReconnectAttempts returns how many reconnect attempts have been scheduled.
func (t *NATS) ReconnectAttempts() int64 {
	return t.reconnectAttempts.Load()
}

// Reconnects returns how many reconnects succeeded.
func (t *NATS) Reconnects() int64 {
	return t.reconnects.Load()
}

func (t *NATS) IsConnected() bool {
	return t.conn.IsConnected()
}

func (t *NATS) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	if err := t.conn.Drain(); err != nil {
		t.conn.Close()
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	return nil
}
