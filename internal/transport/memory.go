package transport

import (
	"context"
	"sync"
	"time"

	"iot-threat-guard/internal/metrics"
	"iot-threat-guard/internal/model"

	"github.com/sirupsen/logrus"
)

// Memory is an in-process transport. Inbound frames go through the same
// decoder as the NATS adapter; publishes are recorded and can be made to fail.
type Memory struct {
	logger  *logrus.Logger
	metrics *metrics.PrometheusMetrics
	now     func() time.Time

	// inMu guards sends on raw and resumes against Close.
	inMu     sync.RWMutex
	inClosed bool

	mu           sync.Mutex
	raw          chan []byte
	resumes      chan string
	published    map[TopicKind][][]byte
	failuresLeft int
	failErr      error
	closed       bool
	receiving    bool
}

func NewMemory(buffer int, logger *logrus.Logger, m *metrics.PrometheusMetrics) *Memory {
	if buffer <= 0 {
		buffer = 64
	}
	return &Memory{
		logger:    logger,
		metrics:   m,
		now:       time.Now,
		raw:       make(chan []byte, buffer),
		resumes:   make(chan string, buffer),
		published: make(map[TopicKind][][]byte),
	}
}

// Inject queues a raw inbound frame. It blocks when the buffer is full.
func (t *Memory) Inject(data []byte) error {
	t.inMu.RLock()
	defer t.inMu.RUnlock()
	if t.inClosed {
		return ErrClosed
	}
	t.raw <- data
	return nil
}

// InjectMessage encodes msg in the inbound wire format and queues it.
func (t *Memory) InjectMessage(msg model.Message) error {
	data, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	return t.Inject(data)
}

// InjectResume delivers an explicit resume for sourceID.
func (t *Memory) InjectResume(sourceID string) error {
	t.inMu.RLock()
	defer t.inMu.RUnlock()
	if t.inClosed {
		return ErrClosed
	}
	t.resumes <- sourceID
	return nil
}

func (t *Memory) Receive(ctx context.Context) (<-chan model.Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if t.receiving {
		return nil, errAlreadyReceiving
	}
	t.receiving = true

	out := make(chan model.Message, cap(t.raw))
	go decodeLoop(ctx, t.raw, out, t.now, t.logger, t.metrics)
	return out, nil
}

// Resumes relays injected resume signals until ctx is done or the inbound
// side is closed.
func (t *Memory) Resumes(ctx context.Context) (<-chan string, error) {
	out := make(chan string)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case sourceID, ok := <-t.resumes:
				if !ok {
					return
				}
				select {
				case out <- sourceID:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// FailPublishes makes the next n publishes return err; n < 0 fails all of them.
func (t *Memory) FailPublishes(n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failuresLeft = n
	t.failErr = err
}

func (t *Memory) Publish(ctx context.Context, kind TopicKind, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.failuresLeft != 0 {
		if t.failuresLeft > 0 {
			t.failuresLeft--
		}
		t.metrics.RecordTransportError("publish_" + kind.String())
		return t.failErr
	}

	cp := make([]byte, len(payload))
	copy(cp, payload)
	t.published[kind] = append(t.published[kind], cp)
	return nil
}

// Published returns a copy of every payload published on kind.
func (t *Memory) Published(kind TopicKind) [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.published[kind]))
	copy(out, t.published[kind])
	return out
}

// Close stops the inbound stream; the Receive channel closes once drained.
func (t *Memory) Close() error {
	t.inMu.Lock()
	if !t.inClosed {
		t.inClosed = true
		close(t.raw)
		close(t.resumes)
	}
	t.inMu.Unlock()

	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

// CloseInbound ends the inbound stream but keeps publishing available, the
// way a subscription ends while the connection stays up.
func (t *Memory) CloseInbound() {
	t.inMu.Lock()
	defer t.inMu.Unlock()
	if !t.inClosed {
		t.inClosed = true
		close(t.raw)
		close(t.resumes)
	}
}
