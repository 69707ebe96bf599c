package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"iot-threat-guard/internal/metrics"
	"iot-threat-guard/internal/model"
	"iot-threat-guard/internal/rules"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"
)

var ErrProcessorStopped = errors.New("processor stopped")

// Processor fans messages out to a fixed set of workers. Every message from a
// source lands on the same worker, so a source's messages are evaluated one at
// a time and in arrival order while different sources run in parallel.
type Processor struct {
	engine  *rules.Engine
	logger  *logrus.Logger
	metrics *metrics.PrometheusMetrics
	shards  []chan model.Message
	wg      sync.WaitGroup
	dropped atomic.Int64

	mu      sync.RWMutex
	started bool
	stopped bool
}

// NewProcessor creates a new processor instance
func NewProcessor(engine *rules.Engine, workers, queueSize int, logger *logrus.Logger) *Processor {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	shards := make([]chan model.Message, workers)
	for i := range shards {
		shards[i] = make(chan model.Message, queueSize)
	}
	return &Processor{
		engine: engine,
		logger: logger,
		shards: shards,
	}
}

func (p *Processor) SetMetrics(m *metrics.PrometheusMetrics) {
	p.metrics = m
}

// Start launches the workers. Evaluations run under ctx; once ctx is done the
// workers skip whatever is still queued and count it as dropped.
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	for i, shard := range p.shards {
		p.wg.Add(1)
		go p.work(ctx, i, shard)
	}
	p.logger.Infof("Processor started with %d workers", len(p.shards))
}

func (p *Processor) work(ctx context.Context, id int, shard <-chan model.Message) {
	defer p.wg.Done()
	dropped := 0
	for msg := range shard {
		if ctx.Err() != nil {
			dropped++
			p.metrics.RecordDropped("shutdown_deadline")
			continue
		}
		p.engine.Evaluate(ctx, msg)
	}
	if dropped > 0 {
		p.dropped.Add(int64(dropped))
		p.logger.WithFields(logrus.Fields{
			"worker":  id,
			"dropped": dropped,
		}).Warn("Shutdown deadline passed, queued messages dropped")
	}
	p.logger.Debugf("Worker %d drained", id)
}

func (p *Processor) shardFor(sourceID string) int {
	return int(xxhash.Sum64String(sourceID) % uint64(len(p.shards)))
}

// Dropped returns how many queued messages were skipped after ctx ended.
func (p *Processor) Dropped() int64 {
	return p.dropped.Load()
}

// Process queues msg on its source's worker, waiting for room when the queue
// is full.
func (p *Processor) Process(ctx context.Context, msg model.Message) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrProcessorStopped
	}

	select {
	case p.shards[p.shardFor(msg.SourceID)] <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop stops accepting messages and waits until every queued message has
// been evaluated or dropped.
func (p *Processor) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	for _, shard := range p.shards {
		close(shard)
	}
	p.mu.Unlock()

	p.wg.Wait()
}
