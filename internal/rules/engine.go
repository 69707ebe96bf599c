package rules

import (
	"context"
	"sync"
	"time"

	"iot-threat-guard/internal/alert"
	"iot-threat-guard/internal/metrics"
	"iot-threat-guard/internal/model"

	"github.com/sirupsen/logrus"
)

const defaultSinkTimeout = 5 * time.Second

type Engine struct {
	rules        []RuleInterface
	sinks        []alert.Sink
	logger       *logrus.Logger
	metrics      *metrics.PrometheusMetrics
	sinkTimeout  time.Duration
	mu           sync.RWMutex
	sendMu       sync.RWMutex
	alertChannel chan model.Alert
	done         chan struct{}
	closeOnce    sync.Once
}

type RuleInterface interface {
	Name() string
	IsEnabled() bool
	Evaluate(ctx context.Context, msg model.Message) model.Verdict
}

// Sweeper is implemented by rules that hold per-source state worth evicting.
type Sweeper interface {
	Sweep(idleTTL time.Duration) int
}

func NewEngine(logger *logrus.Logger, m *metrics.PrometheusMetrics, sinkTimeout time.Duration) *Engine {
	if sinkTimeout <= 0 {
		sinkTimeout = defaultSinkTimeout
	}
	return &Engine{
		rules:        make([]RuleInterface, 0),
		sinks:        make([]alert.Sink, 0),
		logger:       logger,
		metrics:      m,
		sinkTimeout:  sinkTimeout,
		alertChannel: make(chan model.Alert, 100),
		done:         make(chan struct{}),
	}
}

func (e *Engine) RegisterRule(rule RuleInterface) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, rule)
	e.logger.Infof("Registered rule: %s", rule.Name())
}

func (e *Engine) RegisterSink(sink alert.Sink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = append(e.sinks, sink)
	e.logger.Infof("Registered alert sink: %s", sink.Name())
}

// Evaluate runs every enabled rule over msg. The first alert raised becomes
// the verdict; every alert raised is dispatched.
func (e *Engine) Evaluate(ctx context.Context, msg model.Message) model.Verdict {
	start := time.Now()

	e.mu.RLock()
	rules := make([]RuleInterface, len(e.rules))
	copy(rules, e.rules)
	e.mu.RUnlock()

	verdict := model.NormalVerdict()
	for _, rule := range rules {
		if !rule.IsEnabled() {
			continue
		}
		v := rule.Evaluate(ctx, msg)
		if !v.IsAlert() {
			continue
		}
		if !verdict.IsAlert() {
			verdict = v
		}
		e.EmitAlert(ctx, *v.Alert)
	}

	e.metrics.RecordVerdict(verdict.Kind.String(), time.Since(start))
	return verdict
}

// EmitAlert hands the alert to the responder and then to every sink. The
// responder hand-off waits for room; it gives up only when ctx ends or the
// engine is closed. Each sink call is bounded by ctx and the sink timeout.
// Sink failures are logged and counted, never returned.
func (e *Engine) EmitAlert(ctx context.Context, a model.Alert) {
	e.metrics.RecordAlert(a.Type, a.Severity)
	e.forward(ctx, a)

	e.mu.RLock()
	sinks := make([]alert.Sink, len(e.sinks))
	copy(sinks, e.sinks)
	e.mu.RUnlock()

	for _, sink := range sinks {
		sinkCtx, cancel := context.WithTimeout(ctx, e.sinkTimeout)
		err := sink.Record(sinkCtx, a)
		cancel()
		if err != nil {
			e.metrics.RecordSinkFailure(sink.Name())
			e.logger.WithFields(logrus.Fields{
				"sink":      sink.Name(),
				"source_id": a.SourceID,
				"alert_id":  a.ID,
				"error":     err,
			}).Error("Failed to record alert")
		}
	}
}

func (e *Engine) forward(ctx context.Context, a model.Alert) {
	e.sendMu.RLock()
	defer e.sendMu.RUnlock()

	select {
	case <-e.done:
		e.logger.WithField("source_id", a.SourceID).Warn("Engine closed, alert not forwarded to responder")
		return
	default:
	}

	select {
	case e.alertChannel <- a:
	case <-e.done:
		e.logger.WithField("source_id", a.SourceID).Warn("Engine closed, alert not forwarded to responder")
	case <-ctx.Done():
		e.logger.WithFields(logrus.Fields{
			"source_id": a.SourceID,
			"error":     ctx.Err(),
		}).Warn("Alert not forwarded to responder")
	}
}

// Sweep asks every rule holding per-source state to drop sources idle for
// longer than idleTTL.
func (e *Engine) Sweep(idleTTL time.Duration) int {
	e.mu.RLock()
	rules := make([]RuleInterface, len(e.rules))
	copy(rules, e.rules)
	e.mu.RUnlock()

	removed := 0
	for _, rule := range rules {
		if s, ok := rule.(Sweeper); ok {
			removed += s.Sweep(idleTTL)
		}
	}
	return removed
}

func (e *Engine) Alerts() <-chan model.Alert {
	return e.alertChannel
}

// Close stops forwarding and closes the Alerts channel. Alerts raised later
// still reach the sinks.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.done)
		e.sendMu.Lock()
		close(e.alertChannel)
		e.sendMu.Unlock()
	})
}
