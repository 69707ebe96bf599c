package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"iot-threat-guard/internal/alert"
	"iot-threat-guard/internal/metrics"
	"iot-threat-guard/internal/model"
	"iot-threat-guard/internal/responder"
	"iot-threat-guard/internal/rules"
	"iot-threat-guard/internal/rules/builtin"
	"iot-threat-guard/internal/transport"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
)

var epoch = time.UnixMilli(1767225600000)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type orderRule struct {
	mu   sync.Mutex
	seen map[string][]int
}

func (r *orderRule) Name() string    { return "order" }
func (r *orderRule) IsEnabled() bool { return true }

func (r *orderRule) Evaluate(_ context.Context, msg model.Message) model.Verdict {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen[msg.SourceID] = append(r.seen[msg.SourceID], int(msg.Timestamp.Sub(epoch)/time.Millisecond))
	return model.NormalVerdict()
}

func TestProcessorKeepsPerSourceOrder(t *testing.T) {
	engine := rules.NewEngine(quietLogger(), nil, time.Second)
	rule := &orderRule{seen: map[string][]int{}}
	engine.RegisterRule(rule)

	p := NewProcessor(engine, 4, 8, quietLogger())
	p.Start(context.Background())

	const perSource = 200
	for i := 0; i < perSource; i++ {
		for s := 0; s < 8; s++ {
			msg := model.Message{SourceID: fmt.Sprintf("dev%d", s), Timestamp: epoch.Add(time.Duration(i) * time.Millisecond)}
			if err := p.Process(context.Background(), msg); err != nil {
				t.Fatalf("process: %v", err)
			}
		}
	}
	p.Stop()

	for s := 0; s < 8; s++ {
		got := rule.seen[fmt.Sprintf("dev%d", s)]
		if len(got) != perSource {
			t.Fatalf("dev%d: expected %d evaluations, got %d", s, perSource, len(got))
		}
		for i, v := range got {
			if v != i {
				t.Fatalf("dev%d: out of order at %d: %v", s, i, got[:i+1])
			}
		}
	}

	if err := p.Process(context.Background(), model.Message{SourceID: "late"}); err != ErrProcessorStopped {
		t.Fatalf("expected ErrProcessorStopped, got %v", err)
	}
}

func TestProcessorSameSourceSameShard(t *testing.T) {
	p := NewProcessor(rules.NewEngine(quietLogger(), nil, time.Second), 16, 1, quietLogger())
	if p.shardFor("dev1") != p.shardFor("dev1") {
		t.Fatal("shard assignment must be stable")
	}
	if p.shardFor("dev1") < 0 || p.shardFor("dev1") >= 16 {
		t.Fatal("shard out of range")
	}
}

type harness struct {
	mem       *transport.Memory
	engine    *rules.Engine
	automaton *responder.Automaton
	service   *Service
	metrics   *metrics.PrometheusMetrics
	clock     *clock
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := quietLogger()
	m := metrics.NewPrometheusMetrics(prometheus.NewRegistry())
	mem := transport.NewMemory(128, logger, m)

	engine := rules.NewEngine(logger, m, time.Second)
	flood := builtin.NewFloodRule(true, "HIGH", 10, 5*time.Second, logger)
	flood.SetMetrics(m)
	engine.RegisterRule(flood)
	engine.RegisterSink(alert.NewPublishSink(mem))

	clk := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	automaton := responder.NewAutomaton(responder.Config{
		Cooldown:      60 * time.Second,
		MaxRetries:    3,
		BackoffBase:   time.Millisecond,
		BackoffMax:    5 * time.Millisecond,
		ShutdownGrace: time.Second,
	}, mem, logger, m)
	automaton.SetClock(clk.Now)

	service := NewService(ServiceConfig{Workers: 4, QueueSize: 16, ShutdownGrace: time.Second}, mem, engine, automaton, logger)
	return &harness{mem: mem, engine: engine, automaton: automaton, service: service, metrics: m, clock: clk}
}

func (h *harness) inject(t *testing.T, source string, offset time.Duration) {
	t.Helper()
	if err := h.mem.InjectMessage(model.Message{SourceID: source, Timestamp: epoch.Add(offset)}); err != nil {
		t.Fatalf("inject: %v", err)
	}
}

func (h *harness) alerts(t *testing.T) []model.Alert {
	t.Helper()
	var out []model.Alert
	for _, payload := range h.mem.Published(transport.TopicAlert) {
		a, err := transport.DecodeAlert(payload)
		if err != nil {
			t.Fatalf("decode alert: %v", err)
		}
		out = append(out, a)
	}
	return out
}

func (h *harness) commands(t *testing.T) []model.Command {
	t.Helper()
	var out []model.Command
	for _, payload := range h.mem.Published(transport.TopicCommand) {
		c, err := transport.DecodeCommand(payload)
		if err != nil {
			t.Fatalf("decode command: %v", err)
		}
		out = append(out, c)
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func runToCompletion(t *testing.T, h *harness) {
	t.Helper()
	h.mem.CloseInbound()
	if err := h.service.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestServiceScenarioFloodPausesOnce(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 9; i++ {
		h.inject(t, "dev1", time.Duration(i)*500*time.Millisecond)
	}
	h.inject(t, "dev1", 4500*time.Millisecond)
	runToCompletion(t, h)

	alerts := h.alerts(t)
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts))
	}
	if alerts[0].MessageCount != 10 || alerts[0].Summary != "Threat detected: 10 messages in 4.5s" {
		t.Fatalf("unexpected alert %+v", alerts[0])
	}

	cmds := h.commands(t)
	if len(cmds) != 1 || cmds[0].TargetSourceID != "dev1" || cmds[0].Command != model.CommandKind_PAUSE {
		t.Fatalf("expected exactly one PAUSE for dev1, got %+v", cmds)
	}
}

func TestServiceScenarioCooldownSuppressesSecondPause(t *testing.T) {
	h := newHarness(t)
	done := make(chan error, 1)
	go func() { done <- h.service.Run(context.Background()) }()

	for i := 0; i < 10; i++ {
		h.inject(t, "dev1", 0)
	}
	for i := 0; i < 10; i++ {
		h.inject(t, "dev1", 6*time.Second)
	}
	waitFor(t, "two alerts", func() bool { return len(h.mem.Published(transport.TopicAlert)) >= 2 })
	waitFor(t, "first command", func() bool { return len(h.mem.Published(transport.TopicCommand)) >= 1 })
	waitFor(t, "suppressed command", func() bool {
		return testutil.ToFloat64(h.metrics.CommandsTotal.WithLabelValues("PAUSE", "suppressed")) >= 1
	})

	if got := len(h.commands(t)); got != 1 {
		t.Fatalf("second window inside cooldown must not publish, got %d commands", got)
	}

	h.clock.Advance(61 * time.Second)
	for i := 0; i < 10; i++ {
		h.inject(t, "dev1", 12*time.Second)
	}
	waitFor(t, "third alert", func() bool { return len(h.mem.Published(transport.TopicAlert)) >= 3 })
	waitFor(t, "second command", func() bool { return len(h.mem.Published(transport.TopicCommand)) >= 2 })

	h.mem.CloseInbound()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := len(h.commands(t)); got != 2 {
		t.Fatalf("expected 2 commands in total, got %d", got)
	}
	if got := len(h.alerts(t)); got != 3 {
		t.Fatalf("expected one alert per flood window, got %d", got)
	}
}

func TestServiceScenarioMalformedDropped(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 5; i++ {
		h.inject(t, "dev1", time.Duration(i)*100*time.Millisecond)
	}
	if err := h.mem.Inject([]byte(`{"timestamp":1767225600100,"status":"Threat"}`)); err != nil {
		t.Fatalf("inject: %v", err)
	}
	if err := h.mem.Inject([]byte(`not json`)); err != nil {
		t.Fatalf("inject: %v", err)
	}
	for i := 5; i < 10; i++ {
		h.inject(t, "dev1", time.Duration(i)*100*time.Millisecond)
	}
	runToCompletion(t, h)

	alerts := h.alerts(t)
	if len(alerts) != 1 || alerts[0].MessageCount != 10 {
		t.Fatalf("malformed messages must not touch dev1's window, got %+v", alerts)
	}
	if got := testutil.ToFloat64(h.metrics.MalformedTotal.WithLabelValues("missing_source_id")); got != 1 {
		t.Fatalf("expected 1 missing_source_id drop, got %v", got)
	}
	if got := testutil.ToFloat64(h.metrics.MalformedTotal.WithLabelValues("invalid_json")); got != 1 {
		t.Fatalf("expected 1 invalid_json drop, got %v", got)
	}
}

func TestServiceSourcesDoNotInterfere(t *testing.T) {
	h := newHarness(t)
	// each source stays below threshold; a shared counter would cross it
	for i := 0; i < 9; i++ {
		h.inject(t, "devA", time.Duration(i)*100*time.Millisecond)
		h.inject(t, "devB", time.Duration(i)*100*time.Millisecond)
	}
	runToCompletion(t, h)

	if got := len(h.alerts(t)); got != 0 {
		t.Fatalf("expected no alerts, got %d", got)
	}
	if got := len(h.commands(t)); got != 0 {
		t.Fatalf("expected no commands, got %d", got)
	}
}

func TestServiceResumeSignal(t *testing.T) {
	h := newHarness(t)
	done := make(chan error, 1)
	go func() { done <- h.service.Run(context.Background()) }()

	for i := 0; i < 10; i++ {
		h.inject(t, "dev1", 0)
	}
	waitFor(t, "mitigation", func() bool { return h.automaton.State("dev1") == responder.State_MITIGATING })

	if err := h.mem.InjectResume("dev1"); err != nil {
		t.Fatalf("inject resume: %v", err)
	}
	waitFor(t, "resume", func() bool { return h.automaton.State("dev1") == responder.State_IDLE })

	h.inject(t, "dev1", 0)
	waitFor(t, "second command", func() bool { return len(h.mem.Published(transport.TopicCommand)) >= 2 })

	h.mem.CloseInbound()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestServiceStopsOnContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.service.Run(ctx) }()

	h.inject(t, "dev1", 0)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop after cancellation")
	}
}

func TestServiceSweep(t *testing.T) {
	h := newHarness(t)
	h.service.cfg.SourceIdleTTL = time.Nanosecond
	h.inject(t, "dev1", 0)
	runToCompletion(t, h)

	time.Sleep(time.Millisecond)
	h.service.Sweep()
	if got := testutil.ToFloat64(h.metrics.EvictedSources); got != 1 {
		t.Fatalf("expected 1 evicted source, got %v", got)
	}
}

type stallingSink struct {
	mu    sync.Mutex
	calls int
}

func (s *stallingSink) Name() string { return "stalling" }

func (s *stallingSink) Record(ctx context.Context, _ model.Alert) error {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func TestServiceShutdownBoundedByGrace(t *testing.T) {
	logger := quietLogger()
	m := metrics.NewPrometheusMetrics(prometheus.NewRegistry())
	mem := transport.NewMemory(64, logger, m)

	engine := rules.NewEngine(logger, m, 5*time.Second)
	engine.RegisterRule(builtin.NewFloodRule(true, "HIGH", 2, 5*time.Second, logger))
	sink := &stallingSink{}
	engine.RegisterSink(sink)

	grace := 100 * time.Millisecond
	service := NewService(ServiceConfig{Workers: 1, QueueSize: 64, ShutdownGrace: grace}, mem, engine, nil, logger)
	service.SetMetrics(m)

	const queued = 30
	for i := 0; i < queued; i++ {
		if err := mem.InjectMessage(model.Message{SourceID: "dev1", Timestamp: epoch}); err != nil {
			t.Fatalf("inject: %v", err)
		}
	}
	mem.CloseInbound()

	start := time.Now()
	if err := service.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	elapsed := time.Since(start)

	if elapsed > 2*time.Second {
		t.Fatalf("grace=%s but shutdown took %s", grace, elapsed)
	}
	dropped := service.processor.Dropped()
	if dropped == 0 {
		t.Fatal("expected queued messages to be dropped after the grace period")
	}
	if got := testutil.ToFloat64(m.DroppedTotal.WithLabelValues("shutdown_deadline")); got != float64(dropped) {
		t.Fatalf("expected dropped metric %d, got %v", dropped, got)
	}
	sink.mu.Lock()
	calls := sink.calls
	sink.mu.Unlock()
	if calls > 1 {
		t.Fatalf("expected dropped messages to skip the sinks, got %d sink calls", calls)
	}
}

type lostReceiver struct {
	*transport.Memory
}

func (r lostReceiver) Err() error { return transport.ErrConnectionLost }

func TestServiceReturnsTransportFailure(t *testing.T) {
	h := newHarness(t)
	service := NewService(ServiceConfig{Workers: 2, QueueSize: 8, ShutdownGrace: time.Second}, lostReceiver{h.mem}, h.engine, h.automaton, quietLogger())

	h.inject(t, "dev1", 0)
	h.mem.CloseInbound()

	err := service.Run(context.Background())
	if !errors.Is(err, transport.ErrConnectionLost) {
		t.Fatalf("expected ErrConnectionLost, got %v", err)
	}
}

func TestServiceBlankSourceCountedAsMalformed(t *testing.T) {
	h := newHarness(t)
	if err := h.mem.Inject([]byte(`{"source_id":"   ","timestamp":1767225600000,"status":"Normal"}`)); err != nil {
		t.Fatalf("inject: %v", err)
	}
	runToCompletion(t, h)

	if got := testutil.ToFloat64(h.metrics.MalformedTotal.WithLabelValues("missing_source_id")); got != 1 {
		t.Fatalf("expected blank source to be counted as malformed, got %v", got)
	}
	if got := testutil.ToFloat64(h.metrics.VerdictsTotal.WithLabelValues("NORMAL")); got != 0 {
		t.Fatalf("blank source must not be evaluated, got %v verdicts", got)
	}
}
