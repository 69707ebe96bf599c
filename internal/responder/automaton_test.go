package responder

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"iot-threat-guard/internal/metrics"
	"iot-threat-guard/internal/model"
	"iot-threat-guard/internal/transport"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() Config {
	return Config{
		Cooldown:      60 * time.Second,
		MaxRetries:    3,
		BackoffBase:   time.Millisecond,
		BackoffMax:    4 * time.Millisecond,
		ShutdownGrace: time.Second,
	}
}

func newTestAutomaton(cfg Config, pub transport.Publisher, m *metrics.PrometheusMetrics) (*Automaton, *fakeClock) {
	clock := newFakeClock()
	a := NewAutomaton(cfg, pub, quietLogger(), m)
	a.SetClock(clock.Now)
	return a, clock
}

func floodAlert(source string) model.Alert {
	return model.Alert{ID: "a-" + source, Type: "message_flood", Severity: "HIGH", SourceID: source, MessageCount: 10}
}

func TestOnAlertIdempotentWithinCooldown(t *testing.T) {
	a, clock := newTestAutomaton(testConfig(), nil, nil)

	cmd := a.OnAlert(floodAlert("dev1"))
	if cmd == nil || cmd.Command != model.CommandKind_PAUSE || cmd.TargetSourceID != "dev1" {
		t.Fatalf("expected PAUSE for dev1, got %+v", cmd)
	}
	if !cmd.IssuedAt.Equal(clock.Now()) || cmd.ID == "" {
		t.Fatalf("unexpected command metadata %+v", cmd)
	}

	for i := 0; i < 20; i++ {
		clock.Advance(time.Second)
		if again := a.OnAlert(floodAlert("dev1")); again != nil {
			t.Fatalf("alert %d inside cooldown produced a command", i)
		}
	}
	if a.State("dev1") != State_MITIGATING {
		t.Fatal("expected dev1 to be Mitigating")
	}
}

func TestOnAlertAfterCooldownIssuesAgain(t *testing.T) {
	a, clock := newTestAutomaton(testConfig(), nil, nil)

	if a.OnAlert(floodAlert("dev1")) == nil {
		t.Fatal("expected first command")
	}
	clock.Advance(6 * time.Second)
	if a.OnAlert(floodAlert("dev1")) != nil {
		t.Fatal("second flood inside cooldown must be suppressed")
	}

	clock.Advance(54 * time.Second)
	if a.State("dev1") != State_IDLE {
		t.Fatal("record must expire exactly at the cooldown boundary")
	}
	cmd := a.OnAlert(floodAlert("dev1"))
	if cmd == nil {
		t.Fatal("expected a new command once cooldown elapsed")
	}
	rec, ok := a.Record("dev1")
	if !ok || !rec.IssuedAt.Equal(clock.Now()) || rec.Delivered {
		t.Fatalf("expected a fresh undelivered record, got %+v", rec)
	}
}

func TestSourcesAreIndependent(t *testing.T) {
	a, _ := newTestAutomaton(testConfig(), nil, nil)

	if a.OnAlert(floodAlert("dev1")) == nil || a.OnAlert(floodAlert("dev2")) == nil {
		t.Fatal("each source gets its own command")
	}
	records := a.Records()
	if len(records) != 2 || records[0].SourceID != "dev1" || records[1].SourceID != "dev2" {
		t.Fatalf("unexpected records %+v", records)
	}
	if a.State("dev3") != State_IDLE {
		t.Fatal("unknown source is Idle")
	}
}

func TestResumeReturnsSourceToIdle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewPrometheusMetrics(reg)
	a, _ := newTestAutomaton(testConfig(), nil, m)

	a.OnAlert(floodAlert("dev1"))
	if got := testutil.ToFloat64(m.ActiveMitigations); got != 1 {
		t.Fatalf("expected 1 active mitigation, got %v", got)
	}
	if !a.Resume("dev1") {
		t.Fatal("expected resume of an active record to report true")
	}
	if a.State("dev1") != State_IDLE {
		t.Fatal("expected Idle after resume")
	}
	if got := testutil.ToFloat64(m.ActiveMitigations); got != 0 {
		t.Fatalf("expected 0 active mitigations, got %v", got)
	}
	if a.OnAlert(floodAlert("dev1")) == nil {
		t.Fatal("expected new command after resume")
	}
	if a.Resume("unknown") {
		t.Fatal("resume of unknown source must report false")
	}
}

func TestSweepDropsExpiredRecords(t *testing.T) {
	a, clock := newTestAutomaton(testConfig(), nil, nil)

	a.OnAlert(floodAlert("old"))
	clock.Advance(30 * time.Second)
	a.OnAlert(floodAlert("new"))
	clock.Advance(31 * time.Second)

	if removed := a.Sweep(); removed != 1 {
		t.Fatalf("expected 1 expired record, got %d", removed)
	}
	if a.State("new") != State_MITIGATING {
		t.Fatal("unexpired record must survive sweep")
	}
}

func TestDeliverRetriesThenSucceeds(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewPrometheusMetrics(reg)
	mem := transport.NewMemory(1, quietLogger(), nil)
	mem.FailPublishes(2, errors.New("broker unavailable"))
	a, _ := newTestAutomaton(testConfig(), mem, m)

	cmd := a.OnAlert(floodAlert("dev1"))
	if err := a.Deliver(context.Background(), *cmd); err != nil {
		t.Fatalf("expected delivery after retries, got %v", err)
	}

	published := mem.Published(transport.TopicCommand)
	if len(published) != 1 {
		t.Fatalf("expected exactly one published command, got %d", len(published))
	}
	decoded, err := transport.DecodeCommand(published[0])
	if err != nil || decoded.TargetSourceID != "dev1" || decoded.Command != model.CommandKind_PAUSE {
		t.Fatalf("unexpected payload %s (%v)", published[0], err)
	}
	if rec, _ := a.Record("dev1"); !rec.Delivered {
		t.Fatal("record should be marked delivered")
	}
	if got := testutil.ToFloat64(m.PublishRetries); got != 2 {
		t.Fatalf("expected 2 retries, got %v", got)
	}
	if got := testutil.ToFloat64(m.CommandsTotal.WithLabelValues("PAUSE", "published")); got != 1 {
		t.Fatalf("expected 1 published command, got %v", got)
	}
}

func TestDeliverExhaustionKeepsMitigating(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewPrometheusMetrics(reg)
	mem := transport.NewMemory(1, quietLogger(), nil)
	cause := errors.New("no responders")
	mem.FailPublishes(-1, cause)
	cfg := testConfig()
	cfg.MaxRetries = 2
	a, _ := newTestAutomaton(cfg, mem, m)

	cmd := a.OnAlert(floodAlert("dev1"))
	err := a.Deliver(context.Background(), *cmd)

	var derr *DeliveryError
	if !errors.As(err, &derr) || !errors.Is(err, ErrCommandDeliveryFailed) || !errors.Is(err, cause) {
		t.Fatalf("expected DeliveryError wrapping cause, got %v", err)
	}
	if derr.Attempts != 3 || derr.SourceID != "dev1" {
		t.Fatalf("expected 3 attempts for dev1, got %+v", derr)
	}
	if a.State("dev1") != State_MITIGATING {
		t.Fatal("failed delivery must not revert the record")
	}
	if a.OnAlert(floodAlert("dev1")) != nil {
		t.Fatal("flapping transport must not cause a command storm")
	}
	if got := testutil.ToFloat64(m.CommandsTotal.WithLabelValues("PAUSE", "failed")); got != 1 {
		t.Fatalf("expected 1 failed command, got %v", got)
	}
}

func TestDeliverClosedTransportIsPermanent(t *testing.T) {
	mem := transport.NewMemory(1, quietLogger(), nil)
	mem.Close()
	a, _ := newTestAutomaton(testConfig(), mem, nil)

	cmd := a.OnAlert(floodAlert("dev1"))
	err := a.Deliver(context.Background(), *cmd)
	var derr *DeliveryError
	if !errors.As(err, &derr) || !errors.Is(err, transport.ErrClosed) || derr.Attempts != 1 {
		t.Fatalf("expected single attempt on closed transport, got %v", err)
	}
}

func TestRunPublishesOncePerMitigation(t *testing.T) {
	mem := transport.NewMemory(1, quietLogger(), nil)
	a, _ := newTestAutomaton(testConfig(), mem, nil)

	alerts := make(chan model.Alert, 10)
	for i := 0; i < 5; i++ {
		alerts <- floodAlert("dev1")
	}
	alerts <- floodAlert("dev2")
	close(alerts)

	if err := a.Run(context.Background(), alerts, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := len(mem.Published(transport.TopicCommand)); got != 2 {
		t.Fatalf("expected 2 commands (dev1, dev2), got %d", got)
	}
}

func TestRunAppliesResumes(t *testing.T) {
	mem := transport.NewMemory(1, quietLogger(), nil)
	a, _ := newTestAutomaton(testConfig(), mem, nil)

	alerts := make(chan model.Alert)
	resumes := make(chan string)
	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background(), alerts, resumes) }()

	alerts <- floodAlert("dev1")
	resumes <- "dev1"
	alerts <- floodAlert("dev1")
	close(resumes)
	close(alerts)

	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := len(mem.Published(transport.TopicCommand)); got != 2 {
		t.Fatalf("expected a second command after resume, got %d", got)
	}
}

type blockingPublisher struct{}

func (blockingPublisher) Publish(ctx context.Context, _ transport.TopicKind, _ []byte) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestRunDropsPendingAfterGrace(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewPrometheusMetrics(reg)
	cfg := testConfig()
	cfg.ShutdownGrace = 20 * time.Millisecond
	a, _ := newTestAutomaton(cfg, blockingPublisher{}, m)

	alerts := make(chan model.Alert, 1)
	alerts <- floodAlert("dev1")
	close(alerts)

	start := time.Now()
	if err := a.Run(context.Background(), alerts, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("run exceeded grace period: %s", elapsed)
	}
	if got := testutil.ToFloat64(m.CommandsTotal.WithLabelValues("PAUSE", "dropped")); got != 1 {
		t.Fatalf("expected 1 dropped command, got %v", got)
	}
	if a.State("dev1") != State_MITIGATING {
		t.Fatal("dropped command leaves the record in place")
	}
}

func TestRunStopsOnContext(t *testing.T) {
	a, _ := newTestAutomaton(testConfig(), transport.NewMemory(1, quietLogger(), nil), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, make(chan model.Alert), nil) }()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run ignored context cancellation")
	}
}
