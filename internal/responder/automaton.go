// Package responder turns alerts into mitigation commands. Each source is
// either Idle or Mitigating; a source that is Mitigating gets no further
// commands until its cooldown runs out or it is resumed.
package responder

import (
	"sort"
	"time"

	"iot-threat-guard/internal/keyed"
	"iot-threat-guard/internal/metrics"
	"iot-threat-guard/internal/model"
	"iot-threat-guard/internal/transport"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type State int32

const (
	State_IDLE       State = 0
	State_MITIGATING State = 1
)

func (s State) String() string {
	if s == State_MITIGATING {
		return "Mitigating"
	}
	return "Idle"
}

type Config struct {
	Cooldown      time.Duration
	MaxRetries    int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	ShutdownGrace time.Duration
}

type Automaton struct {
	cfg       Config
	records   *keyed.Map[model.MitigationRecord]
	publisher transport.Publisher
	logger    *logrus.Logger
	metrics   *metrics.PrometheusMetrics
	now       func() time.Time
}

func NewAutomaton(cfg Config, publisher transport.Publisher, logger *logrus.Logger, m *metrics.PrometheusMetrics) *Automaton {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 200 * time.Millisecond
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}
	return &Automaton{
		cfg:       cfg,
		records:   keyed.New[model.MitigationRecord](),
		publisher: publisher,
		logger:    logger,
		metrics:   m,
		now:       time.Now,
	}
}

// SetClock replaces the clock cooldowns are measured on.
func (a *Automaton) SetClock(now func() time.Time) {
	a.now = now
}

// OnAlert decides whether the alert warrants a command. It returns the PAUSE
// command to publish when the source was Idle (or its record had expired) and
// nil when the source is already Mitigating.
func (a *Automaton) OnAlert(alert model.Alert) *model.Command {
	if alert.SourceID == "" {
		return nil
	}

	now := a.now()
	var cmd *model.Command

	a.records.With(alert.SourceID, nil, func(rec *model.MitigationRecord, created bool) {
		if !created && rec.Active(now) {
			return
		}
		*rec = model.MitigationRecord{
			SourceID:  alert.SourceID,
			IssuedAt:  now,
			ExpiresAt: now.Add(a.cfg.Cooldown),
			Command:   model.CommandKind_PAUSE,
		}
		cmd = &model.Command{
			ID:             uuid.NewString(),
			Command:        model.CommandKind_PAUSE,
			TargetSourceID: alert.SourceID,
			IssuedAt:       now,
		}
	})

	if cmd == nil {
		a.metrics.RecordCommand(string(model.CommandKind_PAUSE), "suppressed")
		a.logger.WithFields(logrus.Fields{
			"source_id": alert.SourceID,
			"alert_id":  alert.ID,
		}).Debug("Source already mitigating, command suppressed")
		return nil
	}

	a.metrics.SetActiveMitigations(a.records.Len())
	a.logger.WithFields(logrus.Fields{
		"source_id":  alert.SourceID,
		"alert_id":   alert.ID,
		"command_id": cmd.ID,
		"expires_at": now.Add(a.cfg.Cooldown),
	}).Info("Source entered mitigation")
	return cmd
}

// Resume returns a Mitigating source to Idle. It reports whether the source
// had an active record.
func (a *Automaton) Resume(sourceID string) bool {
	now := a.now()
	active := false
	a.records.Get(sourceID, func(rec *model.MitigationRecord) {
		active = rec.Active(now)
	})
	if !a.records.Delete(sourceID) {
		return false
	}
	a.metrics.SetActiveMitigations(a.records.Len())
	a.logger.WithField("source_id", sourceID).Info("Source resumed")
	return active
}

func (a *Automaton) State(sourceID string) State {
	now := a.now()
	state := State_IDLE
	a.records.Get(sourceID, func(rec *model.MitigationRecord) {
		if rec.Active(now) {
			state = State_MITIGATING
		}
	})
	return state
}

// Record returns the active mitigation record for a source.
func (a *Automaton) Record(sourceID string) (model.MitigationRecord, bool) {
	now := a.now()
	var out model.MitigationRecord
	found := false
	a.records.Get(sourceID, func(rec *model.MitigationRecord) {
		if rec.Active(now) {
			out, found = *rec, true
		}
	})
	return out, found
}

// Records lists active mitigation records ordered by source.
func (a *Automaton) Records() []model.MitigationRecord {
	now := a.now()
	out := make([]model.MitigationRecord, 0)
	for _, rec := range a.records.Snapshot() {
		if rec.Active(now) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}

// Sweep drops expired records and returns how many were removed.
func (a *Automaton) Sweep() int {
	now := a.now()
	removed := a.records.Evict(func(_ string, rec *model.MitigationRecord) bool {
		return !rec.Active(now)
	})
	if removed > 0 {
		a.logger.Debugf("Expired %d mitigation records", removed)
	}
	a.metrics.SetActiveMitigations(a.records.Len())
	return removed
}

func (a *Automaton) markDelivered(cmd model.Command) {
	a.records.Get(cmd.TargetSourceID, func(rec *model.MitigationRecord) {
		if rec.IssuedAt.Equal(cmd.IssuedAt) {
			rec.Delivered = true
		}
	})
}
