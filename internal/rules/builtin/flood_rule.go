package builtin

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"iot-threat-guard/internal/keyed"
	"iot-threat-guard/internal/metrics"
	"iot-threat-guard/internal/model"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const FloodRuleName = "message_flood"

// windowState is the per-source counter. windowStart and count follow device
// timestamps; lastSeen follows the local clock and only drives eviction.
type windowState struct {
	windowStart time.Time
	count       int
	lastSeen    time.Time
}

// FloodRule counts messages per source in fixed windows that restart once a
// message arrives more than window after windowStart. Reaching threshold
// inside a window raises an alert on that message and on every later message
// of the same window.
type FloodRule struct {
	name      string
	enabled   bool
	severity  string
	threshold int
	window    time.Duration
	sources   *keyed.Map[windowState]
	logger    *logrus.Logger
	metrics   *metrics.PrometheusMetrics
	now       func() time.Time
}

func NewFloodRule(enabled bool, severity string, threshold int, window time.Duration, logger *logrus.Logger) *FloodRule {
	if threshold <= 0 {
		threshold = 10
	}
	if window <= 0 {
		window = 5 * time.Second
	}
	return &FloodRule{
		name:      FloodRuleName,
		enabled:   enabled,
		severity:  severity,
		threshold: threshold,
		window:    window,
		sources:   keyed.New[windowState](),
		logger:    logger,
		now:       time.Now,
	}
}

func (r *FloodRule) Name() string {
	return r.name
}

func (r *FloodRule) IsEnabled() bool {
	return r.enabled
}

func (r *FloodRule) SetMetrics(m *metrics.PrometheusMetrics) {
	r.metrics = m
}

// SetClock replaces the local clock used for idle tracking.
func (r *FloodRule) SetClock(now func() time.Time) {
	r.now = now
}

func (r *FloodRule) Threshold() int {
	return r.threshold
}

func (r *FloodRule) Window() time.Duration {
	return r.window
}

// Evaluate applies one message to its source's window. Messages from the same
// source are serialized; different sources never wait on each other.
func (r *FloodRule) Evaluate(ctx context.Context, msg model.Message) model.Verdict {
	if !r.enabled || msg.SourceID == "" {
		return model.NormalVerdict()
	}

	var alert *model.Alert
	var opened bool
	seenAt := r.now()

	r.sources.With(msg.SourceID, nil, func(state *windowState, created bool) {
		state.lastSeen = seenAt

		if created {
			state.windowStart = msg.Timestamp
			state.count = 1
			opened = true
			r.logger.Debugf("[Flood] Source: %s | First message, window opened", msg.SourceID)
			return
		}

		// Out-of-order timestamps fold into the current window.
		elapsed := msg.Timestamp.Sub(state.windowStart)
		if elapsed < 0 {
			elapsed = 0
		}

		if elapsed > r.window {
			r.logger.Debugf("[Flood] Source: %s | Window expired after %.3fs with %d messages, resetting",
				msg.SourceID, elapsed.Seconds(), state.count)
			state.windowStart = msg.Timestamp
			state.count = 1
			return
		}

		state.count++
		if state.count >= r.threshold {
			alert = r.newAlert(msg, state.count, elapsed)
		}
	})

	if opened {
		r.metrics.SetActiveSources(r.sources.Len())
	}
	if alert == nil {
		return model.NormalVerdict()
	}

	r.logger.WithFields(logrus.Fields{
		"source_id":     alert.SourceID,
		"message_count": alert.MessageCount,
	}).Warnf("Flood Rule Alert: %s", alert.Summary)
	return model.AlertVerdict(alert)
}

func (r *FloodRule) newAlert(msg model.Message, count int, elapsed time.Duration) *model.Alert {
	seconds := elapsed.Seconds()
	return &model.Alert{
		ID:            uuid.NewString(),
		Type:          r.name,
		Severity:      r.severity,
		SourceID:      msg.SourceID,
		DetectedAt:    msg.Timestamp,
		MessageCount:  count,
		WindowSeconds: seconds,
		Summary:       fmt.Sprintf("Threat detected: %d messages in %ss", count, strconv.FormatFloat(seconds, 'f', -1, 64)),
	}
}

// Sweep evicts sources whose last message is older than idleTTL on the local
// clock. It returns how many were removed.
func (r *FloodRule) Sweep(idleTTL time.Duration) int {
	cutoff := r.now().Add(-idleTTL)
	removed := r.sources.Evict(func(_ string, state *windowState) bool {
		return state.lastSeen.Before(cutoff)
	})
	if removed > 0 {
		r.logger.Debugf("[Flood] Evicted %d idle sources", removed)
	}
	r.metrics.RecordEvicted(removed)
	r.metrics.SetActiveSources(r.sources.Len())
	return removed
}

// WindowSnapshot describes a source's current window.
type WindowSnapshot struct {
	SourceID    string    `json:"source_id"`
	WindowStart time.Time `json:"window_start"`
	Count       int       `json:"count"`
}

func (r *FloodRule) SourceWindow(sourceID string) (WindowSnapshot, bool) {
	var snap WindowSnapshot
	ok := r.sources.Get(sourceID, func(state *windowState) {
		snap = WindowSnapshot{SourceID: sourceID, WindowStart: state.windowStart, Count: state.count}
	})
	return snap, ok
}

func (r *FloodRule) ActiveSources() int {
	return r.sources.Len()
}
