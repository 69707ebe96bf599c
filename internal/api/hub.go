package api

import (
	"context"
	"sync"

	"iot-threat-guard/internal/model"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type AlertFilter struct {
	Severity string
	Type     string
	SourceID string
}

func (f AlertFilter) Match(alert model.Alert) bool {
	if f.Severity != "" && alert.Severity != f.Severity {
		return false
	}
	if f.Type != "" && alert.Type != f.Type {
		return false
	}
	if f.SourceID != "" && alert.SourceID != f.SourceID {
		return false
	}
	return true
}

type AlertSubscriber struct {
	ID      string
	Channel chan model.Alert
	Filter  AlertFilter
}

// AlertHub is an alert sink that fans alerts out to live subscribers and keeps
// the most recent ones in memory. Slow subscribers miss alerts rather than
// holding up the sink.
type AlertHub struct {
	mu        sync.RWMutex
	subs      map[*AlertSubscriber]bool
	recent    []model.Alert
	maxRecent int
	logger    *logrus.Logger
}

func NewAlertHub(maxRecent int, logger *logrus.Logger) *AlertHub {
	if maxRecent <= 0 {
		maxRecent = 1000
	}
	return &AlertHub{
		subs:      make(map[*AlertSubscriber]bool),
		recent:    make([]model.Alert, 0),
		maxRecent: maxRecent,
		logger:    logger,
	}
}

func (h *AlertHub) Name() string {
	return "stream"
}

func (h *AlertHub) Record(_ context.Context, alert model.Alert) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.recent = append(h.recent, alert)
	if len(h.recent) > h.maxRecent {
		h.recent = h.recent[len(h.recent)-h.maxRecent:]
	}

	for sub := range h.subs {
		if !sub.Filter.Match(alert) {
			continue
		}
		select {
		case sub.Channel <- alert:
		default:
			h.logger.WithField("subscriber", sub.ID).Debug("Alert subscriber is full, skipping")
		}
	}
	return nil
}

// Subscribe registers a live subscriber. Callers must Unsubscribe when done.
func (h *AlertHub) Subscribe(filter AlertFilter, buffer int) *AlertSubscriber {
	if buffer <= 0 {
		buffer = 100
	}
	sub := &AlertSubscriber{
		ID:      uuid.NewString(),
		Channel: make(chan model.Alert, buffer),
		Filter:  filter,
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[sub] = true
	return sub
}

func (h *AlertHub) Unsubscribe(sub *AlertSubscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[sub] {
		delete(h.subs, sub)
		close(sub.Channel)
	}
}

func (h *AlertHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// List returns up to limit recent alerts, newest first.
func (h *AlertHub) List(limit int) ([]model.Alert, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if limit <= 0 || limit > len(h.recent) {
		limit = len(h.recent)
	}
	out := make([]model.Alert, 0, limit)
	for i := len(h.recent) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, h.recent[i])
	}
	return out, nil
}
