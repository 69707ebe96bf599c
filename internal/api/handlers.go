package api

import (
	"net/http"
	"strconv"
	"time"

	"iot-threat-guard/internal/model"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// AlertLister reads back recorded alerts, newest first.
type AlertLister interface {
	List(limit int) ([]model.Alert, error)
}

// MitigationController exposes the responder's per-source state.
type MitigationController interface {
	Records() []model.MitigationRecord
	Record(sourceID string) (model.MitigationRecord, bool)
	Resume(sourceID string) bool
}

type Handlers struct {
	alerts      AlertLister
	hub         *AlertHub
	mitigations MitigationController
	logger      *logrus.Logger
	upgrader    websocket.Upgrader
}

func NewHandlers(alerts AlertLister, hub *AlertHub, mitigations MitigationController, logger *logrus.Logger) *Handlers {
	if alerts == nil && hub != nil {
		alerts = hub
	}
	return &Handlers{
		alerts:      alerts,
		hub:         hub,
		mitigations: mitigations,
		logger:      logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				logger.Debugf("WebSocket origin check: %s", r.Header.Get("Origin"))
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// Alerts handlers
func (h *Handlers) GetAlerts(w http.ResponseWriter, r *http.Request) {
	if h.alerts == nil {
		writeError(w, http.StatusServiceUnavailable, "Alert log not available")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 {
		limit = 25
	}
	if limit > 100 {
		limit = 100
	}
	filter := AlertFilter{
		Severity: r.URL.Query().Get("severity"),
		Type:     r.URL.Query().Get("type"),
		SourceID: r.URL.Query().Get("source_id"),
	}

	fetch := limit
	if filter != (AlertFilter{}) {
		fetch = 0
	}
	all, err := h.alerts.List(fetch)
	if err != nil {
		h.logger.Errorf("Failed to list alerts: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to list alerts")
		return
	}

	items := make([]model.Alert, 0, limit)
	for _, a := range all {
		if len(items) == limit {
			break
		}
		if filter.Match(a) {
			items = append(items, a)
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"total": len(items),
		"limit": limit,
	})
}

func (h *Handlers) StreamAlerts(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "Alert stream not available")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorf("WebSocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	sub := h.hub.Subscribe(AlertFilter{
		Severity: r.URL.Query().Get("severity"),
		Type:     r.URL.Query().Get("type"),
		SourceID: r.URL.Query().Get("source_id"),
	}, 100)
	defer h.hub.Unsubscribe(sub)

	h.logger.Debugf("WebSocket alert subscriber %s connected from %s", sub.ID, r.RemoteAddr)

	// Read messages (for pong and close)
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case alert, ok := <-sub.Channel:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(alert); err != nil {
				h.logger.Errorf("WebSocket write error: %v", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// Mitigation handlers
func (h *Handlers) GetMitigations(w http.ResponseWriter, r *http.Request) {
	records := h.mitigations.Records()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": records,
		"total": len(records),
	})
}

func (h *Handlers) GetMitigation(w http.ResponseWriter, r *http.Request) {
	sourceID := mux.Vars(r)["source_id"]
	record, ok := h.mitigations.Record(sourceID)
	if !ok {
		writeError(w, http.StatusNotFound, "No active mitigation for source")
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (h *Handlers) ResumeMitigation(w http.ResponseWriter, r *http.Request) {
	sourceID := mux.Vars(r)["source_id"]
	if !h.mitigations.Resume(sourceID) {
		writeError(w, http.StatusNotFound, "No active mitigation for source")
		return
	}
	h.logger.WithField("source_id", sourceID).Info("Mitigation resumed via API")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"source_id": sourceID,
		"resumed":   true,
	})
}

// Helper functions
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
