package alert

import (
	"context"

	"iot-threat-guard/internal/model"

	"github.com/sirupsen/logrus"
)

// LogSink writes alerts to the process log
type LogSink struct {
	logger *logrus.Logger
}

// NewLogSink creates a new log sink
func NewLogSink(logger *logrus.Logger) *LogSink {
	return &LogSink{
		logger: logger,
	}
}

func (s *LogSink) Name() string {
	return "log"
}

// Record implements Sink - writes alert to logs
func (s *LogSink) Record(_ context.Context, alert model.Alert) error {
	s.logger.WithFields(logrus.Fields{
		"alert_id":       alert.ID,
		"source_id":      alert.SourceID,
		"message_count":  alert.MessageCount,
		"window_seconds": alert.WindowSeconds,
		"detected_at":    alert.DetectedAt,
	}).Warnf("ALERT [%s] %s: %s", alert.Severity, alert.Type, alert.Summary)
	return nil
}
