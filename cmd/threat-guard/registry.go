package main

import (
	"fmt"
	"time"

	"iot-threat-guard/internal/alert"
	"iot-threat-guard/internal/api"
	"iot-threat-guard/internal/metrics"
	"iot-threat-guard/internal/model"
	"iot-threat-guard/internal/responder"
	"iot-threat-guard/internal/rules"
	"iot-threat-guard/internal/rules/builtin"
	"iot-threat-guard/internal/transport"
	"iot-threat-guard/internal/utils"

	"github.com/sirupsen/logrus"
)

func natsConfig(config *utils.Config, url string) transport.NATSConfig {
	t := config.Transport
	return transport.NATSConfig{
		URL:             url,
		Name:            t.ClientName,
		MessageSubject:  t.MessageSubject,
		AlertSubject:    t.AlertSubject,
		CommandSubject:  t.CommandSubject,
		ResumeSubject:   t.ResumeSubject,
		QueueGroup:      t.QueueGroup,
		MaxReconnects:   t.MaxReconnects,
		ReconnectWait:   utils.Seconds(t.ReconnectWaitSeconds),
		ReconnectMax:    utils.Seconds(t.ReconnectMaxSeconds),
		ReceiveBuffer:   t.ReceiveBuffer,
		PublishTimeout:  utils.Seconds(t.PublishTimeoutSeconds),
		BreakerFailures: t.BreakerFailures,
		BreakerTimeout:  utils.Seconds(t.BreakerTimeoutSeconds),
	}
}

func responderConfig(config *utils.Config) responder.Config {
	return responder.Config{
		Cooldown:      config.Cooldown(),
		MaxRetries:    config.Response.MaxPublishRetries,
		BackoffBase:   time.Duration(config.Response.RetryBackoffBaseMs) * time.Millisecond,
		BackoffMax:    time.Duration(config.Response.RetryBackoffMaxMs) * time.Millisecond,
		ShutdownGrace: config.ShutdownGrace(),
	}
}

// registerRules registers the flood rule with the configured threshold and window
func registerRules(engine *rules.Engine, config *utils.Config, logger *logrus.Logger, m *metrics.PrometheusMetrics) {
	flood := builtin.NewFloodRule(true, config.Detection.Severity, config.Detection.Threshold, config.Window(), logger)
	flood.SetMetrics(m)
	engine.RegisterRule(flood)
	logger.Infof("Registered rule: %s (threshold: %d messages in %s)", flood.Name(), flood.Threshold(), flood.Window())
}

type registeredSinks struct {
	store *alert.BadgerSink
	hub   *api.AlertHub
}

func (s registeredSinks) lister() api.AlertLister {
	if s.store != nil {
		return s.store
	}
	if s.hub != nil {
		return s.hub
	}
	return nil
}

func (s registeredSinks) Close() {
	if s.store != nil {
		_ = s.store.Close()
	}
}

func registerSinks(engine *rules.Engine, config *utils.Config, publisher transport.Publisher, logger *logrus.Logger) (registeredSinks, error) {
	var out registeredSinks
	channels := config.Alerting.Channels
	retries := config.Alerting.SinkRetries
	base := time.Duration(config.Response.RetryBackoffBaseMs) * time.Millisecond
	maxWait := time.Duration(config.Response.RetryBackoffMaxMs) * time.Millisecond

	if channels.Log {
		engine.RegisterSink(alert.NewLogSink(logger))
	}

	if channels.Store {
		store, err := alert.OpenBadgerSink(config.Alerting.StorePath, logger)
		if err != nil {
			return out, fmt.Errorf("alert store: %w", err)
		}
		out.store = store
		engine.RegisterSink(alert.NewRetryingSink(store, retries, base, maxWait, logger))
	}

	if channels.Publish {
		engine.RegisterSink(alert.NewRetryingSink(alert.NewPublishSink(publisher), retries, base, maxWait, logger))
	}

	if channels.Stream {
		out.hub = api.NewAlertHub(1000, logger)
		engine.RegisterSink(out.hub)
	}

	return out, nil
}

// disabledMitigations backs the API when the responder is turned off.
type disabledMitigations struct{}

func (disabledMitigations) Records() []model.MitigationRecord { return []model.MitigationRecord{} }

func (disabledMitigations) Record(string) (model.MitigationRecord, bool) {
	return model.MitigationRecord{}, false
}

func (disabledMitigations) Resume(string) bool { return false }
