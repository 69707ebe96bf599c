package pipeline

import (
	"context"
	"fmt"
	"time"

	"iot-threat-guard/internal/metrics"
	"iot-threat-guard/internal/responder"
	"iot-threat-guard/internal/rules"
	"iot-threat-guard/internal/transport"

	"github.com/sirupsen/logrus"
)

type ServiceConfig struct {
	Workers       int
	QueueSize     int
	SourceIdleTTL time.Duration
	SweepInterval time.Duration
	ShutdownGrace time.Duration
}

// Service wires the inbound stream through the processor and engine into the
// responder and owns the shutdown sequence.
type Service struct {
	cfg       ServiceConfig
	receiver  transport.Receiver
	resumes   transport.ResumeReceiver
	engine    *rules.Engine
	processor *Processor
	automaton *responder.Automaton
	logger    *logrus.Logger
}

func NewService(cfg ServiceConfig, receiver transport.Receiver, engine *rules.Engine, automaton *responder.Automaton, logger *logrus.Logger) *Service {
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 5 * time.Second
	}
	s := &Service{
		cfg:       cfg,
		receiver:  receiver,
		engine:    engine,
		processor: NewProcessor(engine, cfg.Workers, cfg.QueueSize, logger),
		automaton: automaton,
		logger:    logger,
	}
	if rr, ok := receiver.(transport.ResumeReceiver); ok {
		s.resumes = rr
	}
	return s
}

func (s *Service) SetMetrics(m *metrics.PrometheusMetrics) {
	s.processor.SetMetrics(m)
}

// Run processes messages until ctx is done or the inbound stream ends. A
// stream that ended on a transport failure is returned as an error. On the
// way out it stops intake and lets queued evaluations finish within the grace
// period. Once it expires, in-flight sink calls are cancelled and messages
// still queued are dropped and logged.
func (s *Service) Run(ctx context.Context) error {
	msgs, err := s.receiver.Receive(ctx)
	if err != nil {
		return fmt.Errorf("subscribe to inbound stream: %w", err)
	}

	var resumes <-chan string
	if s.resumes != nil && s.automaton != nil {
		resumes, err = s.resumes.Resumes(ctx)
		if err != nil {
			return fmt.Errorf("subscribe to resume signals: %w", err)
		}
	}

	// in-flight work outlives ctx until the grace deadline
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	s.processor.Start(workCtx)

	responderDone := make(chan error, 1)
	if s.automaton != nil {
		go func() { responderDone <- s.automaton.Run(workCtx, s.engine.Alerts(), resumes) }()
	} else {
		go func() {
			for range s.engine.Alerts() {
			}
			responderDone <- nil
		}()
	}

	sweepCtx, stopSweeps := context.WithCancel(ctx)
	defer stopSweeps()
	sweepDone := make(chan struct{})
	go s.sweepLoop(sweepCtx, sweepDone)

	s.logger.Info("Threat guard pipeline started")

	var streamErr error
intake:
	for {
		select {
		case <-ctx.Done():
			break intake
		case msg, ok := <-msgs:
			if !ok {
				if tr, isTerminal := s.receiver.(transport.TerminalReceiver); isTerminal {
					streamErr = tr.Err()
				}
				if streamErr != nil {
					s.logger.WithError(streamErr).Error("Inbound stream failed")
				} else {
					s.logger.Info("Inbound stream closed")
				}
				break intake
			}
			if err := s.processor.Process(workCtx, msg); err != nil {
				s.logger.WithFields(logrus.Fields{
					"source_id": msg.SourceID,
					"error":     err,
				}).Error("Failed to queue message")
			}
		}
	}

	s.logger.Info("Stopping intake, draining in-flight evaluations")
	stopSweeps()
	deadline := time.AfterFunc(s.cfg.ShutdownGrace, cancelWork)
	defer deadline.Stop()

	s.processor.Stop()
	s.engine.Close()
	err = <-responderDone
	<-sweepDone

	s.logger.Info("Threat guard pipeline stopped")
	if streamErr != nil {
		return fmt.Errorf("inbound stream: %w", streamErr)
	}
	return err
}

func (s *Service) sweepLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	if s.cfg.SweepInterval <= 0 {
		return
	}

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep evicts idle detector state and expired mitigation records.
func (s *Service) Sweep() {
	sources := 0
	if s.cfg.SourceIdleTTL > 0 {
		sources = s.engine.Sweep(s.cfg.SourceIdleTTL)
	}
	records := 0
	if s.automaton != nil {
		records = s.automaton.Sweep()
	}
	if sources > 0 || records > 0 {
		s.logger.WithFields(logrus.Fields{
			"sources": sources,
			"records": records,
		}).Debug("Sweep completed")
	}
}
