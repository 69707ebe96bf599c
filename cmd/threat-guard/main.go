package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"iot-threat-guard/internal/api"
	"iot-threat-guard/internal/metrics"
	"iot-threat-guard/internal/pipeline"
	"iot-threat-guard/internal/responder"
	"iot-threat-guard/internal/rules"
	"iot-threat-guard/internal/transport"
	"iot-threat-guard/internal/utils"

	"github.com/sirupsen/logrus"
)

const version = "1.0.0"

func main() {
	var (
		configFile  = flag.String("config", "", "Configuration file path (YAML); defaults plus THREATGUARD_* env when empty")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("IoT Threat Guard v%s\n", version)
		return
	}

	config, err := utils.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config %s: %v\n", *configFile, err)
		os.Exit(1)
	}

	logger := utils.NewLogger(config.Logging)
	logger.Infof("IoT Threat Guard v%s", version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config, logger); err != nil {
		logger.Errorf("Threat guard stopped with error: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, config *utils.Config, logger *logrus.Logger) error {
	registry := metrics.NewRegistry()
	m := metrics.NewPrometheusMetrics(registry)

	url := config.Transport.URL
	if config.Transport.Embedded {
		embedded, err := transport.StartEmbeddedServer(config.Transport.EmbeddedHost, config.Transport.EmbeddedPort)
		if err != nil {
			return err
		}
		defer embedded.Shutdown()
		url = embedded.ClientURL()
		logger.Infof("Embedded NATS server listening at %s", url)
	}

	tr, err := transport.NewNATS(natsConfig(config, url), logger, m)
	if err != nil {
		return fmt.Errorf("connect transport: %w", err)
	}
	defer tr.Close()

	engine := rules.NewEngine(logger, m, config.SinkTimeout())
	registerRules(engine, config, logger, m)

	sinks, err := registerSinks(engine, config, tr, logger)
	if err != nil {
		return err
	}
	defer sinks.Close()

	var automaton *responder.Automaton
	if config.Response.Enabled {
		automaton = responder.NewAutomaton(responderConfig(config), tr, logger, m)
	} else {
		logger.Warn("Response automaton disabled, alerts will not trigger commands")
	}

	service := pipeline.NewService(pipeline.ServiceConfig{
		Workers:       config.Detection.Workers,
		QueueSize:     config.Detection.QueueSize,
		SourceIdleTTL: utils.Seconds(config.Detection.SourceIdleTTLSeconds),
		SweepInterval: utils.Seconds(config.Detection.SweepIntervalSeconds),
		ShutdownGrace: config.ShutdownGrace(),
	}, tr, engine, automaton, logger)
	service.SetMetrics(m)

	apiCtx, stopAPI := context.WithCancel(context.Background())
	apiDone := make(chan error, 1)
	if config.API.Enabled {
		var mitigations api.MitigationController = disabledMitigations{}
		if automaton != nil {
			mitigations = automaton
		}
		handlers := api.NewHandlers(sinks.lister(), sinks.hub, mitigations, logger)
		server := api.NewServer(config.API.Listen, handlers, registry, logger)
		go func() { apiDone <- server.Start(apiCtx) }()
	} else {
		close(apiDone)
	}

	runErr := service.Run(ctx)

	stopAPI()
	if err := <-apiDone; err != nil {
		logger.Errorf("API server error: %v", err)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}
