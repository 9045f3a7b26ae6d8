package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ardanlabs/conf/v3"
	"github.com/ledgerops/go-unstake-scheduler/api"
	"github.com/ledgerops/go-unstake-scheduler/db"
	"github.com/ledgerops/go-unstake-scheduler/domain"
	"github.com/ledgerops/go-unstake-scheduler/kafka"
	"github.com/ledgerops/go-unstake-scheduler/metrics"
	"github.com/ledgerops/go-unstake-scheduler/node"
	"github.com/ledgerops/go-unstake-scheduler/scheduler"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const envPrefix = "UNSTAKE_SCHEDULER"

func main() {
	if err := run(); err != nil {
		log.Fatalf("main: exited with error: %s", err.Error())
	}
}

func run() error {
	log.SetOutput(os.Stdout)

	zapConfig := zap.NewProductionConfig()
	// this is just for sugar, to display a readable date instead of an epoch time
	zapConfig.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.DateTime)
	logger, err := zapConfig.Build()
	if err != nil {
		return fmt.Errorf("creating logger: %v", err)
	}
	defer logger.Sync()
	sLogger := logger.Sugar()

	var cfg struct {
		Node struct {
			HttpHost       string        `conf:"default:http://localhost:8010"`
			RequestTimeout time.Duration `conf:"default:20s"`
		}
		Broker struct {
			BootstrapServers []string `conf:"default:localhost:9092"`
			ProduceTopic     string   `conf:"default:unstake-outcomes"`
		}
		Scheduler struct {
			InternalStoreFolder  string        `conf:"default:store"`
			TickInterval         time.Duration `conf:"default:1s"`
			ComputePerTick       uint64        `conf:"default:1000"`
			PromotionCost        uint64        `conf:"default:10"`
			FinalizeCost         uint64        `conf:"default:100"`
			DefaultEpochsPerTick uint32        `conf:"default:1"`
			ServerPort           int           `conf:"default:8000"`
			MetricsPort          int           `conf:"default:9999"`
			MetricsNamespace     string        `conf:"default:unstake-scheduler"`
		}
	}

	help, err := conf.Parse(envPrefix, &cfg)
	if err != nil {
		if errors.Is(err, conf.ErrHelpWanted) {
			fmt.Println(help)
			return nil
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	out, err := conf.String(&cfg)
	if err != nil {
		return fmt.Errorf("generating config for output: %w", err)
	}
	log.Printf("main: Config :\n%v\n", out)

	kafkaMetrics := kprom.NewMetrics(cfg.Scheduler.MetricsNamespace,
		kprom.Registerer(prometheus.DefaultRegisterer),
		kprom.Gatherer(prometheus.DefaultGatherer))
	kcl, err := kgo.NewClient(
		kgo.WithHooks(kafkaMetrics),
		kgo.SeedBrokers(cfg.Broker.BootstrapServers...),
		kgo.DefaultProduceTopic(cfg.Broker.ProduceTopic),
		kgo.ProducerBatchCompression(kgo.ZstdCompression()),
	)
	if err != nil {
		return fmt.Errorf("creating kafka client: %w", err)
	}
	defer kcl.Close()

	store, err := db.NewPebbleStore(cfg.Scheduler.InternalStoreFolder)
	if err != nil {
		return fmt.Errorf("creating pebble store: %w", err)
	}
	defer store.Close()

	nodeClient := node.NewClient(cfg.Node.HttpHost, cfg.Node.RequestTimeout,
		domain.ComputeUnits(cfg.Scheduler.FinalizeCost))
	producer := kafka.NewOutcomeProducer(kcl)
	schedulerMetrics := metrics.NewMetrics(cfg.Scheduler.MetricsNamespace)

	unstakeScheduler, err := scheduler.NewScheduler(store, nodeClient, nodeClient, nodeClient,
		producer, schedulerMetrics, scheduler.Config{
			PromotionCost:        domain.ComputeUnits(cfg.Scheduler.PromotionCost),
			DefaultEpochsPerTick: cfg.Scheduler.DefaultEpochsPerTick,
			TickInterval:         cfg.Scheduler.TickInterval,
			ComputePerTick:       domain.ComputeUnits(cfg.Scheduler.ComputePerTick),
		})
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}
	if head := unstakeScheduler.Head(); head != nil {
		sLogger.Infow("Resuming in-flight unstake request.",
			"account", head.Account, "checkedEpochs", len(head.Checked))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go unstakeScheduler.Run(ctx)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	apiError := make(chan error, 1)
	go func() {
		mux := http.NewServeMux()
		handler := api.NewHandler(unstakeScheduler)
		mux.HandleFunc("POST /v1/register", handler.Register)
		mux.HandleFunc("POST /v1/deregister", handler.Deregister)
		mux.HandleFunc("PUT /v1/rate", handler.SetRate)
		mux.HandleFunc("GET /v1/queue", handler.GetQueue)
		mux.HandleFunc("GET /v1/head", handler.GetHead)
		mux.HandleFunc("GET /v1/rate", handler.GetRate)
		mux.HandleFunc("GET /health", handler.GetHealth)
		log.Printf("main: Starting server on port [%d].", cfg.Scheduler.ServerPort)
		apiError <- http.ListenAndServe(fmt.Sprintf(":%d", cfg.Scheduler.ServerPort), mux)
	}()

	metricsError := make(chan error, 1)
	go func() {
		log.Printf("main: Starting metrics server on port [%d].", cfg.Scheduler.MetricsPort)
		http.Handle("/metrics", promhttp.Handler())
		metricsError <- http.ListenAndServe(fmt.Sprintf(":%d", cfg.Scheduler.MetricsPort), nil)
	}()

	sLogger.Info("Service started.")

	for {
		select {
		case <-shutdown:
			sLogger.Info("Received shutdown signal, shutting down...")
			return nil
		case err := <-metricsError:
			return fmt.Errorf("[ERROR] starting metrics server: %v", err)
		case err := <-apiError:
			return fmt.Errorf("[ERROR] starting api server: %v", err)
		}
	}
}
