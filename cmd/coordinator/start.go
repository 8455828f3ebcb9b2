package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/axiomesh/axiom-kit/log"
	coordinator "github.com/multisig-wizard/coordinator"
	"github.com/multisig-wizard/coordinator/core"
	"github.com/multisig-wizard/coordinator/digest"
	"github.com/multisig-wizard/coordinator/ledger"
	"github.com/multisig-wizard/coordinator/repo"
	"github.com/multisig-wizard/coordinator/storage"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

const (
	taskReaper = "reaper"
	taskDigest = "digest"
)

// node owns everything the daemon opened, in the order it is torn down.
type node struct {
	scheduler *core.Scheduler
	server    *http.Server
	client    *ledger.Client
	store     *storage.Store
	logger    logrus.FieldLogger

	metricsAddr string
}

func start(ctx *cli.Context) error {
	r, err := mustLoadRepo(ctx)
	if err != nil {
		return err
	}

	err = log.Initialize(
		log.WithReportCaller(r.Config.Log.ReportCaller),
		log.WithPersist(true),
		log.WithFilePath(filepath.Join(r.Config.RepoRoot, repo.LogsDirName)),
		log.WithFileName(r.Config.Log.Filename),
		log.WithMaxAge(r.Config.Log.MaxAge),
		log.WithRotationTime(r.Config.Log.RotationTime),
	)
	if err != nil {
		return fmt.Errorf("log initialize: %w", err)
	}

	printVersion()

	logger := newLogger(r.Config)
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	n, err := newNode(ctx.Context, r, logger, reg)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	handleShutdown(n, &wg)

	n.scheduler.Start(context.Background())
	if r.Config.Metrics.Enable {
		n.serveMetrics(reg)
	}

	fmt.Println("=============Coordinator is ready=============")

	wg.Wait()

	return nil
}

func newLogger(config *repo.Config) *logrus.Logger {
	logger := log.New()
	logger.SetLevel(log.ParseLevel(config.Log.Level))
	return logger
}

func newNode(ctx context.Context, r *repo.Repo, logger logrus.FieldLogger, reg prometheus.Registerer) (*node, error) {
	store, err := storage.Open(r.StorePath())
	if err != nil {
		return nil, err
	}
	client, err := ledger.Dial(ctx, r.Config.Ledger, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	scheduler, err := newScheduler(r, store, client, logger, reg)
	if err != nil {
		client.Close()
		_ = store.Close()
		return nil, err
	}

	return &node{
		scheduler: scheduler,
		client:    client,
		store:     store,
		logger:    logger,

		metricsAddr: r.Config.Metrics.ListenAddr,
	}, nil
}

func newScheduler(r *repo.Repo, store core.ProposalStore, client *ledger.Client, logger logrus.FieldLogger, reg prometheus.Registerer) (*core.Scheduler, error) {
	engine := core.NewEngine(r.Config, store, client, logger, core.WithMetrics(core.NewMetrics(reg)))

	scheduler := core.NewScheduler(logger)
	if err := scheduler.Add(core.Task{
		Name:     taskReaper,
		Interval: r.Config.Reaper.Interval,
		Run:      engine.Reaper().Tick,
	}); err != nil {
		return nil, err
	}

	if r.Config.Digest.Enable {
		publisher, err := newPublisher(r, logger)
		if err != nil {
			return nil, err
		}
		reporter := digest.NewReporter(r.Config.Digest, engine, client, publisher, logger)
		if err := scheduler.Add(core.Task{
			Name:         taskDigest,
			Interval:     r.Config.Digest.Interval,
			InitialDelay: r.Config.Digest.InitialDelay,
			Run:          reporter.Run,
		}); err != nil {
			return nil, err
		}
	}
	return scheduler, nil
}

func newPublisher(r *repo.Repo, logger logrus.FieldLogger) (digest.Publisher, error) {
	if dir := r.DigestPath(); dir != "" {
		return digest.NewFilePublisher(dir)
	}
	return &digest.LogPublisher{Logger: logger.WithField("module", "digest")}, nil
}

func (n *node) serveMetrics(reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	n.server = &http.Server{
		Addr:              n.metricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := n.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.logger.WithError(err).Error("metrics server stopped")
		}
	}()
	n.logger.Infof("serving metrics on %s", n.server.Addr)
}

func (n *node) Stop() error {
	n.scheduler.Stop()
	if n.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := n.server.Shutdown(ctx); err != nil {
			n.logger.WithError(err).Warn("metrics server shutdown")
		}
	}
	n.client.Close()
	return n.store.Close()
}

func printVersion() {
	fmt.Printf("Coordinator version: %s-%s-%s\n", coordinator.CurrentVersion, coordinator.CurrentBranch, coordinator.CurrentCommit)
	fmt.Printf("App build date: %s\n", coordinator.BuildDate)
	fmt.Printf("System version: %s\n", coordinator.Platform)
	fmt.Printf("Golang version: %s\n", coordinator.GoVersion)
	fmt.Println()
}

func handleShutdown(n *node, wg *sync.WaitGroup) {
	var stop = make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGTERM)
	signal.Notify(stop, syscall.SIGINT)

	go func() {
		<-stop
		fmt.Println("received interrupt signal, shutting down...")
		if err := n.Stop(); err != nil {
			panic(err)
		}
		wg.Done()
		os.Exit(0)
	}()
}
