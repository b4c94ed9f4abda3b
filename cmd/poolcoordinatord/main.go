// Command poolcoordinatord is the pool coordinator's process entrypoint:
// loads configuration, wires every component together, and runs until a
// termination signal arrives (config load -> connect storage -> build
// server -> accept loop -> signal handling -> graceful shutdown).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/velora-pool/coordinator/internal/api"
	"github.com/velora-pool/coordinator/internal/blockcoordinator"
	"github.com/velora-pool/coordinator/internal/blocktemplate"
	"github.com/velora-pool/coordinator/internal/cache"
	"github.com/velora-pool/coordinator/internal/config"
	"github.com/velora-pool/coordinator/internal/daemonclient"
	"github.com/velora-pool/coordinator/internal/difficulty"
	"github.com/velora-pool/coordinator/internal/hashrate"
	"github.com/velora-pool/coordinator/internal/job"
	"github.com/velora-pool/coordinator/internal/logging"
	"github.com/velora-pool/coordinator/internal/metrics"
	"github.com/velora-pool/coordinator/internal/reward"
	"github.com/velora-pool/coordinator/internal/share"
	"github.com/velora-pool/coordinator/internal/store/postgres"
	"github.com/velora-pool/coordinator/internal/stratum"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	debug := flag.Bool("debug", false, "enable development-mode logging")
	flag.Parse()

	log, err := logging.New(*debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	if err := run(cfg, log); err != nil {
		log.Fatal("fatal error", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	daemon := daemonclient.New(daemonclient.Config{
		URL:      cfg.Daemon.URL,
		APIKey:   cfg.Daemon.APIKey,
		Username: cfg.Daemon.Username,
		Password: cfg.Daemon.Password,
		Timeout:  cfg.Daemon.Timeout,
	})

	st, err := postgres.Open(postgres.Config{
		Host:            cfg.Store.Host,
		Port:            cfg.Store.Port,
		Database:        cfg.Store.Database,
		Username:        cfg.Store.Username,
		Password:        cfg.Store.Password,
		SSLMode:         cfg.Store.SSLMode,
		MaxOpenConns:    cfg.Store.MaxOpenConns,
		MaxIdleConns:    cfg.Store.MaxIdleConns,
		ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
		MigrationsPath:  cfg.Store.MigrationsPath,
	})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	templates := blocktemplate.NewManager(blocktemplate.Config{
		PoolFeeAddress: cfg.Pool.PoolAddress,
		PollInterval:   cfg.Mining.TemplateUpdateInterval,
		ShareTimeout:   cfg.Mining.MaxShareAge,
		Difficulty: blocktemplate.DifficultyParams{
			ConfiguredStarting: cfg.Mining.StartingDifficulty,
		},
	}, daemon, log)

	var stratumServer *stratum.Server

	jobs := job.NewManager(2*cfg.Mining.TemplateUpdateInterval, &jobBroadcaster{get: func() *stratum.Server { return stratumServer }}, log)
	templates.OnNewTemplate(jobs.OnTemplateChanged)

	diffController := difficulty.NewController(cfg.Mining.StartingDifficulty, &difficultyNotifier{get: func() *stratum.Server { return stratumServer }})
	hashrateEstimator := hashrate.New(cfg.Mining.HashrateCalibration)

	var coordinator *blockcoordinator.Coordinator
	validator := share.NewValidator(jobs, diffController, hashrateEstimator, st, &blockSinkProxy{get: func() *blockcoordinator.Coordinator { return coordinator }}, log)

	heightProvider := &templateHeightProvider{templates: templates}
	rewardSplitter := reward.New(reward.Config{
		BlockReward:    cfg.Pool.BlockReward,
		PoolFeePercent: cfg.Pool.Fee,
	}, st, heightProvider, log)

	coordinator = blockcoordinator.New(daemon, templates, jobs, jobs, validator, rewardSplitter, st, log)

	authorizer := stratum.NewStoreAuthorizer(st, log)
	stratumServer = stratum.NewServer(stratum.Config{
		Address:        fmt.Sprintf("%s:%d", cfg.Stratum.Host, cfg.Stratum.Port),
		IdleTimeout:    cfg.Stratum.IdleTimeout,
		MaxConnections: cfg.Stratum.MaxConnections,
	}, authorizer, diffController, hashrateEstimator, stratum.ValidatorAdapter{Validator: validator}, jobs, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	templates.Start()
	defer templates.Stop()

	go runJobTicker(ctx, templates, jobs)

	go rewardSplitter.StartConfirmationLoop(ctx)

	go func() {
		if err := stratumServer.Start(); err != nil {
			log.Error("stratum server exited", zap.Error(err))
		}
	}()
	defer stratumServer.Stop()

	var redisCache *cache.Cache
	if cfg.Cache.RedisURL != "" {
		redisCache, err = cache.New(cache.Config{Addr: cfg.Cache.RedisURL, KeyPrefix: "velorapool:"})
		if err != nil {
			log.Warn("redis cache unavailable, continuing without it", zap.Error(err))
		} else {
			defer redisCache.Close()
		}
	}

	m := metrics.New()
	statsProvider := &liveStatsProvider{server: stratumServer, hashrate: hashrateEstimator}
	handlers := api.NewHandlers(st, statsProvider)
	router := api.NewRouter(handlers, m, api.AdminCredentials{
		Username:     cfg.API.AdminUsername,
		PasswordHash: cfg.API.AdminPasswordHash,
		Secret:       cfg.API.AdminSecret,
		TokenTTL:     cfg.API.AdminTokenTTL,
	})

	httpServer := &http.Server{Addr: cfg.API.ListenAddress, Handler: router}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("dashboard API exited", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)

	return nil
}

// jobTickInterval is how often runJobTicker regenerates the current job
// even when the underlying template's height hasn't changed, so a job's
// ntime keeps advancing between template refreshes.
const jobTickInterval = 30 * time.Second

// runJobTicker mirrors blocktemplate.Manager's own polling-loop style: a
// ticker plus a select on ctx.Done, rather than a dedicated stop channel.
func runJobTicker(ctx context.Context, templates *blocktemplate.Manager, jobs *job.Manager) {
	ticker := time.NewTicker(jobTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tmpl, err := templates.Current()
			if err != nil {
				continue
			}
			jobs.Tick(tmpl)
		}
	}
}

// jobBroadcaster defers to the stratum server, constructed after the
// JobManager needs it as a dependency (resolved via a late-bound getter
// rather than reordering construction).
type jobBroadcaster struct {
	get func() *stratum.Server
}

func (b *jobBroadcaster) BroadcastJob(j *job.Job) {
	if s := b.get(); s != nil {
		s.BroadcastJob(j)
	}
}

type difficultyNotifier struct {
	get func() *stratum.Server
}

func (n *difficultyNotifier) SetDifficulty(clientID string, difficulty uint64) {
	if s := n.get(); s != nil {
		s.SetDifficulty(clientID, difficulty)
	}
}

// blockSinkProxy defers to the BlockCoordinator, constructed after the
// ShareValidator needs it as a dependency (the two are mutually
// referential: the coordinator needs the validator to release its
// per-height claim once a submission workflow finishes).
type blockSinkProxy struct {
	get func() *blockcoordinator.Coordinator
}

func (p *blockSinkProxy) HandleBlockSolution(sol share.BlockSolution) {
	if c := p.get(); c != nil {
		c.HandleBlockSolution(sol)
	}
}

type templateHeightProvider struct {
	templates *blocktemplate.Manager
}

func (p *templateHeightProvider) CurrentHeight(ctx context.Context) (uint64, error) {
	tmpl, err := p.templates.Current()
	if err != nil {
		return 0, err
	}
	return tmpl.Index, nil
}

type liveStatsProvider struct {
	server   *stratum.Server
	hashrate *hashrate.Estimator
}

func (p *liveStatsProvider) ConnectedMiners() int {
	return p.server.ConnectionCount()
}

func (p *liveStatsProvider) PoolHashrate() float64 {
	return p.hashrate.PoolHashrate(p.server.ConnectedMinerIDs())
}
