package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jbwitnessAI/mrgc/pkg/autoscaler"
	"github.com/jbwitnessAI/mrgc/pkg/compute"
	"github.com/jbwitnessAI/mrgc/pkg/config"
	"github.com/jbwitnessAI/mrgc/pkg/events"
	"github.com/jbwitnessAI/mrgc/pkg/failover"
	"github.com/jbwitnessAI/mrgc/pkg/health"
	"github.com/jbwitnessAI/mrgc/pkg/log"
	"github.com/jbwitnessAI/mrgc/pkg/metrics"
	"github.com/jbwitnessAI/mrgc/pkg/registry"
	"github.com/jbwitnessAI/mrgc/pkg/router"
	"github.com/jbwitnessAI/mrgc/pkg/storage"
	"github.com/jbwitnessAI/mrgc/pkg/trafficdirector"
	"github.com/jbwitnessAI/mrgc/pkg/workerclient"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run an mrgc control-loop process",
}

func init() {
	serveCmd.PersistentFlags().String("region", "", "Region this process instance is responsible for (required)")
	serveCmd.PersistentFlags().String("metrics-addr", ":9090", "Address the /metrics, /health, /ready and /live endpoints listen on")
	serveCmd.PersistentFlags().StringSlice("model-pool", nil, "Model pool(s) the autoscaler manages (repeatable)")
	_ = serveCmd.MarkPersistentFlagRequired("region")

	serveCmd.AddCommand(serveRouterCmd, serveHealthMonitorCmd, serveAutoscalerCmd, serveFailoverCmd, serveAllCmd)
}

// bootstrap holds the shared dependencies every subcommand wires up from
// one process's configuration: storage, the instance registry, a worker
// HTTP client, and the in-process event broker.
type bootstrap struct {
	cfg      *config.Config
	store    storage.Store
	registry *registry.Registry
	client   *workerclient.Client
	broker   *events.Broker
}

func newBootstrap(cmd *cobra.Command) (*bootstrap, error) {
	region, _ := cmd.Flags().GetString("region")
	cfg, err := config.Load(region)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	store, err := storage.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	reg := registry.New(store)
	broker := events.NewBroker()
	broker.Start()
	reg.SetBroker(broker)

	return &bootstrap{
		cfg:      cfg,
		store:    store,
		registry: reg,
		client:   workerclient.New(),
		broker:   broker,
	}, nil
}

// serveMetrics starts the Prometheus scrape endpoint plus liveness,
// readiness and health JSON endpoints, and registers this process as a
// ready critical component once its control loop is running.
func serveMetrics(addr string, criticalComponents []string) *http.Server {
	metrics.SetCriticalComponents(criticalComponents)
	for _, name := range criticalComponents {
		metrics.RegisterComponent(name, true, "")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(fmt.Sprintf("metrics server stopped: %v", err))
		}
	}()
	return srv
}

// waitForShutdown blocks until SIGINT/SIGTERM, then cancels ctx.
func waitForShutdown(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	cancel()
}

// failoverSiblings derives the sibling region list for the Failover
// Controller from the static latency table: every other region keyed
// under this region gets its configured latency, with priority assigned
// by alphabetical position (the table leaves explicit priority
// unprescribed per §9, so this is a deterministic default a caller can
// override by editing the table itself).
func failoverSiblings(cfg config.FailoverConfig, region string) []failover.RegionPriority {
	row := cfg.LatencyTable[region]
	regions := make([]string, 0, len(row))
	for r := range row {
		regions = append(regions, r)
	}
	sort.Strings(regions)

	siblings := make([]failover.RegionPriority, len(regions))
	for i, r := range regions {
		siblings[i] = failover.RegionPriority{Region: r, LatencyMs: row[r], Priority: i}
	}
	return siblings
}

var serveRouterCmd = &cobra.Command{
	Use:   "router",
	Short: "Run the Regional Router ingress",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := newBootstrap(cmd)
		if err != nil {
			return err
		}
		defer b.store.Close()

		rt := router.New(b.cfg.Region, b.store, b.client, b.cfg.Router)

		ctx, cancel := context.WithCancel(context.Background())
		go rt.Run(ctx)

		srv := serveMetrics(mustAddr(cmd), []string{"store", "router"})
		defer srv.Close()

		addr := mustListenAddr(cmd)
		httpSrv := &http.Server{Addr: addr, Handler: rt}
		go func() {
			log.WithRegion(b.cfg.Region).Info().Str("addr", addr).Msg("regional router listening")
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error(fmt.Sprintf("router ingress stopped: %v", err))
			}
		}()

		waitForShutdown(cancel)
		return httpSrv.Close()
	},
}

var serveHealthMonitorCmd = &cobra.Command{
	Use:   "health-monitor",
	Short: "Run the Health Monitor probe loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := newBootstrap(cmd)
		if err != nil {
			return err
		}
		defer b.store.Close()

		mon := health.NewMonitor(b.cfg.Region, b.registry, b.client, health.Config{
			Interval:         b.cfg.Health.Interval,
			ProbeTimeout:     b.cfg.Health.ProbeTimeout,
			Concurrency:      b.cfg.Health.Concurrency,
			FailureThreshold: b.cfg.Health.FailureThreshold,
		})

		ctx, cancel := context.WithCancel(context.Background())
		go mon.Run(ctx)

		srv := serveMetrics(mustAddr(cmd), []string{"store", "health_monitor"})
		defer srv.Close()

		waitForShutdown(cancel)
		return nil
	},
}

var serveAutoscalerCmd = &cobra.Command{
	Use:   "autoscaler",
	Short: "Run the Autoscaler control loop for one or more model pools",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := newBootstrap(cmd)
		if err != nil {
			return err
		}
		defer b.store.Close()

		pools, _ := cmd.Flags().GetStringSlice("model-pool")
		if len(pools) == 0 {
			return fmt.Errorf("--model-pool is required for the autoscaler")
		}

		ctx, cancel := context.WithCancel(context.Background())
		provider := compute.NewLogProvider()
		for _, pool := range pools {
			a := autoscaler.New(b.cfg.Region, pool, b.store, b.registry, provider, b.cfg.Autoscaler)
			a.SetBroker(b.broker)
			go a.Run(ctx)
		}

		srv := serveMetrics(mustAddr(cmd), []string{"store", "autoscaler"})
		defer srv.Close()

		waitForShutdown(cancel)
		return nil
	},
}

var serveFailoverCmd = &cobra.Command{
	Use:   "failover",
	Short: "Run the Failover Controller FSM",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := newBootstrap(cmd)
		if err != nil {
			return err
		}
		defer b.store.Close()

		director := trafficdirector.NewLogDirector()
		siblings := failoverSiblings(b.cfg.Failover, b.cfg.Region)
		ctrl := failover.New(b.cfg.Region, b.store, director, b.cfg.Failover, siblings)
		ctrl.SetBroker(b.broker)

		ctx, cancel := context.WithCancel(context.Background())
		go ctrl.Run(ctx, b.cfg.Health.Interval, func(ctx context.Context) (health.RegionHealth, error) {
			return health.RecomputeFromStore(ctx, b.store, b.registry, b.cfg.Region)
		})

		srv := serveMetrics(mustAddr(cmd), []string{"store", "failover"})
		defer srv.Close()

		waitForShutdown(cancel)
		return nil
	},
}

var serveAllCmd = &cobra.Command{
	Use:   "all",
	Short: "Run every control loop in one process (development/single-box use)",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := newBootstrap(cmd)
		if err != nil {
			return err
		}
		defer b.store.Close()

		ctx, cancel := context.WithCancel(context.Background())

		rt := router.New(b.cfg.Region, b.store, b.client, b.cfg.Router)
		go rt.Run(ctx)

		mon := health.NewMonitor(b.cfg.Region, b.registry, b.client, health.Config{
			Interval:         b.cfg.Health.Interval,
			ProbeTimeout:     b.cfg.Health.ProbeTimeout,
			Concurrency:      b.cfg.Health.Concurrency,
			FailureThreshold: b.cfg.Health.FailureThreshold,
		})
		go mon.Run(ctx)

		director := trafficdirector.NewLogDirector()
		siblings := failoverSiblings(b.cfg.Failover, b.cfg.Region)
		ctrl := failover.New(b.cfg.Region, b.store, director, b.cfg.Failover, siblings)
		ctrl.SetBroker(b.broker)
		go ctrl.Run(ctx, b.cfg.Health.Interval, func(ctx context.Context) (health.RegionHealth, error) {
			return health.RecomputeFromStore(ctx, b.store, b.registry, b.cfg.Region)
		})

		if pools, _ := cmd.Flags().GetStringSlice("model-pool"); len(pools) > 0 {
			provider := compute.NewLogProvider()
			for _, pool := range pools {
				a := autoscaler.New(b.cfg.Region, pool, b.store, b.registry, provider, b.cfg.Autoscaler)
				a.SetBroker(b.broker)
				go a.Run(ctx)
			}
		}

		httpSrv := &http.Server{Addr: mustListenAddr(cmd), Handler: rt}
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error(fmt.Sprintf("router ingress stopped: %v", err))
			}
		}()

		srv := serveMetrics(mustAddr(cmd), []string{"store", "router", "health_monitor", "failover"})
		defer srv.Close()

		waitForShutdown(cancel)
		return httpSrv.Close()
	},
}

func mustAddr(cmd *cobra.Command) string {
	addr, _ := cmd.Flags().GetString("metrics-addr")
	return addr
}

// mustListenAddr is the router ingress listen address; fixed at :8081
// since :8080 is the worker-side /health and /inference port every
// worker listens on (pkg/workerclient dials it), and :9090 is metrics.
func mustListenAddr(cmd *cobra.Command) string {
	return ":8081"
}
