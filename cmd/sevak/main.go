// sevak is a multi-tenant WhatsApp service assistant for municipal
// grievances, appointments, and case tracking.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"sevak/internal/cases"
	"sevak/internal/cases/pgstore"
	"sevak/internal/channel/whatsapp"
	"sevak/internal/config"
	"sevak/internal/dedup"
	"sevak/internal/dialog"
	"sevak/internal/engine"
	"sevak/internal/flow"
	"sevak/internal/i18n"
	"sevak/internal/ingress"
	"sevak/internal/logging"
	"sevak/internal/metrics"
	"sevak/internal/session"
	"sevak/internal/session/localtier"
	"sevak/internal/session/pgtier"
	"sevak/internal/session/redistier"
	"sevak/internal/tenant"
)

const (
	localSessionTTL   = 30 * time.Minute
	localSessionSweep = 5 * time.Minute
	shutdownGrace     = 10 * time.Second
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "sevak",
		Short: "Municipal citizen-services assistant over WhatsApp",
		Long:  "sevak serves multi-tenant conversational flows for grievance filing,\nappointment booking, and case status tracking over the WhatsApp Cloud API.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (default: ./sevak.yaml)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and flow definitions without serving",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd.Context(), configPath)
		},
	}
	root.AddCommand(serve, validate)
	return root
}

func runServe(parent context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logging.SetDefaultLevel(logging.ParseLevel(cfg.LogLevel))
	logger := logging.NewComponentLogger("sevak")

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry, err := tenant.NewRegistry(cfg.Tenants)
	if err != nil {
		return err
	}
	flows, err := flow.NewFileStore(cfg.FlowsDir, logging.NewComponentLogger("flows"))
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	var (
		cacheTier   session.Tier
		durableTier session.Tier
		locker      session.Locker
		guard       ingress.Deduper
		caseService cases.Service
	)

	local := localtier.New(localSessionTTL, localSessionSweep, logging.NewComponentLogger("sessions"))

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis at %s: %w", cfg.Redis.Addr, err)
		}
		cacheTier, err = redistier.New(client, 0, logging.NewComponentLogger("redis"))
		if err != nil {
			return err
		}
		locker = redistier.NewLock(client, 0, logging.NewComponentLogger("redis"))
		guard = dedup.New(client, 0, logging.NewComponentLogger("dedup"))
	}

	if cfg.Postgres.DSN != "" {
		pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()

		pg, err := pgtier.New(pool, 0, logging.NewComponentLogger("postgres"))
		if err != nil {
			return err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("session schema: %w", err)
		}
		durableTier = pg

		store, err := pgstore.New(pool, logging.NewComponentLogger("cases"))
		if err != nil {
			return err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("case schema: %w", err)
		}
		caseService = store
	}

	sessions := session.NewStore(cacheTier, durableTier, local, locker, logging.NewComponentLogger("sessions"))

	var adapterOpts []whatsapp.Option
	if cfg.Channel.BaseURL != "" {
		adapterOpts = append(adapterOpts, whatsapp.WithBaseURL(cfg.Channel.BaseURL))
	}
	sender, err := whatsapp.New(registry, logging.NewComponentLogger("whatsapp"), m, adapterOpts...)
	if err != nil {
		return err
	}

	translator := i18n.New()
	eng, err := engine.New(engine.Config{
		Sessions:   sessions,
		Sender:     sender,
		Cases:      caseService,
		Translator: translator,
		Tenants:    registry,
		Logger:     logging.NewComponentLogger("engine"),
		Metrics:    m,
	})
	if err != nil {
		return err
	}
	orch, err := dialog.New(dialog.Config{
		Sessions:   sessions,
		Flows:      flows,
		Engine:     eng,
		Sender:     sender,
		Translator: translator,
		Logger:     logging.NewComponentLogger("dialog"),
	})
	if err != nil {
		return err
	}
	server, err := ingress.New(ingress.Config{
		Tenants:      registry,
		Dialog:       orch,
		Guard:        guard,
		Flows:        flows,
		FlowCache:    flows,
		Metrics:      m,
		Gatherer:     reg,
		Logger:       logging.NewComponentLogger("ingress"),
		AllowOrigins: cfg.Server.AllowOrigins,
	})
	if err != nil {
		return err
	}

	printBanner(cfg, len(registry.All()))

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: server.Router(),
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return local.Start(groupCtx)
	})
	group.Go(func() error {
		logger.Info("Listening on %s", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = group.Wait()
	logger.Info("Shut down")
	return err
}

// runValidate loads the config and parses every tenant's flow directory,
// reporting what serving would use.
func runValidate(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	registry, err := tenant.NewRegistry(cfg.Tenants)
	if err != nil {
		return err
	}
	flows, err := flow.NewFileStore(cfg.FlowsDir, logging.NewComponentLogger("flows"))
	if err != nil {
		return err
	}

	ok := true
	for _, t := range registry.All() {
		list, err := flows.List(ctx, t.ID)
		if err != nil {
			color.Red("✗ %s: %v", t.ID, err)
			ok = false
			continue
		}
		color.Green("✓ %s: %d active flows", t.ID, len(list))
		for _, f := range list {
			fmt.Printf("    %s (v%d, %d steps, priority %d)\n", f.ID, f.Version, len(f.Steps), f.Priority)
		}
	}
	if !ok {
		return fmt.Errorf("validation failed")
	}
	return nil
}

func printBanner(cfg *config.Config, tenants int) {
	color.Cyan("sevak - citizen services over WhatsApp")
	fmt.Printf("  tenants:  %d\n", tenants)
	fmt.Printf("  flows:    %s\n", cfg.FlowsDir)
	if cfg.Redis.Addr != "" {
		fmt.Printf("  redis:    %s\n", cfg.Redis.Addr)
	} else {
		color.Yellow("  redis:    disabled (no cache tier, no idempotency guard)")
	}
	if cfg.Postgres.DSN != "" {
		fmt.Printf("  postgres: configured\n")
	} else {
		color.Yellow("  postgres: disabled (sessions are in-memory only)")
	}
}
