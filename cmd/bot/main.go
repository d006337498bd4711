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

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"vpnshop/internal/billing"
	"vpnshop/internal/config"
	"vpnshop/internal/logger"
	"vpnshop/internal/payment"
	"vpnshop/internal/utils"
	"vpnshop/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:           "bot",
		Short:         "VPN subscription billing service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(jobCmd("enforce", "Run one traffic enforcement pass"))
	rootCmd.AddCommand(jobCmd("expire", "Run one expiry pass: reminders and deactivation"))
	rootCmd.AddCommand(jobCmd("repair", "Run one repair pass: relink payments and sweep stale keys"))
	rootCmd.AddCommand(jobCmd("retry", "Re-drive payments stuck in paid"))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads configuration and builds the application. The returned logger
// must be synced by the caller.
func setup(validate bool) (*app, *zap.Logger, error) {
	cfg := config.LoadConfig()
	if validate {
		if err := cfg.Validate(); err != nil {
			return nil, nil, err
		}
	}

	log, err := logger.New(cfg.LogLevel, cfg.Environment)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}

	a, err := newApp(cfg, log)
	if err != nil {
		_ = log.Sync()
		return nil, nil, err
	}
	return a, log, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve payment webhooks and run periodic jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, log, err := setup(true)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, a)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	allowed, err := utils.NewIPAllowlist(a.cfg.AllowedYooIp)
	if err != nil {
		return err
	}
	trusted, err := utils.NewIPAllowlist(a.cfg.TrustedProxies)
	if err != nil {
		return fmt.Errorf("TRUSTED_PROXIES: %w", err)
	}
	webhooks := payment.NewHandler(a.gateway, a.payments, a.reconciler, allowed, a.log)
	r := newRouter(webhooks, trusted, func(ctx context.Context) error {
		sqlDB, err := a.db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	})

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	scheduler := worker.NewScheduler(a.locker, a.log)
	for _, job := range a.jobs() {
		if err := scheduler.Add(job); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("http server listening", zap.String("addr", a.cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		scheduler.Start()
		a.log.Info("service started successfully")
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.log.Info("shutting down")
		scheduler.Stop(shutdownCtx)
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <payment-id>",
		Short: "Reconcile one paid payment into its subscription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, log, err := setup(false)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			defer a.Close()

			res, err := a.reconciler.Reconcile(cmd.Context(), args[0])
			if err != nil {
				if billing.IsRetryable(err) {
					return fmt.Errorf("reconcile %s failed, retry later: %w", args[0], err)
				}
				return fmt.Errorf("reconcile %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok=%t reason=%s subscription=%d", res.OK, res.Reason, res.SubscriptionID)
			if !res.ExpiresAt.IsZero() {
				fmt.Fprintf(cmd.OutOrStdout(), " expires_at=%s", res.ExpiresAt.Format(time.RFC3339))
			}
			fmt.Fprintln(cmd.OutOrStdout())
			return nil
		},
	}
}

// jobCmd runs a single pass of a scheduled job, holding the same lock the
// scheduler would.
func jobCmd(name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, log, err := setup(false)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			defer a.Close()

			for _, job := range a.jobs() {
				if job.Name != name {
					continue
				}
				release, err := a.locker.Acquire(cmd.Context(), "job:"+name, job.Interval)
				if err != nil {
					return fmt.Errorf("job %s: %w", name, err)
				}
				defer release()
				return job.Run(cmd.Context())
			}
			return fmt.Errorf("unknown job %s", name)
		},
	}
}
