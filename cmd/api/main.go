package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"disputeflow/auth"
	"disputeflow/config"
)

var version = "dev"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "disputed",
		Short:        "UPI dispute resolution workflow engine",
		Version:      version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("DISPUTED_CONFIG"), "path to YAML config")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(sweepCmd(&configPath))
	rootCmd.AddCommand(redriveCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(operatorCmd(&configPath))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withApp loads config, wires the app, runs fn and shuts everything down.
func withApp(configPath string, fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.close(sctx)
	}()

	return fn(ctx, a)
}

func serveCmd(configPath *string) *cobra.Command {
	var autoMigrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with the dispatcher, sweep and outbox relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configPath, func(ctx context.Context, a *app) error {
				if autoMigrate {
					if err := a.migrate(ctx); err != nil {
						return err
					}
				}
				return serve(ctx, a)
			})
		},
	}
	cmd.Flags().BoolVar(&autoMigrate, "migrate", false, "apply migrations before serving")
	return cmd
}

func serve(ctx context.Context, a *app) error {
	server := NewServer(a.disputes, a.auth, a.orchestrator, a.dispatcher, a.logger)
	httpServer := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.dispatcher.Run(gctx) })
	if a.cfg.Sweep.Enabled {
		g.Go(func() error { return a.sweeper.Run(gctx, a.cfg.Sweep.Interval) })
	}
	if a.cfg.Outbox.Enabled {
		g.Go(func() error { return a.relay.Run(gctx) })
	}
	g.Go(func() error {
		a.logger.Info("http server listening", "addr", a.cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(sctx)
	})

	err := g.Wait()
	a.logger.Info("server stopped")
	return err
}

func sweepCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one reconciliation sweep pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configPath, func(ctx context.Context, a *app) error {
				report, err := a.sweeper.SweepOnce(ctx)
				if err != nil {
					return err
				}
				return json.NewEncoder(cmd.OutOrStdout()).Encode(report)
			})
		},
	}
}

func redriveCmd(configPath *string) *cobra.Command {
	var operator string

	cmd := &cobra.Command{
		Use:   "redrive <dispute-id>",
		Short: "Send a MANUAL_REVIEW dispute back through verification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configPath, func(ctx context.Context, a *app) error {
				res, err := a.orchestrator.Redrive(ctx, args[0], operator)
				if err != nil {
					return err
				}
				return json.NewEncoder(cmd.OutOrStdout()).Encode(newRunResponse(res))
			})
		},
	}
	cmd.Flags().StringVar(&operator, "operator", "cli", "operator id recorded on the audit event")
	return cmd
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configPath, func(ctx context.Context, a *app) error {
				if a.pool == nil {
					return errors.New("migrate: store is not postgres")
				}
				if err := a.migrate(ctx); err != nil {
					return err
				}
				a.logger.Info("migrations applied")
				return nil
			})
		},
	}
}

func operatorCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "operator",
		Short: "Manage operator accounts",
	}

	var phone, fullName string
	add := &cobra.Command{
		Use:   "add",
		Short: "Create an operator account; the password is read from OPERATOR_PASSWORD",
		RunE: func(cmd *cobra.Command, args []string) error {
			password := os.Getenv("OPERATOR_PASSWORD")
			if password == "" {
				return errors.New("operator add: OPERATOR_PASSWORD is empty")
			}
			return withApp(*configPath, func(ctx context.Context, a *app) error {
				user, err := a.auth.Register(ctx, auth.RegisterRequest{
					Phone:    phone,
					Password: password,
					FullName: fullName,
					Role:     auth.RoleOperator,
				})
				if err != nil {
					return fmt.Errorf("operator add: %w", err)
				}
				return json.NewEncoder(cmd.OutOrStdout()).Encode(userResponse{
					ID:       user.ID,
					Phone:    user.Phone,
					FullName: user.FullName,
					Role:     string(user.Role),
				})
			})
		},
	}
	add.Flags().StringVar(&phone, "phone", "", "operator phone in E.164")
	add.Flags().StringVar(&fullName, "name", "", "operator display name")
	_ = add.MarkFlagRequired("phone")

	cmd.AddCommand(add)
	return cmd
}
