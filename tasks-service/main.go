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

	"github.com/charmbracelet/log"
	"github.com/chepyr/subtask-tracker/internal/config"
	"github.com/chepyr/subtask-tracker/internal/logging"
	"github.com/chepyr/subtask-tracker/internal/propagation"
	"github.com/chepyr/subtask-tracker/internal/tasks"
	"github.com/chepyr/subtask-tracker/tasks-service/handlers"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const shutdownTimeout = 5 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	root := &cobra.Command{
		Use:          "tasks-service",
		Short:        "Task tracker where finishing every sub-task finishes the parent",
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.String("storage", "", "storage driver: postgres, sqlite3 or neo4j")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.String("log-format", "", "text, json or logfmt")
	_ = v.BindPFlag("STORAGE_DRIVER", flags.Lookup("storage"))
	_ = v.BindPFlag("LOG_LEVEL", flags.Lookup("log-level"))
	_ = v.BindPFlag("LOG_FORMAT", flags.Lookup("log-format"))

	root.AddCommand(newServeCmd(v), newMigrateCmd(v), newPromoteCmd(v))
	return root
}

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the form endpoints and the WebSocket feed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger := logging.New(cfg.LogLevel, cfg.LogFormat)
			ctx := cmd.Context()

			st, err := initStorage(ctx, cfg)
			if err != nil {
				logger.Error("failed to open storage", "driver", cfg.StorageDriver, "err", err)
				return err
			}
			defer st.close()
			if err := st.migrate(ctx); err != nil {
				logger.Error("failed to migrate storage", "err", err)
				return err
			}

			handler := initHandlers(ctx, cfg, st, logger)
			server := initServer(cfg, handlers.NewRouter(handler))
			return startServer(ctx, server, logger)
		},
	}
	cmd.Flags().String("port", "", "listen port")
	cmd.Flags().String("depth", "", "propagation depth: parent or ancestors")
	_ = v.BindPFlag("SERVER_PORT_TASKS", cmd.Flags().Lookup("port"))
	_ = v.BindPFlag("PROPAGATION_DEPTH", cmd.Flags().Lookup("depth"))
	return cmd
}

func newMigrateCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the tables, constraints and indexes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, logger, err := openForMaintenance(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer st.close()

			if err := st.migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info("storage migrated", "driver", st.driver)
			return nil
		},
	}
}

func newPromoteCmd(v *viper.Viper) *cobra.Command {
	var revoke bool
	cmd := &cobra.Command{
		Use:   "promote <username>",
		Short: "Grant or revoke admin rights",
		Long: `Grant admin rights to an existing user, or take them away with --revoke.
The change shows up in tokens issued at the user's next login.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, logger, err := openForMaintenance(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer st.close()

			if err := st.users.SetAdmin(cmd.Context(), args[0], !revoke); err != nil {
				return fmt.Errorf("promote %s: %w", args[0], err)
			}
			logger.Info("admin rights updated", "username", args[0], "admin", !revoke)
			return nil
		},
	}
	cmd.Flags().BoolVar(&revoke, "revoke", false, "remove admin rights instead")
	return cmd
}

func openForMaintenance(ctx context.Context, v *viper.Viper) (*storage, *log.Logger, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.ValidateStorage(); err != nil {
		return nil, nil, err
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	st, err := initStorage(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s storage: %w", cfg.StorageDriver, err)
	}
	return st, logger, nil
}

func initHandlers(ctx context.Context, cfg *config.Config, st *storage, logger *log.Logger) *handlers.Handler {
	hub := handlers.NewWSHub(logger)
	propagator := propagation.New(propagation.ParseDepth(cfg.PropagationDepth))
	return &handlers.Handler{
		Tasks:          tasks.NewService(st.tasks, propagator, logger, tasks.WithNotifier(hub)),
		UserRepo:       st.users,
		RateLimiter:    handlers.NewRateLimiter(ctx, cfg.RateLimit, cfg.RateWindow),
		WSRateLimiter:  handlers.NewRateLimiter(ctx, cfg.WSRateLimit, cfg.WSRateWindow),
		WSHub:          hub,
		Logger:         logger,
		JWTSecret:      cfg.JWTSecret,
		AllowedOrigins: cfg.AllowedOrigins,
	}
}

func initServer(cfg *config.Config, router http.Handler) *http.Server {
	return &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// startServer blocks until ctx is cancelled or the listener fails.
func startServer(ctx context.Context, server *http.Server, logger *log.Logger) error {
	logger.Info("starting tasks server", "addr", server.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			logger.Error("server failed", "err", err)
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
