package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"daily-planner/internal/bot"
	"daily-planner/internal/config"
	"daily-planner/internal/httpapi"
	"daily-planner/internal/recurrence"
	"daily-planner/internal/repository"
	"daily-planner/internal/service"
)

type app struct {
	cfg config.Config
	log *slog.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	var envFile string

	root := &cobra.Command{
		Use:           "dailyplanner",
		Short:         "Daily planner with recurring tasks",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var files []string
			if envFile != "" {
				files = append(files, envFile)
			}
			cfg, err := config.Load(files...)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			a.cfg = cfg
			a.log = mustMakeLogger(cfg.LogLevel)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", "", "path to a .env file (default .env)")

	root.AddCommand(a.serveCmd(), a.generateCmd(), a.migrateCmd())
	return root
}

func (a *app) openStore() (*repository.Store, func(), error) {
	db, err := repository.NewDB(a.cfg.DatabaseDriver, a.cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("db: %w", err)
	}
	return repository.NewStore(db), func() { closeDB(db) }, nil
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

type services struct {
	store        *repository.Store
	tasks        *service.TaskService
	projects     *service.ProjectService
	reminders    *service.ReminderService
	orchestrator *service.Orchestrator
}

func (a *app) buildServices(store *repository.Store) services {
	materializer := service.NewMaterializer(store, a.log)
	tracker := service.NewCompletionTracker(store, materializer, a.log)
	orchestrator := service.NewOrchestrator(store, service.NewGenerationLock(store.Locks), materializer, a.log,
		service.OrchestratorConfig{
			LockTTL:        a.cfg.Generation.LockTTL,
			MaxPerTemplate: a.cfg.Generation.MaxPerTemplate,
			Workers:        a.cfg.Generation.Workers,
		})
	return services{
		store:        store,
		tasks:        service.NewTaskService(store, tracker, materializer, a.log),
		projects:     service.NewProjectService(store.Projects),
		reminders:    service.NewReminderService(store),
		orchestrator: orchestrator,
	}
}

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the generation scheduler, HTTP API and Telegram bot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	store, closeStore, err := a.openStore()
	if err != nil {
		return err
	}
	defer closeStore()
	svc := a.buildServices(store)

	var telegramBot *bot.Bot
	if a.cfg.TelegramToken != "" {
		telegramBot, err = bot.New(a.cfg.TelegramToken, bot.Services{
			Users:        store.Users,
			Projects:     svc.projects,
			Tasks:        svc.tasks,
			Reminders:    svc.reminders,
			Orchestrator: svc.orchestrator,
			HorizonDays:  a.cfg.Generation.HorizonDays,
		}, a.log)
		if err != nil {
			return fmt.Errorf("bot: %w", err)
		}
	} else {
		a.log.Warn("TELEGRAM_TOKEN is empty, bot disabled")
	}

	scheduler := service.NewSchedulerService(time.Local, a.log)
	if _, err := scheduler.ScheduleSpec(a.cfg.Generation.Schedule, func() {
		jobCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		defer cancel()
		if _, err := svc.orchestrator.RunAll(jobCtx, a.cfg.Generation.HorizonDays); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Error("generation pass failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule generation: %w", err)
	}
	if telegramBot != nil && a.cfg.ReportInterval > 0 {
		if _, err := scheduler.ScheduleInterval(a.cfg.ReportInterval, func() {
			jobCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			if err := telegramBot.SendDailyReports(jobCtx); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Error("daily reports failed", "error", err)
			}
		}); err != nil {
			return fmt.Errorf("schedule reports: %w", err)
		}
	}
	scheduler.Start()
	defer scheduler.Stop()

	g, gctx := errgroup.WithContext(ctx)

	if a.cfg.HTTPAddress != "" {
		handler := httpapi.NewHandler(store.Users, svc.tasks, svc.orchestrator, a.cfg.Generation.HorizonDays, a.log)
		server := &http.Server{
			Addr:              a.cfg.HTTPAddress,
			ReadHeaderTimeout: 10 * time.Second,
			Handler:           httpapi.SetupRouter(handler),
		}
		g.Go(func() error {
			a.log.Info("http api listening", "address", a.cfg.HTTPAddress)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	if telegramBot != nil {
		g.Go(func() error {
			return telegramBot.Start(gctx)
		})
	}

	a.log.Info("daily planner started", "generation_schedule", a.cfg.Generation.Schedule)
	<-gctx.Done()
	err = g.Wait()
	a.log.Info("shutdown complete")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (a *app) generateCmd() *cobra.Command {
	var (
		userID  uint
		horizon string
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Run one generation pass and print the result as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := a.openStore()
			if err != nil {
				return err
			}
			defer closeStore()
			svc := a.buildServices(store)
			ctx := cmd.Context()

			var out any
			if userID == 0 {
				if horizon != "" {
					return errors.New("--horizon needs --user")
				}
				if out, err = svc.orchestrator.RunAll(ctx, a.cfg.Generation.HorizonDays); err != nil {
					return err
				}
			} else {
				user, err := store.Users.FindByID(ctx, userID)
				if err != nil {
					return fmt.Errorf("user %d: %w", userID, err)
				}
				until := svc.orchestrator.Horizon(*user, a.cfg.Generation.HorizonDays)
				if horizon != "" {
					if until, err = recurrence.ParseDate(horizon); err != nil {
						return err
					}
				}
				if out, err = svc.orchestrator.RunForUser(ctx, user.ID, until); err != nil {
					return err
				}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().UintVar(&userID, "user", 0, "generate only for this user ID")
	cmd.Flags().StringVar(&horizon, "horizon", "", "last date to generate, YYYY-MM-DD")
	return cmd
}

func (a *app) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update database tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, closeStore, err := a.openStore()
			if err != nil {
				return err
			}
			defer closeStore()
			a.log.Info("migrations applied", "driver", a.cfg.DatabaseDriver)
			return nil
		},
	}
}

func mustMakeLogger(logLevel string) *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "DEBUG":
		level = slog.LevelDebug
	case "INFO":
		level = slog.LevelInfo
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
