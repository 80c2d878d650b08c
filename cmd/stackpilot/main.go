package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvhoward/stackpilot/internal/api"
	"github.com/dvhoward/stackpilot/internal/chat"
	"github.com/dvhoward/stackpilot/internal/config"
	"github.com/dvhoward/stackpilot/internal/orchestrator"
	"github.com/dvhoward/stackpilot/internal/realtime"
	"github.com/dvhoward/stackpilot/internal/resource"
	"github.com/dvhoward/stackpilot/internal/storage"
	"github.com/dvhoward/stackpilot/internal/store"
	"github.com/dvhoward/stackpilot/internal/task"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "task":
		if err := runTask(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "history":
		if err := runHistory(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "version":
		fmt.Printf("stackpilot %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: stackpilot <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  serve     Start the local relay service")
	fmt.Fprintln(os.Stderr, "  task      Submit a task and watch it live")
	fmt.Fprintln(os.Stderr, "  history   Download the chat history as a JSON file")
	fmt.Fprintln(os.Stderr, "  version   Print version")
}

func newLogger(level string) *slog.Logger {
	logLevel := slog.LevelInfo
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
	return logger
}

func driverOptions(cfg *config.Config, progress func(task.Progress), hooks task.Hooks) task.Options {
	return task.Options{
		ProjectID:     cfg.Orchestrator.ProjectID,
		DatabaseID:    cfg.Orchestrator.DatabaseID,
		ConnectionID:  cfg.Orchestrator.ConnectionID,
		ShareToken:    cfg.Orchestrator.ShareToken,
		MaxIterations: cfg.Agent.MaxIterations,
		RetryBackoff:  cfg.Agent.RetryBackoff,
		Progress:      progress,
		Hooks:         hooks,
	}
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.Service.LogLevel)
	logger.Info("starting stackpilot", "version", version, "config", *configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	msgStore := store.NewMessageStore(db)
	taskStore := store.NewTaskStore(db)

	client := orchestrator.NewClient(cfg.Orchestrator.BaseURL, cfg.Orchestrator.Token, cfg.Orchestrator.APIKey, logger)
	reconciler := chat.NewReconciler()
	tracker := resource.NewTracker()

	refetchMessages := func() {
		fctx, fcancel := context.WithTimeout(ctx, 15*time.Second)
		defer fcancel()
		msgs, err := client.FetchMessages(fctx, cfg.Orchestrator.ProjectID, "", cfg.Agent.HistoryPageSize)
		if err != nil {
			logger.Warn("message refetch failed", "error", err)
			return
		}
		reconciler.SetAuthoritative(msgs)
		if err := msgStore.Upsert(fctx, msgs); err != nil {
			logger.Warn("message cache update failed", "error", err)
		}
	}
	refetchDeployments := func() {
		fctx, fcancel := context.WithTimeout(ctx, 15*time.Second)
		defer fcancel()
		rows, err := client.FetchDeployments(fctx, cfg.Orchestrator.ProjectID)
		if err != nil {
			logger.Warn("deployment refetch failed", "error", err)
			return
		}
		if tracker.UpdateDeployments(rows) {
			logger.Debug("deployments changed")
		}
	}
	refetchDatabases := func() {
		fctx, fcancel := context.WithTimeout(ctx, 15*time.Second)
		defer fcancel()
		rows, err := client.FetchDatabases(fctx, cfg.Orchestrator.ProjectID)
		if err != nil {
			logger.Warn("database refetch failed", "error", err)
			return
		}
		if tracker.UpdateDatabases(rows) {
			logger.Debug("databases changed")
		}
	}

	hooks := task.Hooks{
		OnSchemaRefresh:    refetchDatabases,
		OnMigrationRefresh: refetchDeployments,
	}
	manager := task.NewManager(client, taskStore, reconciler, task.ManagerOptions{
		Driver: driverOptions(cfg, nil, hooks),
	}, logger)

	if cfg.Realtime.URL != "" {
		sub := realtime.NewSubscriber(cfg.Realtime.URL, cfg.Orchestrator.ProjectID, cfg.Orchestrator.Token, logger)
		sub.On(realtime.TableChatMessages, func(realtime.Notification) { refetchMessages() })
		sub.On(realtime.TableDeployments, func(realtime.Notification) { refetchDeployments() })
		sub.On(realtime.TableDatabases, func(realtime.Notification) { refetchDatabases() })
		go sub.Run(ctx)
	} else {
		logger.Warn("realtime.url not set, message reconciliation will not retire placeholders")
	}

	// Seed local state before accepting traffic.
	refetchMessages()
	refetchDeployments()
	refetchDatabases()

	srv := api.New(api.Config{
		Listen: cfg.API.Listen,
		Token:  cfg.API.Token,
	}, manager, reconciler, tracker, taskStore, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
		return nil
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			return err
		}
		return nil
	}
}

func runHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	sessionID := fs.String("session", "", "limit to one agent session")
	out := fs.String("out", "chat-history.json", "output file path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.Service.LogLevel)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := orchestrator.NewClient(cfg.Orchestrator.BaseURL, cfg.Orchestrator.Token, cfg.Orchestrator.APIKey, logger)
	export, err := chat.DownloadHistory(ctx, client, cfg.Orchestrator.ProjectID, *sessionID, cfg.Agent.HistoryPageSize, *out)
	if err != nil {
		return err
	}

	// Keep the local cache warm as a side effect of the download.
	db, err := storage.OpenSQLite(ctx, cfg.Database.Path)
	if err == nil {
		defer db.Close()
		if err := store.NewMessageStore(db).Upsert(ctx, export.Messages); err != nil {
			logger.Warn("message cache update failed", "error", err)
		}
	}

	fmt.Printf("wrote %d messages to %s\n", len(export.Messages), *out)
	return nil
}
