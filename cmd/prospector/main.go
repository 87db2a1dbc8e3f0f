// Package main provides the prospector binary entry point. Prospector
// watches a directory tree for software projects, enriches them with
// detected metadata, and drives them through an LLM analysis pipeline
// with caching, persistence, and realtime event streaming.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	// Register analyzer providers via init()
	_ "github.com/scanworks/prospector/analyzer/providers"

	"github.com/scanworks/prospector/config"
	"github.com/scanworks/prospector/discovery"
	"github.com/scanworks/prospector/project"
	"github.com/scanworks/prospector/queue"
	"github.com/scanworks/prospector/storage"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "prospector"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		watchPath  string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "prospector",
		Short: "Software project discovery and analysis pipeline",
		Long: `Prospector watches a directory tree for software projects, detects
their type and framework, and runs each through an LLM analysis pipeline
with result caching, persistence, and realtime event streaming.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&watchPath, "watch", "", "Directory to watch for projects")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(serveCmd(&configPath, &watchPath, &logLevel))
	cmd.AddCommand(scanCmd(&configPath, &watchPath, &logLevel))
	cmd.AddCommand(queueCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

// setupLogger configures the process-wide slog default.
func setupLogger(logLevel string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// loadConfig layers file config under flag overrides.
func loadConfig(configPath, watchPath string, logger *slog.Logger) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configPath != "" {
		cfg, err = config.LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
	} else {
		cfg, err = config.NewLoader(logger).Load()
		if err != nil {
			return nil, err
		}
	}

	if watchPath != "" {
		abs, err := filepath.Abs(watchPath)
		if err != nil {
			return nil, fmt.Errorf("resolve watch path: %w", err)
		}
		cfg.Watcher.WatchPath = abs
	}

	return cfg, nil
}

func serveCmd(configPath, watchPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the discovery and analysis pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(*logLevel)

			cfg, err := loadConfig(*configPath, *watchPath, logger)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.ValidateWatch(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			app := NewApp(cfg, logger)
			if err := app.Start(ctx); err != nil {
				return err
			}
			return app.Run(ctx)
		},
	}
}

func scanCmd(configPath, watchPath, logLevel *string) *cobra.Command {
	var resetDeleted bool

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "One-shot discovery scan of the watch root",
		Long: `Scan walks the watch root once, validates each candidate directory,
and upserts discovered projects. With --reset-deleted, active projects
whose paths no longer exist are archived.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(*logLevel)

			cfg, err := loadConfig(*configPath, *watchPath, logger)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if resetDeleted {
				cfg.Admin.ResetDeleted = true
			}
			if err := cfg.ValidateWatch(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			return runScan(ctx, cfg, logger)
		},
	}

	cmd.Flags().BoolVar(&resetDeleted, "reset-deleted", false, "Archive active projects whose paths no longer exist")
	return cmd
}

// runScan performs the one-shot discovery pass.
func runScan(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	store, err := storage.Open(cfg.Database.DSN, logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("initialize schema: %w", err)
	}

	// No bus and no queue: a scan discovers and upserts only.
	sub := discovery.New(store, nil, nil, project.NewExtractor(nil, logger), logger)

	candidates, err := candidateDirs(cfg.Watcher.WatchPath, cfg.Watcher.Depth)
	if err != nil {
		return fmt.Errorf("enumerate candidates: %w", err)
	}

	started := time.Now()
	for _, dir := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		sub.ProcessPath(ctx, dir)
	}

	logger.Info("Scan complete",
		"candidates", len(candidates),
		"duration", time.Since(started))

	if cfg.Admin.ResetDeleted {
		archived, err := archiveMissing(ctx, store, logger)
		if err != nil {
			return err
		}
		logger.Info("Missing projects archived", "count", archived)
	}

	return nil
}

// candidateDirs enumerates directories up to depth levels below root.
func candidateDirs(root string, depth int) ([]string, error) {
	if depth <= 0 {
		depth = 1
	}

	var dirs []string
	level := []string{root}
	for i := 0; i < depth; i++ {
		var next []string
		for _, dir := range level {
			entries, err := os.ReadDir(dir)
			if err != nil {
				if dir == root {
					return nil, err
				}
				continue
			}
			for _, e := range entries {
				if !e.IsDir() {
					continue
				}
				name := e.Name()
				if strings.HasPrefix(name, ".") || project.IsSystemDir(name) {
					continue
				}
				full := filepath.Join(dir, name)
				dirs = append(dirs, full)
				next = append(next, full)
			}
		}
		level = next
	}
	return dirs, nil
}

// archiveMissing archives active projects whose paths vanished.
func archiveMissing(ctx context.Context, store *storage.Store, logger *slog.Logger) (int, error) {
	projects, err := store.ListActiveProjects(ctx)
	if err != nil {
		return 0, err
	}

	archived := 0
	for _, p := range projects {
		if _, err := os.Stat(p.Path); err == nil {
			continue
		}
		if _, err := store.ArchiveProjectByPath(ctx, p.Path); err != nil {
			logger.Warn("Archive failed", "path", p.Path, "error", err)
			continue
		}
		logger.Info("Archived missing project", "project_id", p.ID, "path", p.Path)
		archived++
	}
	return archived, nil
}

func queueCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and control the analysis queue of a running instance",
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", "http://localhost:8090", "Admin API base URL")

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show queue, limiter, and cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			var stats map[string]json.RawMessage
			if err := adminGet(addr, "/api/queue/stats", &stats); err != nil {
				return err
			}
			for _, key := range []string{"queue", "paused", "limiter", "cache", "outbox", "clients"} {
				if raw, ok := stats[key]; ok {
					fmt.Printf("%-8s %s\n", key, string(raw))
				}
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "jobs [state]",
		Short: "List jobs, optionally filtered by state",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/queue/jobs"
			if len(args) == 1 {
				path += "?state=" + args[0]
			}
			var jobs []queue.Job
			if err := adminGet(addr, path, &jobs); err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("no jobs")
				return nil
			}
			for _, j := range jobs {
				fmt.Printf("%-50s %-10s %3d%%  %s  %s\n",
					j.ID, j.State, j.Progress,
					humanize.Time(j.EnqueuedAt), j.Payload.ProjectPath)
			}
			return nil
		},
	})

	for _, op := range []string{"pause", "resume", "clear"} {
		op := op
		cmd.AddCommand(&cobra.Command{
			Use:   op,
			Short: strings.ToUpper(op[:1]) + op[1:] + " the queue",
			RunE: func(cmd *cobra.Command, args []string) error {
				var out map[string]any
				if err := adminPost(addr, "/api/queue/"+op, &out); err != nil {
					return err
				}
				fmt.Println(formatJSON(out))
				return nil
			},
		})
	}

	return cmd
}

// adminGet fetches a JSON document from the running instance.
func adminGet(base, path string, v any) error {
	resp, err := http.Get(base + path)
	if err != nil {
		return fmt.Errorf("reach admin API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("admin API returned %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// adminPost issues an empty-bodied control request.
func adminPost(base, path string, v any) error {
	resp, err := http.Post(base+path, "application/json", nil)
	if err != nil {
		return fmt.Errorf("reach admin API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("admin API returned %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func formatJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
