// Command hintd is the shell history suggestion daemon.
// It listens on a Unix domain socket for logged commands and suggestion
// requests from shell clients, ranks candidates from local history, and
// never sends an unredacted command line off the machine.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"hintd/internal/config"
	"hintd/internal/daemon"
	"hintd/internal/privacy"
	"hintd/internal/semantic"
	"hintd/internal/store"
	"hintd/internal/suggest"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// Bound on how many distinct commands the similarity index holds.
const maxIndexedCommands = 2000

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	verbose := flag.Bool("verbose", false, "log every request and response to stderr")
	configPath := flag.String("config", "", "config file path (default: $XDG_CONFIG_HOME/hintd/config.toml)")
	socketPath := flag.String("socket", "", "socket path override")
	flag.Parse()

	if *showVersion {
		fmt.Println("hintd", Version)
		os.Exit(0)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := run(*configPath, *socketPath); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(configPath, socketOverride string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	sock := socketOverride
	if sock == "" {
		sock = config.ResolveSocketPath(cfg)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	filter, err := buildFilter(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		searcher  suggest.Searcher
		saveCache func()
	)
	if config.EmbeddingEnabled(cfg) {
		embedder := semantic.NewEmbedder(
			config.ResolveEmbeddingBaseURL(cfg),
			config.ResolveEmbeddingAPIKey(cfg),
			config.ResolveEmbeddingModel(cfg),
		)
		idx := semantic.NewIndex(
			embedder, st, privacy.Redact,
			maxIndexedCommands,
			time.Duration(cfg.Embedding.TTLMinutes)*time.Minute,
		)
		if err := idx.LoadCache(cfg.Embedding.CachePath); err != nil && !os.IsNotExist(err) {
			slog.Warn("embedding cache unusable, rebuilding", "error", err)
		}
		go idx.StartRefreshLoop(ctx)
		defer idx.Close()
		searcher = idx
		saveCache = func() {
			if err := idx.SaveCache(cfg.Embedding.CachePath); err != nil {
				slog.Warn("embedding cache save failed", "error", err)
			}
		}
		slog.Info("semantic tier enabled", "model", config.ResolveEmbeddingModel(cfg))
	} else {
		slog.Info("semantic tier disabled: no embedding endpoint configured")
	}

	engine := suggest.NewEngine(st, searcher, time.Duration(cfg.Suggest.DeadlineMS)*time.Millisecond)
	defer engine.Close()

	d := daemon.New(daemon.Options{
		SocketPath:     sock,
		Store:          st,
		Filter:         filter,
		Engine:         engine,
		SaveIndexCache: saveCache,
	})
	if err := d.Start(); err != nil {
		return err
	}
	slog.Info("ready", "socket", sock, "version", Version)

	var crashed bool
	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case <-d.Crashed():
		slog.Error("listener failed, shutting down")
		crashed = true
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if crashed {
		return errors.New("daemon crashed: listener failure")
	}
	return nil
}

func buildFilter(cfg *config.Config) (*privacy.Filter, error) {
	p := cfg.Privacy
	return privacy.NewConfiguredFilter(p.ExcludedPaths, p.ExcludedPatterns, p.PathsOnly, p.PatternsOnly)
}
