package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cilium/ebpf/rlimit"
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/bpfman/bpfman-core/internal/attach"
	"github.com/bpfman/bpfman-core/internal/bpffs"
	"github.com/bpfman/bpfman-core/internal/config"
	"github.com/bpfman/bpfman-core/internal/coordinator"
	"github.com/bpfman/bpfman-core/internal/dispatcher"
	"github.com/bpfman/bpfman-core/internal/kernel"
	"github.com/bpfman/bpfman-core/internal/ociimage"
	"github.com/bpfman/bpfman-core/internal/store"
)

func main() {
	cfgPath := flag.String("config", config.DefaultConfigPath, "path to bpfman.toml")
	rtdir := flag.String("runtime-dir", config.DefaultRuntimeDir, "runtime directory (bpffs mount, pinned links)")
	statedir := flag.String("state-dir", config.DefaultStateDir, "state directory (persistence store)")
	dispatcherDir := flag.String("dispatcher-dir", "/usr/lib/bpfman/dispatchers", "directory holding pre-built dispatcher ELF objects")
	devMode := flag.Bool("dev", false, "enable development (console, debug-level) logging")
	flag.Parse()

	zapLog, err := buildZapLogger(*devMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "building logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLog.Sync()
	log := zapr.NewLogger(zapLog)

	if err := run(log, *cfgPath, *rtdir, *statedir, *dispatcherDir); err != nil {
		log.Error(err, "bpfmand exited")
		os.Exit(1)
	}
}

func buildZapLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(log logr.Logger, cfgPath, rtdir, statedir, dispatcherDir string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := rlimit.RemoveMemlock(); err != nil {
		return fmt.Errorf("removing memlock rlimit: %w", err)
	}

	if err := bpffs.EnsureMounted(rtdir); err != nil {
		return fmt.Errorf("mounting bpffs: %w", err)
	}

	if err := os.MkdirAll(statedir, 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	st, err := store.Open(filepath.Join(statedir, "bpfman.db"), store.RetryPolicy{
		MaxRetries:    cfg.Database.MaxRetries,
		MillisecDelay: time.Duration(cfg.Database.MillisecDelay) * time.Millisecond,
	})
	if err != nil {
		return fmt.Errorf("opening persistence store: %w", err)
	}
	defer st.Close()

	images, err := ociimage.NewManager(log, filepath.Join(statedir, "images"), cfg)
	if err != nil {
		return fmt.Errorf("building image manager: %w", err)
	}

	loader := kernel.NewLoader(log)
	attachEng := attach.NewEngine(log, rtdir)
	dispatchers := dispatcher.NewManager(log, loader, dispatcher.FileObjectProvider{Dir: dispatcherDir})

	coord := coordinator.New(log, rtdir, cfg, st, images, loader, attachEng, dispatchers)
	defer coord.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("running startup reconciliation")
	if err := coord.Reconcile(ctx); err != nil {
		log.Error(err, "startup reconciliation encountered errors, continuing")
	}

	log.Info("bpfmand ready", "runtime_dir", rtdir, "state_dir", statedir)
	<-ctx.Done()
	log.Info("shutting down")
	return nil
}
