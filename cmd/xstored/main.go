// Точка входа демона движка транзакционного хранилища объектов.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/arturkryukov/xstore/internal/adminhttp"
	"github.com/arturkryukov/xstore/internal/config"
	"github.com/arturkryukov/xstore/internal/engine"
	"github.com/arturkryukov/xstore/internal/mount"
)

func main() {
	mkfs := flag.Bool("mkfs", false, "provision a fresh store at XSTORE_BASEDIR and exit")
	mkjournal := flag.Bool("mkjournal", false, "provision a fresh journal at XSTORE_JOURNAL_DIR and exit")
	allowVersionUpdate := flag.Bool("allow-version-update", false, "mount an older on-disk store_version and stamp the current one")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := config.SetupLogger(cfg)
	logger.Info("xstored starting",
		slog.String("version", config.Version),
		slog.String("basedir", cfg.Basedir),
		slog.Int("admin_port", cfg.AdminPort),
	)

	store := engine.New(cfg, logger)

	if *mkfs {
		if err := store.MkFS(); err != nil {
			logger.Error("mkfs failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("mkfs complete", slog.String("basedir", cfg.Basedir))
		return
	}
	if *mkjournal {
		if err := store.MkJournal(); err != nil {
			logger.Error("mkjournal failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("mkjournal complete", slog.String("journal_dir", cfg.JournalDir))
		return
	}

	if err := store.Mount(mount.Options{AllowVersionUpdate: *allowVersionUpdate}); err != nil {
		logger.Error("mount failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("mounted", slog.String("basedir", cfg.Basedir))

	admin, err := adminhttp.New(cfg, logger, store)
	if err != nil {
		logger.Error("admin http setup failed", slog.String("error", err.Error()))
		_ = store.Umount()
		os.Exit(1)
	}

	runErr := admin.Run()

	logger.Info("unmounting")
	if err := store.Umount(); err != nil {
		logger.Error("umount failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if runErr != nil {
		logger.Error("admin http server exited with error", slog.String("error", runErr.Error()))
		os.Exit(1)
	}
	logger.Info("xstored stopped")
}
