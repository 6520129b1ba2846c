package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fly-io/dsu-installer/internal/config"
	"github.com/fly-io/dsu-installer/pkg/blockdev"
	"github.com/fly-io/dsu-installer/pkg/db"
	"github.com/fly-io/dsu-installer/pkg/devicemapper"
	"github.com/fly-io/dsu-installer/pkg/errors"
	"github.com/fly-io/dsu-installer/pkg/installer"
	"github.com/fly-io/dsu-installer/pkg/markers"
	"github.com/fly-io/dsu-installer/pkg/mkfs"
	"github.com/fly-io/dsu-installer/pkg/service"
	"github.com/fly-io/dsu-installer/pkg/storage"
	"github.com/fly-io/dsu-installer/pkg/validate"
	"github.com/superfly/fsm"
)

// ensureDirectories creates all necessary directories for the application
func ensureDirectories(sqlitePath, fsmDBPath, metadataDir, installDir string) error {
	if err := os.MkdirAll(filepath.Dir(sqlitePath), 0755); err != nil {
		return errors.Wrap(err, "failed to create database directory")
	}

	// Only needed when the install stages run through the FSM
	if fsmDBPath != "" {
		if err := os.MkdirAll(fsmDBPath, 0755); err != nil {
			return errors.Wrap(err, "failed to create FSM directory")
		}
	}

	if metadataDir != "" {
		if err := os.MkdirAll(metadataDir, 0755); err != nil {
			return errors.Wrap(err, "failed to create metadata directory")
		}
	}

	// Backing files are created here, and the sanity check resolves it
	if installDir != "" {
		if err := os.MkdirAll(installDir, 0755); err != nil {
			return errors.Wrap(err, "failed to create install directory")
		}
	}

	return nil
}

type appOptions struct {
	fsm    bool
	format bool
}

// app is everything a command needs to talk to the installer service.
type app struct {
	cfg     *config.Config
	svc     *service.Service
	history *db.Repository
	binder  devicemapper.Manager
	manager *fsm.Manager
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Usage(errors.Wrap(err, "config invalid"))
	}
	return cfg, nil
}

func openApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	fsmDBPath := ""
	if opts.fsm {
		fsmDBPath = cfg.FSMDBPath
	}
	if err := ensureDirectories(cfg.SQLitePath, fsmDBPath, cfg.MetadataDir, cfg.InstallDir); err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}
	a.history, err = db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return nil, errors.Wrap(err, "db init failed")
	}

	// Stub on non-Linux: installs fall back to direct file writes
	a.binder, err = devicemapper.NewManager(cfg.DMPrefix)
	if err != nil {
		slog.Warn("devicemapper_unavailable", "error", err)
		a.binder = nil
	}

	var pipeline installer.Pipeline
	if fsmDBPath != "" {
		a.manager, err = fsm.New(fsm.Config{DBPath: fsmDBPath})
		if err != nil {
			a.Close()
			return nil, errors.Wrap(err, "FSM manager failed")
		}
		machine, err := installer.NewMachine(ctx, a.manager)
		if err != nil {
			a.Close()
			return nil, err
		}
		pipeline = machine
	}

	var formatter installer.Formatter
	if opts.format || cfg.MkfsCommand != "" {
		formatter = mkfs.New(cfg.MkfsCommand)
	}

	scratchSize, err := cfg.ScratchSize()
	if err != nil {
		a.Close()
		return nil, errors.Usage(err)
	}

	a.svc = service.New(service.Options{
		Markers:            markers.NewStore(cfg.MetadataDir, cfg.BootedIndicator),
		Validator:          validate.NewValidator(cfg.InstallDir, cfg.ExternalStoragePrefix),
		Binder:             a.binder,
		Prober:             blockdev.NewProber(""),
		Formatter:          formatter,
		Pipeline:           pipeline,
		History:            a.history,
		MaxExtents:         cfg.MaxExtents,
		MinFreePercent:     cfg.MinFreePercent,
		DefaultScratchSize: scratchSize,
		MapTimeout:         cfg.MapTimeout,
		ZeroFill:           cfg.ZeroFill,
	})
	return a, nil
}

func (a *app) Close() {
	if a.manager != nil {
		a.manager.Shutdown(10 * time.Second)
	}
	if a.binder != nil {
		a.binder.Close()
	}
	if a.history != nil {
		a.history.Close()
	}
}

func newStorageClient(ctx context.Context, cfg *config.Config) (*storage.Client, error) {
	if cfg.S3Bucket == "" {
		return nil, errors.Usage(fmt.Errorf("--s3-bucket is required for remote images"))
	}
	client, err := storage.NewClient(ctx, storage.Options{
		Bucket:   cfg.S3Bucket,
		Region:   cfg.S3Region,
		Endpoint: cfg.S3Endpoint,
	})
	if err != nil {
		return nil, errors.Wrap(err, "S3 client failed")
	}
	return client, nil
}
