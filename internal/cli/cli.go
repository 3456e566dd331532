package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"stereostitch/internal/config"
	"stereostitch/internal/fsutil"
	"stereostitch/internal/pipeline"
	"stereostitch/internal/server"
	"stereostitch/internal/storage"
	"stereostitch/internal/target"
	"stereostitch/internal/tasks"
)

type toolManager interface {
	Resolve(settings target.Settings) (*tasks.Engines, error)
	GetToolStatus() map[string]map[string]tasks.ToolStatus
}

type toolManagerFactory func(*config.Config, *slog.Logger) toolManager

type serverFunc func(ctx context.Context, addr string, store *storage.Store, driver *pipeline.Driver, log *slog.Logger) error

func defaultServe(ctx context.Context, addr string, store *storage.Store, driver *pipeline.Driver, log *slog.Logger) error {
	return server.NewServer(addr, store, driver, log).Start(ctx)
}

// Root wires CLI commands to the pipeline.
type Root struct {
	cfg         *config.Config
	cfgPath     string
	log         *slog.Logger
	store       *storage.Store
	out         io.Writer
	toolFactory toolManagerFactory
	serveFn     serverFunc
}

// NewRoot constructs the CLI root. store may be nil when history is
// unavailable.
func NewRoot(cfg *config.Config, cfgPath string, logger *slog.Logger, store *storage.Store) *Root {
	return &Root{
		cfg:     cfg,
		cfgPath: cfgPath,
		log:     logger,
		store:   store,
		out:     os.Stdout,
		toolFactory: func(cfg *config.Config, logger *slog.Logger) toolManager {
			return tasks.NewToolManager(cfg, logger)
		},
		serveFn: defaultServe,
	}
}

func (r *Root) printf(format string, args ...any) {
	fmt.Fprintf(r.out, format, args...)
}

func (r *Root) newToolManager() toolManager {
	if r.toolFactory != nil {
		return r.toolFactory(r.cfg, r.log)
	}
	return tasks.NewToolManager(r.cfg, r.log)
}

// engines loads the calibration target once and resolves the collaborators
// configured for it.
func (r *Root) engines() (target.Settings, *tasks.Engines, error) {
	settings := target.LoadOrDefault(r.cfg.Resolve(r.cfg.Paths.TargetSettings), r.log)
	engines, err := r.newToolManager().Resolve(settings)
	if err != nil {
		return settings, nil, fmt.Errorf("resolve engines: %w", err)
	}
	return settings, engines, nil
}

func (r *Root) newPipeline() (*pipeline.Pipeline, error) {
	settings, engines, err := r.engines()
	if err != nil {
		return nil, err
	}
	return pipeline.New(r.cfg, settings, engines, r.store, r.log), nil
}

// withLock runs fn while holding the workspace lock so two runs never
// write the same artifacts.
func (r *Root) withLock(fn func() error) error {
	lock, err := fsutil.AcquireLock(r.cfg.Resolve(r.cfg.Paths.LockFile))
	if err != nil {
		if errors.Is(err, fsutil.ErrLocked) {
			return fmt.Errorf("another stereostitch run holds %s", r.cfg.Paths.LockFile)
		}
		return err
	}
	defer lock.Release()
	return fn()
}

func (r *Root) runBatch(ctx context.Context, interval time.Duration) error {
	return r.withLock(func() error {
		p, err := r.newPipeline()
		if err != nil {
			return err
		}
		start := time.Now()
		driver := pipeline.NewDriver(p, interval).StopWhenFinished()
		if err := driver.Run(ctx); err != nil {
			return err
		}
		st := p.Status()
		r.printStatus(st, time.Since(start))
		if st.State != pipeline.StateFinished {
			if st.Mode == config.CorrespondenceManual {
				r.printf("Add correspondences with 'stereostitch serve' or 'stereostitch points import', then run again.\n")
			}
			return fmt.Errorf("batch did not run: %s", st.Phase)
		}
		return nil
	})
}

func (r *Root) calibrate(ctx context.Context, force bool) error {
	return r.withLock(func() error {
		if force {
			if err := r.removeArtifacts(); err != nil {
				return err
			}
		}
		p, err := r.newPipeline()
		if err != nil {
			return err
		}
		defer p.Close()
		if err := p.Calibrate(ctx); err != nil {
			return err
		}
		st := p.Status()
		r.printStatus(st, 0)
		if !st.HomographyReady {
			return fmt.Errorf("calibration incomplete: %s", st.Phase)
		}
		return nil
	})
}

// removeArtifacts deletes the persisted calibration so the next run
// recomputes it.
func (r *Root) removeArtifacts() error {
	for _, rel := range []string{r.cfg.Paths.Homography, r.cfg.Paths.DistortionLeft, r.cfg.Paths.DistortionRight} {
		path := r.cfg.Resolve(rel)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		r.log.Info("removed artifact", "path", path)
	}
	return nil
}

func (r *Root) serve(ctx context.Context, addr string, interval time.Duration) error {
	if addr == "" {
		addr = r.cfg.Server.Addr
	}
	return r.withLock(func() error {
		p, err := r.newPipeline()
		if err != nil {
			return err
		}
		driver := pipeline.NewDriver(p, interval)

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		runErr := make(chan error, 1)
		go func() { runErr <- driver.Run(ctx) }()

		serveErr := r.serveFn(ctx, addr, r.store, driver, r.log)
		cancel()
		err = <-runErr
		if serveErr != nil {
			return serveErr
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
}
