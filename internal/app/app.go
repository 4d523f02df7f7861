// Package app is the wiring layer between the CLI and the registry
// service. It constructs all dependencies from config and manages the
// operation log lifecycle on Close.
package app

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"bsr-go/internal/bsr"
	"bsr-go/internal/config"
	"bsr-go/internal/database"
	"bsr-go/internal/fsprobe"
	"bsr-go/internal/gitrepo"
)

// App ties the registry service, the git client and the local operation
// log together for one CLI invocation.
type App struct {
	Service *bsr.Service
	Git     *gitrepo.Client
	Logger  *slog.Logger

	cfg     *config.Config
	store   *database.Store
	op      *Operation
	logFile *os.File
}

// NewApp creates a fully wired App from the given config. operation
// identifies the CLI command being run (e.g. "storage add", "sync");
// parameters is its rendered argument list. The caller must call Close.
func NewApp(cfg *config.Config, operation, parameters string) (*App, error) {
	store, err := database.NewStoreFromConfig(cfg.Database, deviceLabel())
	if err != nil {
		return nil, fmt.Errorf("opening operation log: %w", err)
	}

	idgen := bsr.UUIDGenerator{}
	opID := idgen.New()
	logger, logFile, err := newLogger(cfg.LogDir, opID)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	git := gitrepo.NewClient(cfg.RepoDir(), cfg.Git.SSHKeyPath)
	svc := bsr.NewService(
		cfg.RepoDir(),
		cfg.DeviceIDPath(),
		git,
		fsprobe.NewOSProber(),
		&slogAdapter{l: logger},
		bsr.RealClock{},
		idgen,
	)

	return &App{
		Service: svc,
		Git:     git,
		Logger:  logger,
		cfg:     cfg,
		store:   store,
		op:      NewOperation(opID, operation, parameters),
		logFile: logFile,
	}, nil
}

// Config returns the config the app was built from.
func (a *App) Config() *config.Config {
	return a.cfg
}

// PersistOperation saves the operation to the local log. Only
// registry-mutating commands should call this.
func (a *App) PersistOperation() error {
	if a.op.Persisted() {
		return nil
	}
	err := a.store.RecordStart(database.OperationRecord{
		ID:         a.op.ID,
		Operation:  a.op.Name,
		Parameters: a.op.Parameters,
		StartedAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("persisting operation: %w", err)
	}
	a.op.persisted = true
	return nil
}

// Fail marks the current operation failed; the status is written to the
// log on Close.
func (a *App) Fail() {
	a.op.Fail()
}

// History returns the most recent operations from the local log.
func (a *App) History(limit int) ([]database.OperationRecord, error) {
	return a.store.ListRecent(limit)
}

// Close finalizes the operation record and releases all resources.
func (a *App) Close() error {
	var firstErr error

	if a.op.Persisted() {
		if err := a.store.RecordFinish(a.op.ID, a.op.Status, time.Now().UTC()); err != nil {
			firstErr = fmt.Errorf("finishing operation: %w", err)
		}
	}
	if err := a.store.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing operation log: %w", err)
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}

// deviceLabel names the local operation log file. The hostname is enough:
// the log never leaves this machine.
func deviceLabel() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "local"
	}
	return host
}
