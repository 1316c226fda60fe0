package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"tachyonengine/internal/audit"
	"tachyonengine/internal/config"
	"tachyonengine/internal/engine"
	"tachyonengine/internal/logger"
	"tachyonengine/internal/storage"
)

// app bundles the pieces every subcommand needs: an open database, an
// Engine wired against it, and the settings that engine was configured
// from. Built fresh per invocation for one-shot commands; serveCmd keeps
// it alive for the process lifetime instead.
type app struct {
	store    *storage.Storage
	eng      *engine.Engine
	settings config.Settings
}

func buildApp(cmd *cobra.Command) (*app, error) {
	dbPath, _ := cmd.Flags().GetString("db")

	var store *storage.Storage
	var err error
	if dbPath != "" {
		store, err = storage.NewStorageAt(dbPath)
	} else {
		store, err = storage.NewStorage()
	}
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	log, _, err := logger.New(os.Stderr)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("init logger: %w", err)
	}

	cfgManager := config.NewManager(store)
	settings := cfgManager.Load()

	eng := engine.NewEngine(log, store)
	eng.Apply(settings)

	if configDir, err := os.UserConfigDir(); err == nil {
		auditDir := filepath.Join(configDir, "tachyonengine")
		if os.MkdirAll(auditDir, 0755) == nil {
			if auditLogger, err := audit.New(log, filepath.Join(auditDir, "audit.jsonl")); err == nil {
				eng.SetAuditor(auditLogger)
			}
		}
	}

	eng.RecoverInterruptedDownloads()

	return &app{store: store, eng: eng, settings: settings}, nil
}

func (a *app) Close() {
	_ = a.eng.Shutdown()
	a.store.Close()
}
