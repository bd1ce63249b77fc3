// File: internal/service/factory.go
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
	"github.com/xkilldash9x/pilot-cli/internal/config"
	"github.com/xkilldash9x/pilot-cli/internal/surface"
)

// NewFromConfig builds a production agent: Chrome as the surface, Gemini as
// the oracles when a key is configured and PostgreSQL or SQLite as the
// archive when the database section names one. Close the agent to release all of it.
func NewFromConfig(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Agent, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var closers []func()
	events := NewEventStream(cfg.Events(), logger)

	// Ensure cleanup happens if initialization fails midway.
	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i]()
			}
			events.Close()
		}
	}()

	// 1. Oracles
	var collab Collaborators
	gemini, err := InitializeOracle(ctx, cfg.Oracle(), logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	if gemini != nil {
		collab.Semantic = gemini
		collab.Vision = gemini
		logger.Debug("Oracle client initialized.", zap.String("model", cfg.Oracle().Model))
	}

	// 2. Archive
	if cfg.Database().Enabled() {
		archive, cleanup, err := InitializeArchive(ctx, cfg.Database(), logger)
		if err != nil {
			initializationErr = fmt.Errorf("%w: failed to initialize intent archive: %v", schemas.ErrConfiguration, err)
			return nil, initializationErr
		}
		closers = append(closers, cleanup)
		writer := newArchiveWriter(archive, cfg.Intent().HistorySize, logger)
		closers = append(closers, writer.Close)
		collab.Archive = writer
		logger.Debug("Intent archive initialized.")
	} else {
		logger.Debug("No database configured; intents are not archived.")
	}

	// 3. Browser surface
	chrome, err := surface.NewChrome(ctx, cfg.Browser(), logger, surface.WithEvents(events))
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	closers = append(closers, func() {
		if err := chrome.Close(); err != nil {
			logger.Warn("Error during browser shutdown.", zap.Error(err))
		}
	})
	collab.Surface = chrome
	logger.Debug("Browser surface initialized.")

	// 4. Agent
	agent, err := New(cfg, collab, logger, WithEventStream(events))
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	agent.closers = closers

	logger.Info("All agent components initialized successfully.")
	return agent, nil
}
