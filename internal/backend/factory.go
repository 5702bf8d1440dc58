package backend

import (
	"context"
	"errors"
	"fmt"

	"rimborsi/internal/amqp"
	"rimborsi/internal/log"
	"rimborsi/internal/storage"
	"rimborsi/internal/storage/memory"
	"rimborsi/internal/storage/postgres"
	"rimborsi/internal/storage/sqlite"
)

// DefaultFactory implements the Factory interface
type DefaultFactory struct {
	logger *log.Logger
}

// NewFactory creates a new backend factory
func NewFactory(logger *log.Logger) Factory {
	if logger == nil {
		logger = log.Discard()
	}
	return &DefaultFactory{
		logger: logger.WithComponent(log.ComponentBackend),
	}
}

// CreateBackend opens the store, then the optional AMQP publisher. An
// unreachable broker only disables the integration stream.
func (f *DefaultFactory) CreateBackend(ctx context.Context, config Config) (*BackendResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	store, err := f.openStore(ctx, config)
	if err != nil {
		return nil, err
	}

	var publisher *amqp.Client
	if config.AMQPURL != "" {
		publisher, err = amqp.NewClient(ctx, config.AMQPURL, config.AMQPExchange, config.AMQPConnectAttempts, f.logger)
		if err != nil {
			f.logger.Warn("Failed to initialize AMQP client, continuing without integration events", log.FieldError, err)
			publisher = nil
		}
	}

	f.logger.Info("Initialized backend",
		"backend", config.Type.String(),
		"amqp_enabled", publisher != nil)

	return &BackendResult{
		Store:     store,
		Publisher: publisher,
		Cleanup: func() error {
			var errs []error
			if publisher != nil {
				if err := publisher.Close(); err != nil {
					errs = append(errs, fmt.Errorf("amqp: %w", err))
				}
			}
			if err := store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("storage: %w", err))
			}
			return errors.Join(errs...)
		},
	}, nil
}

func (f *DefaultFactory) openStore(ctx context.Context, config Config) (storage.Store, error) {
	switch config.Type {
	case MemoryBackend:
		return memory.New(), nil
	case SQLiteBackend:
		store, err := sqlite.New(config.SQLiteDBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize SQLite store: %w", err)
		}
		f.logger.Info("Opened SQLite database", "db_path", config.SQLiteDBPath)
		return store, nil
	case PostgresBackend:
		store, err := postgres.New(ctx, config.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize PostgreSQL store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Type)
	}
}
