package backend

import (
	"context"
	"fmt"

	"ledgerbot/internal/adapters"
	"ledgerbot/internal/log"
	"ledgerbot/internal/ratelimit"
	gsheet "ledgerbot/internal/sheets/google"
	"ledgerbot/internal/sheets/memory"
	"ledgerbot/internal/storage"
)

// DefaultFactory implements the Factory interface. Store calls made while
// building a backend go through limiter like every other store access.
type DefaultFactory struct {
	limiter *ratelimit.Limiter
	logger  *log.Logger
}

// NewFactory creates a new backend factory
func NewFactory(limiter *ratelimit.Limiter, logger *log.Logger) Factory {
	if logger == nil {
		logger = log.Discard()
	}
	return &DefaultFactory{
		limiter: limiter,
		logger:  logger.WithComponent(log.ComponentBackend),
	}
}

// CreateBackend implements Factory.CreateBackend
func (f *DefaultFactory) CreateBackend(ctx context.Context, config Config) (*Backend, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	var (
		b   *Backend
		err error
	)
	switch config.Type {
	case SQLiteBackend:
		b, err = f.createSQLiteBackend(config)
	case SheetsBackend:
		b, err = f.createSheetsBackend(ctx, config)
	case MemoryBackend:
		b, err = f.createMemoryBackend(config)
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Type)
	}
	if err != nil {
		return nil, err
	}

	logged := adapters.NewLoggedStore(b.Store, config.Type.String(), f.logger)
	b.Store = logged
	if b.Taxonomy == nil {
		b.Taxonomy = logged
	}
	b.Type = config.Type
	return b, nil
}

func (f *DefaultFactory) createSQLiteBackend(config Config) (*Backend, error) {
	repo, err := storage.NewSQLiteRepository(config.SQLiteDBPath, f.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize SQLite repository: %w", err)
	}
	f.logger.Info("Initialized SQLite backend", "db_path", config.SQLiteDBPath)
	return &Backend{Store: repo, Cleanup: repo.Close}, nil
}

func (f *DefaultFactory) createSheetsBackend(ctx context.Context, config Config) (*Backend, error) {
	cli, err := gsheet.New(ctx, gsheet.Config{
		SpreadsheetID:      config.GoogleSpreadsheetID,
		SheetName:          config.GoogleSheetName,
		ServiceAccountJSON: config.GoogleServiceAccountJSON,
		ServiceAccountFile: config.GoogleServiceAccountFile,
		RowIndexTTL:        config.SheetsRowIndexTTL,
	}, f.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Google Sheets client: %w", err)
	}

	if err := f.limiter.Call(ctx, cli.EnsureHeaders); err != nil {
		return nil, fmt.Errorf("ensure sheet headers: %w", err)
	}

	f.logger.Info("Initialized Google Sheets backend", "sheet", config.GoogleSheetName)
	// The sheet holds no category list; seed suggestions come from the data directory.
	return &Backend{Store: cli, Taxonomy: memory.NewFromFiles(dataDir(config))}, nil
}

func (f *DefaultFactory) createMemoryBackend(config Config) (*Backend, error) {
	dir := dataDir(config)
	store := memory.NewFromFiles(dir)
	f.logger.Info("Initialized memory backend", "data_directory", dir)
	return &Backend{Store: store}, nil
}

func dataDir(config Config) string {
	if config.DataDirectory == "" {
		return "data"
	}
	return config.DataDirectory
}
