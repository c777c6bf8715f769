package sheets

import (
	"context"

	"ledgerbot/internal/core"
)

// Ports for outbound adapters.
type (
	// TransactionStore is the persisted transaction table. Implementations
	// classify failures with core.ErrQuotaExhausted, core.ErrTransientStore
	// and core.ErrNotFound.
	TransactionStore interface {
		// ReadAll returns every stored transaction ordered by id.
		ReadAll(ctx context.Context) ([]core.Transaction, error)
		// Append writes a row for t using the id the ledger assigned. Appending
		// an id that is already stored overwrites that row, so a retried write
		// never duplicates it.
		Append(ctx context.Context, t core.Transaction) (int64, error)
		// UpdateCategory rewrites the category of the row with the given id.
		UpdateCategory(ctx context.Context, id int64, category string) error
	}

	// TaxonomyReader lists the category names offered for completion.
	TaxonomyReader interface {
		Categories(ctx context.Context) ([]string, error)
	}
)
