package pipeline

import (
	"context"

	"github.com/oneboxhq/onebox/pkg/email"
)

// Classifier assigns a category to an email. Implementations may be slow or
// unreliable; the pipeline tolerates both.
type Classifier interface {
	Classify(ctx context.Context, em *email.Email) (email.Category, error)
}

// Indexer persists email documents keyed by their natural key with upsert
// semantics, which is what makes re-delivery after a reconnect harmless.
type Indexer interface {
	Upsert(ctx context.Context, em *email.Email) error
	GetByNaturalKey(ctx context.Context, key string) (*email.Email, error)
}

// Notifier delivers best-effort notifications for interesting emails.
type Notifier interface {
	Notify(ctx context.Context, event string, em *email.Email) error
}
