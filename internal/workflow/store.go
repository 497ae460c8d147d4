package workflow

import (
	"context"

	"github.com/linnemanlabs/aegis/internal/incident"
)

// Store is the persistence interface for incident records.
type Store interface {
	Get(ctx context.Context, id string) (*incident.Record, bool, error)
	Put(ctx context.Context, rec *incident.Record) error
}
