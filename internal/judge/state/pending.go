package state

import (
	"context"

	"arbiter/internal/common/db"
	appErr "arbiter/pkg/errors"
)

// PendingLister finds submissions parked for a problem's missing binaries.
type PendingLister interface {
	ListQueuePending(ctx context.Context, problemID string) ([]string, error)
}

// MySQLPendingLister implements PendingLister over the shared schema.
type MySQLPendingLister struct {
	db db.Database
}

// NewMySQLPendingLister creates a lister.
func NewMySQLPendingLister(database db.Database) *MySQLPendingLister {
	return &MySQLPendingLister{db: database}
}

func (l *MySQLPendingLister) ListQueuePending(ctx context.Context, problemID string) ([]string, error) {
	if problemID == "" {
		return nil, appErr.ValidationError("problem_id", "required")
	}
	rows, err := l.db.Query(ctx,
		"SELECT id FROM submissions WHERE problem_id = ? AND state = 'queue_pending'",
		problemID,
	)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "list pending submissions failed")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, appErr.Wrapf(err, appErr.DatabaseError, "scan pending submission failed")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "iterate pending submissions failed")
	}
	return ids, nil
}

var _ PendingLister = (*MySQLPendingLister)(nil)
