package repositories

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/caseboard/caseboard-engine/pkg/apperrors"
)

// PostgreSQL error codes and constraint names the repositories translate.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"

	constraintOneRoot = "mindmap_nodes_one_root"
)

// mapWriteError converts constraint violations raised by writes into
// domain errors. The unique index, not a prior lookup, decides which of two
// racing creates wins.
func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgUniqueViolation:
		if pgErr.ConstraintName == constraintOneRoot {
			return fmt.Errorf("%w: %s", apperrors.ErrRootConflict, pgErr.Detail)
		}
		return fmt.Errorf("%w: %s", apperrors.ErrDuplicateUID, pgErr.Detail)
	case pgForeignKeyViolation:
		return fmt.Errorf("%w: %s", apperrors.ErrNotFound, pgErr.Detail)
	}
	return err
}
