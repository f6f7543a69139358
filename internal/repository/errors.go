package repository

import (
	"errors"

	"github.com/Dhoini/Billing-orchestrator/internal/domain"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound запись не найдена
	ErrNotFound = domain.ErrNotFound

	// ErrDuplicate дубликат записи
	ErrDuplicate = domain.ErrDuplicate

	// ErrInvalidData неверные данные
	ErrInvalidData = errors.New("invalid data")
)

const uniqueViolation = "23505"

// isUniqueViolation нарушение уникального индекса PostgreSQL
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
