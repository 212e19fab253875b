package interfaces

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound стандартная ошибка, когда запись не найдена в репозитории.
var ErrNotFound = errors.New("not found")

// DBTX — общий интерфейс для pgxpool.Pool и pgx.Tx, чтобы репозитории
// могли работать и с пулом, и внутри транзакции.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxManager управляет границами транзакций. Сервисы зависят от интерфейса,
// а не от пула напрямую.
type TxManager interface {
	// WithTransaction выполняет fn в транзакции; ошибка fn откатывает ее.
	WithTransaction(ctx context.Context, fn func(ctx context.Context, tx DBTX) error) error

	// Pool возвращает querier для одиночных операций вне транзакции.
	Pool() DBTX
}
