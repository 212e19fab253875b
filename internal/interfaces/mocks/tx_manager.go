package mocks

import (
	"context"

	"storychain-server/internal/interfaces"
)

// TxManager — тестовая замена менеджера транзакций: выполняет callback
// немедленно, без реальной транзакции. Репозитории в юнит-тестах тоже
// моки, поэтому querier им не нужен.
type TxManager struct {
	DB interfaces.DBTX
}

func (m *TxManager) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx interfaces.DBTX) error) error {
	return fn(ctx, m.DB)
}

func (m *TxManager) Pool() interfaces.DBTX {
	return m.DB
}
