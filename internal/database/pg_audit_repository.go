package database

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"storychain-server/internal/interfaces"
	"storychain-server/internal/models"
)

// Compile-time check to ensure implementation satisfies the interface.
var _ interfaces.AuditRepository = (*pgAuditRepository)(nil)

type pgAuditRepository struct {
	logger *zap.Logger
}

func NewPgAuditRepository(logger *zap.Logger) interfaces.AuditRepository {
	return &pgAuditRepository{logger: logger.Named("PgAuditRepo")}
}

const insertAuditQuery = `
INSERT INTO slot_audit (slot_id, parent_id, letter, event, attempt_id, actor, tx_ref, details)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id, created_at`

// Insert пишет запись истории. Вызывается в той же транзакции, что и
// удаление строки слота, иначе история при refund теряется.
func (r *pgAuditRepository) Insert(ctx context.Context, querier interfaces.DBTX, rec *models.SlotAudit) error {
	err := querier.QueryRow(ctx, insertAuditQuery,
		rec.SlotID,
		rec.ParentID,
		rec.Letter,
		rec.Event,
		rec.AttemptID,
		rec.Actor,
		rec.TxRef,
		rec.Details,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		r.logger.Error("Failed to insert slot audit record", zap.Error(err), zap.Int64("slotID", rec.SlotID))
		return fmt.Errorf("insert slot audit: %w", err)
	}
	return nil
}
