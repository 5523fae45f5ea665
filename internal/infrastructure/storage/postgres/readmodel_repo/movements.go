package readmodel_repo

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"markhub/internal/core/apperror"
	"markhub/internal/core/id"
	"markhub/internal/domain/saga"
)

type movementRow struct {
	MovementID id.ID  `db:"movement_id"`
	EventID    id.ID  `db:"event_id"`
	Status     string `db:"status"`
	Kind       string `db:"kind"`
	OrderID    *id.ID `db:"order_id"`
}

// GetStockMovement implements saga.StockMovementReader.
func (r *Repo) GetStockMovement(ctx context.Context, movementID, eventID id.ID) (*saga.StockMovement, error) {
	sql, args, err := r.builder.
		Select("movement_id", "event_id", "status", "kind", "order_id").
		From("ext_stock_movement_events").
		Where(squirrel.Eq{"movement_id": movementID, "event_id": eventID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get stock movement: %w", err)
	}

	var row movementRow
	if err := pgxscan.Get(ctx, r.txManager.GetQuerier(ctx), &row, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, apperror.NewNotFound("stock_movement", movementID).WithDetail("event_id", eventID)
		}
		return nil, fmt.Errorf("get stock movement: %w", err)
	}
	return &saga.StockMovement{
		ID:      row.MovementID,
		EventID: row.EventID,
		Status:  saga.MovementStatus(row.Status),
		Kind:    saga.MovementKind(row.Kind),
		OrderID: row.OrderID,
	}, nil
}
