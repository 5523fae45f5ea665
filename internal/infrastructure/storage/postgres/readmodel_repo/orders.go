// Package readmodel_repo reads the order and stock-movement projections
// replicated into ext_* tables.
package readmodel_repo

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"markhub/internal/core/apperror"
	"markhub/internal/core/id"
	"markhub/internal/core/types"
	"markhub/internal/domain/markingcode"
	"markhub/internal/domain/saga"
	"markhub/internal/infrastructure/storage/postgres"
)

var (
	_ saga.OrderReader         = (*Repo)(nil)
	_ saga.StockMovementReader = (*Repo)(nil)
)

// Repo implements the saga read ports.
type Repo struct {
	txManager *postgres.TxManager
	builder   squirrel.StatementBuilderType
}

// NewRepo creates a read model repository.
func NewRepo(txManager *postgres.TxManager) *Repo {
	return &Repo{
		txManager: txManager,
		builder:   squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

type orderRow struct {
	ID          id.ID    `db:"id"`
	OwnerUserID id.ID    `db:"owner_user_id"`
	ProfileID   id.ID    `db:"profile_id"`
	Status      string   `db:"status"`
	History     []string `db:"history"`
}

type lineRow struct {
	ID           id.ID          `db:"id"`
	ProductID    id.ID          `db:"product_id"`
	Offer        *string        `db:"offer"`
	Variation    *string        `db:"variation"`
	Modification *string        `db:"modification"`
	Quantity     types.Quantity `db:"quantity"`
}

type itemRow struct {
	ID     id.ID `db:"id"`
	LineID id.ID `db:"line_id"`
}

// GetOrder implements saga.OrderReader.
func (r *Repo) GetOrder(ctx context.Context, orderID id.ID) (*saga.Order, error) {
	q := r.txManager.GetQuerier(ctx)

	sql, args, err := r.builder.
		Select("id", "owner_user_id", "profile_id", "status", "history").
		From("ext_orders").
		Where(squirrel.Eq{"id": orderID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get order: %w", err)
	}
	var o orderRow
	if err := pgxscan.Get(ctx, q, &o, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, apperror.NewNotFound("order", orderID)
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	sql, args, err = r.builder.
		Select("id", "product_id", "offer", "variation", "modification", "quantity").
		From("ext_order_lines").
		Where(squirrel.Eq{"order_id": orderID}).
		OrderBy("position", "id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build order lines: %w", err)
	}
	var lines []lineRow
	if err := pgxscan.Select(ctx, q, &lines, sql, args...); err != nil {
		return nil, fmt.Errorf("select order lines: %w", err)
	}

	sql, args, err = r.builder.
		Select("i.id", "i.line_id").
		From("ext_order_items i").
		Join("ext_order_lines l ON l.id = i.line_id").
		Where(squirrel.Eq{"l.order_id": orderID}).
		OrderBy("i.line_id", "i.position", "i.id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build order items: %w", err)
	}
	var items []itemRow
	if err := pgxscan.Select(ctx, q, &items, sql, args...); err != nil {
		return nil, fmt.Errorf("select order items: %w", err)
	}

	return assembleOrder(o, lines, items), nil
}

func assembleOrder(o orderRow, lines []lineRow, items []itemRow) *saga.Order {
	order := &saga.Order{
		ID:          o.ID,
		OwnerUserID: o.OwnerUserID,
		ProfileID:   o.ProfileID,
		Status:      saga.OrderStatus(o.Status),
		Lines:       make([]saga.OrderLine, 0, len(lines)),
	}
	for _, h := range o.History {
		order.History = append(order.History, saga.OrderStatus(h))
	}

	index := make(map[id.ID]int, len(lines))
	for i, l := range lines {
		index[l.ID] = i
		order.Lines = append(order.Lines, saga.OrderLine{
			ID: l.ID,
			Product: markingcode.ProductKey{
				ProductID:    l.ProductID,
				Offer:        l.Offer,
				Variation:    l.Variation,
				Modification: l.Modification,
			},
			Quantity: l.Quantity,
		})
	}
	for _, it := range items {
		if i, ok := index[it.LineID]; ok {
			order.Lines[i].Items = append(order.Lines[i].Items, saga.OrderItem{ID: it.ID})
		}
	}
	return order
}
