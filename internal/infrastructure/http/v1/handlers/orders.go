package handlers

import (
	"context"

	"github.com/gin-gonic/gin"

	"markhub/internal/core/id"
	"markhub/internal/domain/saga"
	"markhub/internal/infrastructure/http/v1/dto"
)

// Reissuer redoes the reservations of an order.
type Reissuer interface {
	Reissue(ctx context.Context, orderID id.ID) (saga.PassResult, error)
}

// OrderHandler serves order-level operator actions.
type OrderHandler struct {
	*BaseHandler
	reissuer Reissuer
}

// NewOrderHandler creates an order handler.
func NewOrderHandler(base *BaseHandler, reissuer Reissuer) *OrderHandler {
	return &OrderHandler{BaseHandler: base, reissuer: reissuer}
}

// Reissue releases and re-reserves every code of an order.
// POST /api/v1/orders/:id/reissue
func (h *OrderHandler) Reissue(c *gin.Context) {
	orderID, ok := h.ParamID(c, "id")
	if !ok {
		return
	}
	res, err := h.reissuer.Reissue(c.Request.Context(), orderID)
	if err != nil {
		h.Error(c, err)
		return
	}
	parts := res.Parts
	if parts == nil {
		parts = []string{}
	}
	h.OK(c, dto.ReissueResponse{
		OrderID:  orderID.String(),
		Released: res.Released,
		Reserved: res.Reserved,
		Missed:   res.Missed,
		Parts:    parts,
		Aborted:  res.Aborted,
	})
}
