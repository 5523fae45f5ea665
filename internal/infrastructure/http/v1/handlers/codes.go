package handlers

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"markhub/internal/core/apperror"
	"markhub/internal/core/id"
	"markhub/internal/domain/markingcode"
	"markhub/internal/infrastructure/http/v1/dto"
)

// CodeService is the part of markingcode.Service used over HTTP.
type CodeService interface {
	Get(ctx context.Context, codeID id.ID) (*markingcode.MarkingCode, error)
	History(ctx context.Context, codeID id.ID) ([]markingcode.Revision, error)
	StatusAsOf(ctx context.Context, codeID id.ID, t time.Time) (markingcode.Revision, error)
	FindByOrder(ctx context.Context, orderID id.ID, statuses ...markingcode.Status) ([]*markingcode.MarkingCode, error)
	FindByPart(ctx context.Context, partID string) ([]*markingcode.MarkingCode, error)
	CreateBatch(ctx context.Context, reqs []markingcode.CreateRequest) ([]*markingcode.MarkingCode, error)
	DeleteLot(ctx context.Context, lotID string) (markingcode.BulkResult, error)
	CancelPart(ctx context.Context, partID, comment string) (markingcode.BulkResult, error)
	Decommission(ctx context.Context, codeID id.ID, comment string) (*markingcode.MarkingCode, error)
	Restore(ctx context.Context, codeID id.ID, comment string) (*markingcode.MarkingCode, error)
	MarkReturned(ctx context.Context, codeID id.ID, comment string) (*markingcode.MarkingCode, error)
}

// CodeHandler serves marking code queries and administrative transitions.
type CodeHandler struct {
	*BaseHandler
	service CodeService
}

// NewCodeHandler creates a code handler.
func NewCodeHandler(base *BaseHandler, service CodeService) *CodeHandler {
	return &CodeHandler{BaseHandler: base, service: service}
}

// ListByOrder returns the codes linked to an order.
// GET /api/v1/orders/:id/codes?status=process&status=done
func (h *CodeHandler) ListByOrder(c *gin.Context) {
	orderID, ok := h.ParamID(c, "id")
	if !ok {
		return
	}
	var q dto.StatusQuery
	if !h.BindQuery(c, &q) {
		return
	}
	statuses, ok := q.ToDomain()
	if !ok {
		h.Error(c, apperror.NewValidation("unknown status").WithDetail("status", q.Status))
		return
	}

	codes, err := h.service.FindByOrder(c.Request.Context(), orderID, statuses...)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.FromMarkingCodes(codes))
}

// ListByPart returns the codes of an allocation part.
// GET /api/v1/parts/:id/codes
func (h *CodeHandler) ListByPart(c *gin.Context) {
	codes, err := h.service.FindByPart(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.FromMarkingCodes(codes))
}

// Get returns one code.
// GET /api/v1/codes/:id
func (h *CodeHandler) Get(c *gin.Context) {
	codeID, ok := h.ParamID(c, "id")
	if !ok {
		return
	}
	code, err := h.service.Get(c.Request.Context(), codeID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.FromMarkingCode(code))
}

// Status returns the current status, or the status in effect at ?at=RFC3339.
// GET /api/v1/codes/:id/status
func (h *CodeHandler) Status(c *gin.Context) {
	codeID, ok := h.ParamID(c, "id")
	if !ok {
		return
	}
	at, ok := h.queryTime(c, "at")
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if !at.IsZero() {
		rev, err := h.service.StatusAsOf(ctx, codeID, at)
		if err != nil {
			h.Error(c, err)
			return
		}
		h.OK(c, dto.StatusResponse{CodeID: codeID.String(), Status: string(rev.Status), RevisionID: rev.ID.String(), At: rev.CreatedAt})
		return
	}

	code, err := h.service.Get(ctx, codeID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.StatusResponse{
		CodeID:     code.ID.String(),
		Status:     string(code.Status()),
		RevisionID: code.CurrentRevisionID.String(),
		At:         code.Current.CreatedAt,
	})
}

// History returns the revisions of a code, oldest first. With ?at= only
// revisions written up to that instant are returned.
// GET /api/v1/codes/:id/history
func (h *CodeHandler) History(c *gin.Context) {
	codeID, ok := h.ParamID(c, "id")
	if !ok {
		return
	}
	at, ok := h.queryTime(c, "at")
	if !ok {
		return
	}
	revs, err := h.service.History(c.Request.Context(), codeID)
	if err != nil {
		h.Error(c, err)
		return
	}
	if !at.IsZero() {
		n := 0
		for n < len(revs) && !revs[n].CreatedAt.After(at) {
			n++
		}
		revs = revs[:n]
	}
	h.OK(c, dto.FromRevisions(revs))
}

// queryTime parses an optional RFC 3339 query parameter.
func (h *CodeHandler) queryTime(c *gin.Context, name string) (time.Time, bool) {
	raw := c.Query(name)
	if raw == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		h.Error(c, apperror.NewValidation("invalid "+name).WithDetail(name, raw))
		return time.Time{}, false
	}
	return t, true
}

// CreateLot registers a batch of codes. Codes with malformed payloads are
// stored in the error status and counted as invalid.
// POST /api/v1/lots
func (h *CodeHandler) CreateLot(c *gin.Context) {
	var req dto.CreateLotRequest
	if !h.BindJSON(c, &req) {
		return
	}
	codes, err := h.service.CreateBatch(c.Request.Context(), req.ToDomain())
	if err != nil {
		h.Error(c, err)
		return
	}

	resp := dto.CreateLotResponse{IDs: make([]string, 0, len(codes))}
	for _, code := range codes {
		resp.LotID = code.Attributes.LotID
		resp.IDs = append(resp.IDs, code.ID.String())
		if code.Status() == markingcode.StatusError {
			resp.Invalid++
			continue
		}
		resp.Created++
	}
	h.Created(c, resp)
}

// DeleteLot removes the deletable codes of a lot.
// DELETE /api/v1/lots/:id
func (h *CodeHandler) DeleteLot(c *gin.Context) {
	res, err := h.service.DeleteLot(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.BulkResponse{Affected: res.Affected, Skipped: res.Skipped})
}

// CancelPart releases the reserved codes of a part.
// POST /api/v1/parts/:id/cancel
func (h *CodeHandler) CancelPart(c *gin.Context) {
	var req dto.CommentRequest
	if !h.BindOptionalJSON(c, &req) {
		return
	}
	res, err := h.service.CancelPart(c.Request.Context(), c.Param("id"), req.Comment)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.BulkResponse{Affected: res.Affected, Skipped: res.Skipped})
}

// Decommission writes a code off.
// POST /api/v1/codes/:id/decommission
func (h *CodeHandler) Decommission(c *gin.Context) {
	h.transition(c, h.service.Decommission)
}

// Restore returns a decommissioned code to the pool.
// POST /api/v1/codes/:id/restore
func (h *CodeHandler) Restore(c *gin.Context) {
	h.transition(c, h.service.Restore)
}

// Return records a business return of a reserved code.
// POST /api/v1/codes/:id/return
func (h *CodeHandler) Return(c *gin.Context) {
	h.transition(c, h.service.MarkReturned)
}

type transitionFunc func(ctx context.Context, codeID id.ID, comment string) (*markingcode.MarkingCode, error)

func (h *CodeHandler) transition(c *gin.Context, fn transitionFunc) {
	codeID, ok := h.ParamID(c, "id")
	if !ok {
		return
	}
	var req dto.CommentRequest
	if !h.BindOptionalJSON(c, &req) {
		return
	}
	code, err := fn(c.Request.Context(), codeID, req.Comment)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.FromMarkingCode(code))
}
