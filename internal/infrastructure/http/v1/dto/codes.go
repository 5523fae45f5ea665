package dto

import (
	"time"

	"markhub/internal/core/id"
	"markhub/internal/domain/markingcode"
)

// ProductKey is the wire form of markingcode.ProductKey.
type ProductKey struct {
	ProductID    string  `json:"productId" binding:"required,uuid"`
	Offer        *string `json:"offer,omitempty"`
	Variation    *string `json:"variation,omitempty"`
	Modification *string `json:"modification,omitempty"`
}

// ToDomain converts the key. ProductID must already be validated.
func (k ProductKey) ToDomain() markingcode.ProductKey {
	return markingcode.ProductKey{
		ProductID:    id.MustParse(k.ProductID),
		Offer:        k.Offer,
		Variation:    k.Variation,
		Modification: k.Modification,
	}
}

func fromProductKey(k markingcode.ProductKey) ProductKey {
	return ProductKey{
		ProductID:    k.ProductID.String(),
		Offer:        k.Offer,
		Variation:    k.Variation,
		Modification: k.Modification,
	}
}

// MarkingCodeResponse is a code with its current status.
type MarkingCodeResponse struct {
	ID              string     `json:"id"`
	Code            string     `json:"code"`
	ImageRef        string     `json:"imageRef,omitempty"`
	OnCDN           bool       `json:"onCdn"`
	Status          string     `json:"status"`
	OwnerUserID     string     `json:"ownerUserId"`
	OwnerProfileID  string     `json:"ownerProfileId"`
	SellerProfileID *string    `json:"sellerProfileId,omitempty"`
	Product         ProductKey `json:"product"`
	LotID           string     `json:"lotId"`
	OrderID         *string    `json:"orderId,omitempty"`
	OrderItemID     *string    `json:"orderItemId,omitempty"`
	PartID          string     `json:"partId,omitempty"`
	RevisionID      string     `json:"revisionId"`
	StatusAt        time.Time  `json:"statusAt"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// FromMarkingCode builds the response.
func FromMarkingCode(c *markingcode.MarkingCode) MarkingCodeResponse {
	return MarkingCodeResponse{
		ID:              c.ID.String(),
		Code:            c.Payload.Code,
		ImageRef:        c.Payload.ImageRef,
		OnCDN:           c.Payload.OnCDN,
		Status:          string(c.Status()),
		OwnerUserID:     c.Attributes.OwnerUserID.String(),
		OwnerProfileID:  c.Attributes.OwnerProfileID.String(),
		SellerProfileID: idString(c.Attributes.SellerProfileID),
		Product:         fromProductKey(c.Attributes.Product),
		LotID:           c.Attributes.LotID,
		OrderID:         idString(c.OrderID()),
		OrderItemID:     idString(c.OrderItemID()),
		PartID:          c.PartID(),
		RevisionID:      c.CurrentRevisionID.String(),
		StatusAt:        c.Current.CreatedAt,
		CreatedAt:       c.CreatedAt,
	}
}

// FromMarkingCodes builds a list response.
func FromMarkingCodes(codes []*markingcode.MarkingCode) ListResponse[MarkingCodeResponse] {
	out := make([]MarkingCodeResponse, 0, len(codes))
	for _, c := range codes {
		out = append(out, FromMarkingCode(c))
	}
	return NewListResponse(out)
}

// StatusResponse answers a status lookup. At is the time of the revision
// that set the status.
type StatusResponse struct {
	CodeID     string    `json:"codeId"`
	Status     string    `json:"status"`
	RevisionID string    `json:"revisionId"`
	At         time.Time `json:"at"`
}

// RevisionResponse is one entry of a code history.
type RevisionResponse struct {
	ID          string    `json:"id"`
	PreviousID  *string   `json:"previousId,omitempty"`
	Transition  string    `json:"transition"`
	Status      string    `json:"status"`
	OrderID     *string   `json:"orderId,omitempty"`
	OrderItemID *string   `json:"orderItemId,omitempty"`
	PartID      string    `json:"partId,omitempty"`
	Comment     string    `json:"comment,omitempty"`
	ActorID     string    `json:"actorId"`
	CreatedAt   time.Time `json:"createdAt"`
}

// FromRevision builds the response.
func FromRevision(r markingcode.Revision) RevisionResponse {
	return RevisionResponse{
		ID:          r.ID.String(),
		PreviousID:  idString(r.PreviousID),
		Transition:  string(r.Transition),
		Status:      string(r.Status),
		OrderID:     idString(r.OrderID),
		OrderItemID: idString(r.Allocation.OrderItemID),
		PartID:      r.Allocation.PartID,
		Comment:     r.Comment,
		ActorID:     r.ActorID,
		CreatedAt:   r.CreatedAt,
	}
}

// FromRevisions builds a history response.
func FromRevisions(revs []markingcode.Revision) ListResponse[RevisionResponse] {
	out := make([]RevisionResponse, 0, len(revs))
	for _, r := range revs {
		out = append(out, FromRevision(r))
	}
	return NewListResponse(out)
}

// StatusQuery filters codes of an order by status.
type StatusQuery struct {
	Status []string `form:"status"`
}

// ToDomain validates and converts the statuses.
func (q StatusQuery) ToDomain() ([]markingcode.Status, bool) {
	out := make([]markingcode.Status, 0, len(q.Status))
	for _, s := range q.Status {
		st := markingcode.Status(s)
		if !st.Valid() {
			return nil, false
		}
		out = append(out, st)
	}
	return out, true
}

// CreateLotRequest registers a batch of codes of one owner and product.
type CreateLotRequest struct {
	OwnerUserID     string     `json:"ownerUserId" binding:"required,uuid"`
	OwnerProfileID  string     `json:"ownerProfileId" binding:"required,uuid"`
	SellerProfileID *string    `json:"sellerProfileId" binding:"omitempty,uuid"`
	Product         ProductKey `json:"product" binding:"required"`
	Codes           []LotCode  `json:"codes" binding:"required,min=1,max=10000,dive"`
}

// LotCode is one code of a lot.
type LotCode struct {
	Code     string `json:"code" binding:"required"`
	ImageRef string `json:"imageRef"`
	OnCDN    bool   `json:"onCdn"`
}

// ToDomain converts the request. Ids must already be validated.
func (r CreateLotRequest) ToDomain() []markingcode.CreateRequest {
	lot := markingcode.NewLotID()
	var seller *id.ID
	if r.SellerProfileID != nil {
		seller = id.Ptr(id.MustParse(*r.SellerProfileID))
	}
	out := make([]markingcode.CreateRequest, 0, len(r.Codes))
	for _, c := range r.Codes {
		out = append(out, markingcode.CreateRequest{
			OwnerUserID:     id.MustParse(r.OwnerUserID),
			OwnerProfileID:  id.MustParse(r.OwnerProfileID),
			SellerProfileID: seller,
			Product:         r.Product.ToDomain(),
			LotID:           lot,
			Payload: markingcode.Payload{
				Code:     c.Code,
				ImageRef: c.ImageRef,
				OnCDN:    c.OnCDN,
			},
		})
	}
	return out
}

// CreateLotResponse reports the outcome of an intake.
type CreateLotResponse struct {
	LotID   string   `json:"lotId"`
	Created int      `json:"created"`
	Invalid int      `json:"invalid"`
	IDs     []string `json:"ids"`
}

// ReissueResponse reports one reissue pass.
type ReissueResponse struct {
	OrderID  string   `json:"orderId"`
	Released int      `json:"released"`
	Reserved int      `json:"reserved"`
	Missed   int      `json:"missed"`
	Parts    []string `json:"parts"`
	Aborted  bool     `json:"aborted"`
}

func idString(p *id.ID) *string {
	if p == nil {
		return nil
	}
	s := p.String()
	return &s
}
