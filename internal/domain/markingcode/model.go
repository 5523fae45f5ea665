// Package markingcode holds the marking code aggregate: write-once
// attributes, the decoded payload and an append-only revision log whose head
// is the current status.
package markingcode

import (
	"time"

	"markhub/internal/core/entity"
	"markhub/internal/core/id"
)

// Status of a marking code.
type Status string

const (
	StatusNew          Status = "new"
	StatusProcess      Status = "process"
	StatusDone         Status = "done"
	StatusDecommission Status = "decommission"
	StatusError        Status = "error"
	StatusReturn       Status = "return"
)

// AllStatuses lists every stored status.
var AllStatuses = []Status{
	StatusNew, StatusProcess, StatusDone, StatusDecommission, StatusError, StatusReturn,
}

// Valid reports whether s is a stored status.
func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Allocatable reports whether a code in s may be claimed for an order.
func (s Status) Allocatable() bool {
	return s == StatusNew || s == StatusReturn
}

// ProductKey is the compound product identity a code is bound to.
// Nil components match only nil components.
type ProductKey struct {
	ProductID    id.ID   `json:"productId"`
	Offer        *string `json:"offer,omitempty"`
	Variation    *string `json:"variation,omitempty"`
	Modification *string `json:"modification,omitempty"`
}

// Equal compares keys with exact null-equality.
func (k ProductKey) Equal(other ProductKey) bool {
	return k.ProductID == other.ProductID &&
		equalOptional(k.Offer, other.Offer) &&
		equalOptional(k.Variation, other.Variation) &&
		equalOptional(k.Modification, other.Modification)
}

func equalOptional(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Attributes are fixed when the code is created and never change.
type Attributes struct {
	OwnerUserID     id.ID      `json:"ownerUserId"`
	OwnerProfileID  id.ID      `json:"ownerProfileId"`
	SellerProfileID *id.ID     `json:"sellerProfileId,omitempty"`
	Product         ProductKey `json:"product"`
	// LotID groups codes that entered the system together (ULID).
	LotID string `json:"lotId"`
}

// Payload is the decoded code and its rendered image.
type Payload struct {
	Code     string `json:"code"`
	ImageRef string `json:"imageRef,omitempty"`
	OnCDN    bool   `json:"onCdn"`
}

// Allocation carries the facts fixed by one reservation.
type Allocation struct {
	PartID      string `json:"partId,omitempty"`
	OrderItemID *id.ID `json:"orderItemId,omitempty"`
}

// Revision is an immutable snapshot written on every transition.
type Revision struct {
	ID             id.ID      `json:"id"`
	CodeID         id.ID      `json:"codeId"`
	PreviousID     *id.ID     `json:"previousId,omitempty"`
	Transition     Transition `json:"transition"`
	Status         Status     `json:"status"`
	OrderID        *id.ID     `json:"orderId,omitempty"`
	OwnerProfileID *id.ID     `json:"ownerProfileId,omitempty"`
	Allocation     Allocation `json:"allocation"`
	Comment        string     `json:"comment,omitempty"`
	ActorID        string     `json:"actorId"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// MarkingCode is the aggregate root.
type MarkingCode struct {
	ID                id.ID        `json:"id"`
	CurrentRevisionID id.ID        `json:"currentRevisionId"`
	Attributes        Attributes   `json:"attributes"`
	Payload           Payload      `json:"payload"`
	Current           Revision     `json:"current"`
	CreatedAt         time.Time    `json:"createdAt"`
	Stamp             entity.Stamp `json:"stamp"`
}

// Status returns the current status.
func (c *MarkingCode) Status() Status {
	return c.Current.Status
}

// OrderID returns the order the code is currently linked to, if any.
func (c *MarkingCode) OrderID() *id.ID {
	return c.Current.OrderID
}

// OrderItemID returns the order item of the current reservation, if any.
func (c *MarkingCode) OrderItemID() *id.ID {
	return c.Current.Allocation.OrderItemID
}

// PartID returns the allocation part of the current revision.
func (c *MarkingCode) PartID() string {
	return c.Current.Allocation.PartID
}

// Clone returns a deep copy safe to hand out from in-memory stores.
func (c *MarkingCode) Clone() *MarkingCode {
	cp := *c
	cp.Attributes.SellerProfileID = clonePtr(c.Attributes.SellerProfileID)
	cp.Attributes.Product.Offer = clonePtr(c.Attributes.Product.Offer)
	cp.Attributes.Product.Variation = clonePtr(c.Attributes.Product.Variation)
	cp.Attributes.Product.Modification = clonePtr(c.Attributes.Product.Modification)
	cp.Current = c.Current.Clone()
	return &cp
}

// Clone returns a deep copy of the revision.
func (r Revision) Clone() Revision {
	cp := r
	cp.PreviousID = clonePtr(r.PreviousID)
	cp.OrderID = clonePtr(r.OrderID)
	cp.OwnerProfileID = clonePtr(r.OwnerProfileID)
	cp.Allocation.OrderItemID = clonePtr(r.Allocation.OrderItemID)
	return cp
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// CreateRequest is the input of CreateMarkingCode.
type CreateRequest struct {
	OwnerUserID     id.ID
	OwnerProfileID  id.ID
	SellerProfileID *id.ID
	Product         ProductKey
	LotID           string
	Payload         Payload
}
