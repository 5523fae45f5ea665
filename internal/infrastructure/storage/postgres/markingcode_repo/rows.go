package markingcode_repo

import (
	"time"

	"markhub/internal/core/entity"
	"markhub/internal/core/id"
	"markhub/internal/domain/markingcode"
)

const (
	codesTable     = "mk_codes"
	revisionsTable = "mk_code_revisions"
)

// codeRow is a code joined with its head revision.
type codeRow struct {
	ID                id.ID     `db:"id"`
	CurrentRevisionID id.ID     `db:"current_revision_id"`
	OwnerUserID       id.ID     `db:"owner_user_id"`
	OwnerProfileID    id.ID     `db:"owner_profile_id"`
	SellerProfileID   *id.ID    `db:"seller_profile_id"`
	ProductID         id.ID     `db:"product_id"`
	Offer             *string   `db:"offer"`
	Variation         *string   `db:"variation"`
	Modification      *string   `db:"modification"`
	LotID             string    `db:"lot_id"`
	PayloadCode       string    `db:"payload_code"`
	ImageRef          string    `db:"image_ref"`
	OnCDN             bool      `db:"on_cdn"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
	UpdatedBy         string    `db:"updated_by"`

	revisionRow
}

// revisionRow maps mk_code_revisions. Column aliases with the rev_ prefix
// keep it embeddable in codeRow.
type revisionRow struct {
	RevID             id.ID     `db:"rev_id"`
	RevCodeID         id.ID     `db:"rev_code_id"`
	RevPreviousID     *id.ID    `db:"rev_previous_id"`
	RevTransition     string    `db:"rev_transition"`
	RevStatus         string    `db:"rev_status"`
	RevOrderID        *id.ID    `db:"rev_order_id"`
	RevOwnerProfileID *id.ID    `db:"rev_owner_profile_id"`
	RevPartID         string    `db:"rev_part_id"`
	RevOrderItemID    *id.ID    `db:"rev_order_item_id"`
	RevComment        string    `db:"rev_comment"`
	RevActorID        string    `db:"rev_actor_id"`
	RevCreatedAt      time.Time `db:"rev_created_at"`
}

var codeColumns = []string{
	"c.id", "c.current_revision_id", "c.owner_user_id", "c.owner_profile_id",
	"c.seller_profile_id", "c.product_id", "c.offer", "c.variation", "c.modification",
	"c.lot_id", "c.payload_code", "c.image_ref", "c.on_cdn",
	"c.created_at", "c.updated_at", "c.updated_by",
}

var revisionColumns = []string{
	"r.id AS rev_id", "r.code_id AS rev_code_id", "r.previous_id AS rev_previous_id",
	"r.transition AS rev_transition", "r.status AS rev_status", "r.order_id AS rev_order_id",
	"r.owner_profile_id AS rev_owner_profile_id", "r.part_id AS rev_part_id",
	"r.order_item_id AS rev_order_item_id", "r.comment AS rev_comment",
	"r.actor_id AS rev_actor_id", "r.created_at AS rev_created_at",
}

func (r revisionRow) toDomain() markingcode.Revision {
	return markingcode.Revision{
		ID:             r.RevID,
		CodeID:         r.RevCodeID,
		PreviousID:     r.RevPreviousID,
		Transition:     markingcode.Transition(r.RevTransition),
		Status:         markingcode.Status(r.RevStatus),
		OrderID:        r.RevOrderID,
		OwnerProfileID: r.RevOwnerProfileID,
		Allocation: markingcode.Allocation{
			PartID:      r.RevPartID,
			OrderItemID: r.RevOrderItemID,
		},
		Comment:   r.RevComment,
		ActorID:   r.RevActorID,
		CreatedAt: r.RevCreatedAt,
	}
}

func (r codeRow) toDomain() *markingcode.MarkingCode {
	return &markingcode.MarkingCode{
		ID:                r.ID,
		CurrentRevisionID: r.CurrentRevisionID,
		Attributes: markingcode.Attributes{
			OwnerUserID:     r.OwnerUserID,
			OwnerProfileID:  r.OwnerProfileID,
			SellerProfileID: r.SellerProfileID,
			Product: markingcode.ProductKey{
				ProductID:    r.ProductID,
				Offer:        r.Offer,
				Variation:    r.Variation,
				Modification: r.Modification,
			},
			LotID: r.LotID,
		},
		Payload: markingcode.Payload{
			Code:     r.PayloadCode,
			ImageRef: r.ImageRef,
			OnCDN:    r.OnCDN,
		},
		Current:   r.revisionRow.toDomain(),
		CreatedAt: r.CreatedAt,
		Stamp:     entity.Stamp{At: r.UpdatedAt, By: r.UpdatedBy},
	}
}

func codeValues(c *markingcode.MarkingCode) []any {
	a := c.Attributes
	return []any{
		c.ID, c.CurrentRevisionID, a.OwnerUserID, a.OwnerProfileID, a.SellerProfileID,
		a.Product.ProductID, a.Product.Offer, a.Product.Variation, a.Product.Modification,
		a.LotID, c.Payload.Code, c.Payload.ImageRef, c.Payload.OnCDN,
		string(c.Current.Status), c.Current.OrderID, c.Current.Allocation.PartID,
		c.Current.Allocation.OrderItemID, c.Current.CreatedAt,
		c.CreatedAt, c.Stamp.At, c.Stamp.By,
	}
}

var codeInsertColumns = []string{
	"id", "current_revision_id", "owner_user_id", "owner_profile_id", "seller_profile_id",
	"product_id", "offer", "variation", "modification",
	"lot_id", "payload_code", "image_ref", "on_cdn",
	"status", "order_id", "part_id", "order_item_id", "status_at",
	"created_at", "updated_at", "updated_by",
}

func revisionValues(r *markingcode.Revision) []any {
	return []any{
		r.ID, r.CodeID, r.PreviousID, string(r.Transition), string(r.Status),
		r.OrderID, r.OwnerProfileID, r.Allocation.PartID, r.Allocation.OrderItemID,
		r.Comment, r.ActorID, r.CreatedAt,
	}
}

var revisionInsertColumns = []string{
	"id", "code_id", "previous_id", "transition", "status",
	"order_id", "owner_profile_id", "part_id", "order_item_id",
	"comment", "actor_id", "created_at",
}
