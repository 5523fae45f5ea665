package markingcode

import (
	"context"

	"markhub/internal/core/id"
)

// Repository persists marking codes and their revisions.
//
// AppendRevision is the only way a status changes: it inserts rev and
// repoints the code only if its current revision is still expected.
// A moved pointer yields CONCURRENT_MODIFICATION.
type Repository interface {
	// Create inserts a code together with its first revision (code.Current).
	Create(ctx context.Context, code *MarkingCode) error

	// CreateBatch inserts many codes in one unit of work.
	CreateBatch(ctx context.Context, codes []*MarkingCode) error

	// Get loads a code with its current revision. NOT_FOUND if absent.
	Get(ctx context.Context, codeID id.ID) (*MarkingCode, error)

	// AppendRevision writes rev and moves the pointer from expected to rev.ID.
	AppendRevision(ctx context.Context, rev *Revision, expected id.ID) error

	// Revisions returns the history of a code, oldest first.
	Revisions(ctx context.Context, codeID id.ID) ([]Revision, error)

	// FindByOrder returns codes currently linked to orderID, optionally
	// narrowed to statuses, in reservation order.
	FindByOrder(ctx context.Context, orderID id.ID, statuses []Status) ([]*MarkingCode, error)

	// FindByPart returns codes whose current revision belongs to partID.
	FindByPart(ctx context.Context, partID string) ([]*MarkingCode, error)

	// FindByLot returns codes created in lotID.
	FindByLot(ctx context.Context, lotID string) ([]*MarkingCode, error)

	// LockCandidate returns the best code matching c and holds it for the
	// current unit of work so no other caller can pick it. Nil when none.
	LockCandidate(ctx context.Context, c Criteria) (*MarkingCode, error)

	// EverLinked reports whether any revision of the code referenced an order.
	EverLinked(ctx context.Context, codeID id.ID) (bool, error)

	// Delete removes a code and its history if its pointer is still expected.
	Delete(ctx context.Context, codeID id.ID, expected id.ID) error
}

// Criteria selects allocatable codes for one request.
type Criteria struct {
	OwnerUserID id.ID
	ProfileID   id.ID
	Product     ProductKey
	// SellerUnsetOnly restricts matches to codes without a seller.
	SellerUnsetOnly bool
}

// Matches reports whether code is eligible under c.
func (c Criteria) Matches(code *MarkingCode) bool {
	if !code.Status().Allocatable() {
		return false
	}
	attrs := code.Attributes
	if attrs.OwnerUserID != c.OwnerUserID {
		return false
	}
	if !attrs.Product.Equal(c.Product) {
		return false
	}
	if attrs.SellerProfileID != nil {
		if c.SellerUnsetOnly || *attrs.SellerProfileID != c.ProfileID {
			return false
		}
	}
	return true
}

// Before orders eligible codes: own profile first, returned codes next,
// then oldest lot, then oldest code.
func (c Criteria) Before(a, b *MarkingCode) bool {
	aOwn := a.Attributes.OwnerProfileID == c.ProfileID
	bOwn := b.Attributes.OwnerProfileID == c.ProfileID
	if aOwn != bOwn {
		return aOwn
	}
	aRet := a.Status() == StatusReturn
	bRet := b.Status() == StatusReturn
	if aRet != bRet {
		return aRet
	}
	if a.Attributes.LotID != b.Attributes.LotID {
		return a.Attributes.LotID < b.Attributes.LotID
	}
	return a.ID.String() < b.ID.String()
}
