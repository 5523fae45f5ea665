// Package batch groups successive allocations of one reservation pass into
// bounded parts used for bulk documents and bulk cancellation.
package batch

import (
	"github.com/oklog/ulid/v2"
)

// Scope selects the part size of a pass.
type Scope string

const (
	// ScopeOrder is used when codes are reserved for an order shipment.
	ScopeOrder Scope = "order"
	// ScopeStock is the stock-transfer path with larger parts.
	ScopeStock Scope = "stock"
)

// Default part sizes.
const (
	OrderPartSize = 100
	StockPartSize = 500
)

// Sizes maps scopes to part sizes.
type Sizes map[Scope]int

// DefaultSizes returns the standard part sizes.
func DefaultSizes() Sizes {
	return Sizes{ScopeOrder: OrderPartSize, ScopeStock: StockPartSize}
}

// For returns the size for scope, falling back to the order size.
func (s Sizes) For(scope Scope) int {
	if n, ok := s[scope]; ok && n > 0 {
		return n
	}
	return OrderPartSize
}

// Partitioner hands out part ids for one pass. Not safe for concurrent use:
// a pass runs on one goroutine.
type Partitioner struct {
	size    int
	current string
	used    int
	newID   func() string
}

// New creates a partitioner that rotates after size commits.
func New(size int) *Partitioner {
	if size <= 0 {
		size = OrderPartSize
	}
	return &Partitioner{
		size:  size,
		newID: func() string { return ulid.Make().String() },
	}
}

// ForScope creates a partitioner sized for scope.
func ForScope(sizes Sizes, scope Scope) *Partitioner {
	return New(sizes.For(scope))
}

// Current returns the part id the next allocation must use.
// The first call generates the first part.
func (p *Partitioner) Current() string {
	if p.current == "" || p.used >= p.size {
		p.current = p.newID()
		p.used = 0
	}
	return p.current
}

// Commit records one successful allocation under the current part.
func (p *Partitioner) Commit() {
	p.used++
}

// Size returns the maximum number of codes per part.
func (p *Partitioner) Size() int {
	return p.size
}
