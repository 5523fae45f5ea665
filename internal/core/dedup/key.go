package dedup

import (
	"strings"

	"markhub/internal/core/id"
)

// Actions used in order-scoped keys.
const (
	ActionDone    = "Done"
	ActionCancel  = "Cancel"
	ActionReissue = "Reissue"
)

// Key is a namespaced deduplication key. Parts are joined with ':'.
type Key struct {
	Namespace string
	Parts     []string
}

// String returns the storage form of the key.
func (k Key) String() string {
	var b strings.Builder
	b.WriteString(k.Namespace)
	for _, p := range k.Parts {
		b.WriteByte(':')
		b.WriteString(p)
	}
	return b.String()
}

// PassKey guards a whole reservation pass for one stock-movement event.
func PassKey(stockEventID id.ID, handler string) Key {
	return Key{Namespace: "pass", Parts: []string{stockEventID.String(), handler}}
}

// ItemKey guards the allocation of one order item instance.
func ItemKey(orderItemID id.ID, handler string) Key {
	return Key{Namespace: "item", Parts: []string{orderItemID.String(), handler}}
}

// OrderKey guards an order-level action such as Done or Cancel.
func OrderKey(orderID id.ID, action, handler string) Key {
	return Key{Namespace: "order", Parts: []string{orderID.String(), action, handler}}
}
