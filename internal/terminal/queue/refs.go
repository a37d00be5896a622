package queue

import (
	"encoding/json"
	"fmt"

	"pos-sync/internal/domain"
)

// Refs lists the entities a mutation reads or writes.
type Refs struct {
	Orders []string
	Tables []string
}

// EntityRefs reports the orders and tables m touches. A create touches the
// order it will become, under its local id.
func EntityRefs(m PendingMutation) Refs {
	switch m.Kind {
	case domain.KindCreateOrder:
		var p domain.CreateOrderPayload
		if json.Unmarshal(m.Payload, &p) != nil {
			return Refs{}
		}
		r := Refs{Orders: []string{m.LocalID}}
		if p.TableID != nil {
			r.Tables = []string{*p.TableID}
		}
		return r
	case domain.KindUpdateOrderStatus:
		var p domain.UpdateOrderStatusPayload
		if json.Unmarshal(m.Payload, &p) != nil {
			return Refs{}
		}
		return Refs{Orders: []string{p.OrderID}}
	case domain.KindUpdateTableStatus:
		var p domain.UpdateTableStatusPayload
		if json.Unmarshal(m.Payload, &p) != nil {
			return Refs{}
		}
		return Refs{Tables: []string{p.TableID}}
	}
	return Refs{}
}

// LocalRefs returns the unreconciled local ids m's payload points at.
func LocalRefs(m PendingMutation) []string {
	var out []string
	r := EntityRefs(m)
	for _, id := range append(r.Orders, r.Tables...) {
		if id != m.LocalID && domain.IsLocalRef(id) {
			out = append(out, id)
		}
	}
	return out
}

// Substitute rewrites local id references in payload using mapping. It
// reports whether anything changed.
func Substitute(kind domain.MutationKind, payload json.RawMessage, mapping map[string]string) (json.RawMessage, bool, error) {
	swap := func(id *string) bool {
		if id == nil {
			return false
		}
		if to, ok := mapping[*id]; ok {
			*id = to
			return true
		}
		return false
	}

	var (
		changed bool
		v       any
	)
	switch kind {
	case domain.KindCreateOrder:
		var p domain.CreateOrderPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, false, fmt.Errorf("decode %s: %w", kind, err)
		}
		changed, v = swap(p.TableID), p
	case domain.KindUpdateOrderStatus:
		var p domain.UpdateOrderStatusPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, false, fmt.Errorf("decode %s: %w", kind, err)
		}
		changed, v = swap(&p.OrderID), p
	case domain.KindUpdateTableStatus:
		var p domain.UpdateTableStatusPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, false, fmt.Errorf("decode %s: %w", kind, err)
		}
		changed, v = swap(&p.TableID), p
	default:
		return payload, false, nil
	}
	if !changed {
		return payload, false, nil
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}
