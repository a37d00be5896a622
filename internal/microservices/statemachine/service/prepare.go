package service

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"pos-sync/internal/domain"
)

// plan is a decoded mutation plus the outcome of checks that run before the
// transaction, so collaborator round trips never hold row locks.
type plan struct {
	create      *createPlan
	orderStatus domain.UpdateOrderStatusPayload
	tableStatus domain.UpdateTableStatusPayload
	conflict    *domain.ConflictError
}

type createPlan struct {
	tableID     *string
	orderType   domain.OrderType
	items       []domain.OrderItem
	total       decimal.Decimal
	customerRef string
	guests      int
	notes       string
}

func (m *Machine) prepare(ctx context.Context, req domain.MutationRequest) (*plan, error) {
	switch req.Kind {
	case domain.KindCreateOrder:
		p, err := domain.DecodePayload[domain.CreateOrderPayload](req.Payload)
		if err != nil {
			return nil, err
		}
		return m.prepareCreate(ctx, p)

	case domain.KindUpdateOrderStatus:
		p, err := domain.DecodePayload[domain.UpdateOrderStatusPayload](req.Payload)
		if err != nil {
			return nil, err
		}
		out := &plan{orderStatus: p}
		switch {
		case p.OrderID == "":
			out.conflict = domain.Conflict(domain.ConflictInvalidPayload, "orderId is required")
		case domain.IsLocalRef(p.OrderID):
			out.conflict = domain.Conflict(domain.ConflictInvalidPayload, "unresolved local reference %s", p.OrderID)
		case !p.Status.Valid():
			out.conflict = domain.Conflict(domain.ConflictInvalidPayload, "unknown order status %q", p.Status)
		}
		return out, nil

	default:
		p, err := domain.DecodePayload[domain.UpdateTableStatusPayload](req.Payload)
		if err != nil {
			return nil, err
		}
		out := &plan{tableStatus: p}
		switch {
		case p.TableID == "":
			out.conflict = domain.Conflict(domain.ConflictInvalidPayload, "tableId is required")
		case !p.Status.Valid():
			out.conflict = domain.Conflict(domain.ConflictInvalidPayload, "unknown table status %q", p.Status)
		case p.ReleaseIntent != "" && p.ReleaseIntent != domain.ReleaseCancel && p.ReleaseIntent != domain.ReleaseComplete:
			out.conflict = domain.Conflict(domain.ConflictInvalidPayload, "unknown release intent %q", p.ReleaseIntent)
		}
		return out, nil
	}
}

func (m *Machine) prepareCreate(ctx context.Context, p domain.CreateOrderPayload) (*plan, error) {
	reject := func(c *domain.ConflictError) (*plan, error) { return &plan{conflict: c}, nil }

	orderType := p.OrderType
	if orderType == "" {
		orderType = domain.OrderTakeaway
		if p.TableID != nil {
			orderType = domain.OrderDineIn
		}
	}
	switch orderType {
	case domain.OrderDineIn:
		if p.TableID == nil || *p.TableID == "" {
			return reject(domain.Conflict(domain.ConflictInvalidPayload, "dine-in order needs a tableId"))
		}
		if domain.IsLocalRef(*p.TableID) {
			return reject(domain.Conflict(domain.ConflictInvalidPayload, "unresolved local reference %s", *p.TableID))
		}
	case domain.OrderTakeaway:
		if p.TableID != nil {
			return reject(domain.Conflict(domain.ConflictInvalidPayload, "takeaway order cannot hold a table"))
		}
	default:
		return reject(domain.Conflict(domain.ConflictInvalidPayload, "unknown order type %q", orderType))
	}

	if len(p.Items) == 0 {
		return reject(domain.Conflict(domain.ConflictInvalidPayload, "order has no items"))
	}
	if p.Guests < 0 {
		return reject(domain.Conflict(domain.ConflictInvalidPayload, "guests must not be negative"))
	}

	items := make([]domain.OrderItem, 0, len(p.Items))
	for _, it := range p.Items {
		if it.Quantity <= 0 {
			return reject(domain.Conflict(domain.ConflictInvalidPayload, "item %s has quantity %d", it.MenuItemID, it.Quantity))
		}
		menu, err := m.catalog.MenuItem(ctx, it.MenuItemID)
		if errors.Is(err, domain.ErrNotFound) {
			return reject(domain.Conflict(domain.ConflictUnknownMenuItem, "menu item %s does not exist", it.MenuItemID))
		}
		if err != nil {
			return nil, err
		}
		items = append(items, domain.OrderItem{
			MenuItemID: it.MenuItemID,
			Name:       menu.Name,
			Quantity:   it.Quantity,
			UnitPrice:  menu.Price,
			Notes:      it.Notes,
		})
	}

	total := domain.ItemsTotal(items)
	if !total.Equal(p.TotalAmount) {
		return reject(domain.Conflict(domain.ConflictPriceMismatch,
			"submitted total %s does not match current prices %s", p.TotalAmount.StringFixed(2), total.StringFixed(2)))
	}

	if p.CustomerRef != "" {
		ok, err := m.catalog.CustomerExists(ctx, p.CustomerRef)
		if err != nil {
			return nil, err
		}
		if !ok {
			return reject(domain.Conflict(domain.ConflictUnknownCustomer, "customer %s does not exist", p.CustomerRef))
		}
	}

	if orderType == domain.OrderDineIn && p.Guests > 0 {
		capacity, err := m.catalog.TableCapacity(ctx, *p.TableID)
		if err != nil {
			return nil, err
		}
		if capacity > 0 && p.Guests > capacity {
			return reject(domain.Conflict(domain.ConflictCapacityExceeded,
				"table %s seats %d, order has %d guests", *p.TableID, capacity, p.Guests))
		}
	}

	return &plan{create: &createPlan{
		tableID:     p.TableID,
		orderType:   orderType,
		items:       items,
		total:       total,
		customerRef: p.CustomerRef,
		guests:      p.Guests,
		notes:       p.Notes,
	}}, nil
}
