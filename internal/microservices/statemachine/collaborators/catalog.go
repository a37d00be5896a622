// Package collaborators wraps the menu, table-capacity and customer lookups
// the state machine consults before accepting an order. They are opaque
// request/response services; only their answers matter here.
package collaborators

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"pos-sync/internal/common/config"
	"pos-sync/internal/domain"
)

type MenuItem struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

type Catalog interface {
	// MenuItem returns domain.ErrNotFound for unknown ids.
	MenuItem(ctx context.Context, id string) (MenuItem, error)
	// TableCapacity returns 0 when the table has no configured limit.
	TableCapacity(ctx context.Context, tableID string) (int, error)
	CustomerExists(ctx context.Context, ref string) (bool, error)
}

// Static answers from configuration. Unknown menu items are rejected; an
// empty customer list accepts every reference.
type Static struct {
	menu      map[string]MenuItem
	capacity  map[string]int
	customers map[string]struct{}
}

func NewStatic(menu []MenuItem, capacity map[string]int, customers []string) *Static {
	s := &Static{
		menu:      make(map[string]MenuItem, len(menu)),
		capacity:  make(map[string]int, len(capacity)),
		customers: make(map[string]struct{}, len(customers)),
	}
	for _, m := range menu {
		s.menu[m.ID] = m
	}
	for k, v := range capacity {
		s.capacity[k] = v
	}
	for _, c := range customers {
		s.customers[c] = struct{}{}
	}
	return s
}

func (s *Static) MenuItem(_ context.Context, id string) (MenuItem, error) {
	m, ok := s.menu[id]
	if !ok {
		return MenuItem{}, domain.ErrNotFound
	}
	return m, nil
}

func (s *Static) TableCapacity(_ context.Context, tableID string) (int, error) {
	return s.capacity[tableID], nil
}

func (s *Static) CustomerExists(_ context.Context, ref string) (bool, error) {
	if len(s.customers) == 0 {
		return true, nil
	}
	_, ok := s.customers[ref]
	return ok, nil
}

// FromConfig builds the catalog selected by cfg.Mode.
func FromConfig(cfg config.Collaborators, tables []config.TableSeed) (Catalog, error) {
	switch cfg.Mode {
	case "", "static":
		menu := make([]MenuItem, 0, len(cfg.Menu))
		for _, m := range cfg.Menu {
			price, err := decimal.NewFromString(m.Price)
			if err != nil {
				return nil, fmt.Errorf("menu item %s price %q: %w", m.ID, m.Price, err)
			}
			menu = append(menu, MenuItem{ID: m.ID, Name: m.Name, Price: price})
		}
		capacity := make(map[string]int, len(tables))
		for _, t := range tables {
			capacity[t.ID] = t.Capacity
		}
		return NewStatic(menu, capacity, cfg.Customers), nil
	case "http":
		return NewHTTP(cfg), nil
	default:
		return nil, fmt.Errorf("unknown collaborators mode %q", cfg.Mode)
	}
}
