package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Channel string

const (
	ChannelTables  Channel = "table-updates"
	ChannelOrders  Channel = "order-updates"
	ChannelKitchen Channel = "kitchen-updates"
)

var AllChannels = []Channel{ChannelTables, ChannelOrders, ChannelKitchen}

type Role string

const (
	RoleWaitstaff Role = "waitstaff"
	RoleKitchen   Role = "kitchen"
	RoleDelivery  Role = "delivery"
)

func (r Role) Valid() bool {
	switch r {
	case RoleWaitstaff, RoleKitchen, RoleDelivery:
		return true
	}
	return false
}

// DefaultTargets maps a channel to the roles that receive it.
func DefaultTargets(ch Channel) []Role {
	switch ch {
	case ChannelTables:
		return []Role{RoleWaitstaff}
	case ChannelOrders:
		return []Role{RoleWaitstaff, RoleDelivery}
	case ChannelKitchen:
		return []Role{RoleKitchen}
	}
	return nil
}

// Event types
const (
	EventOrderCreated       = "order.created"
	EventOrderStatusChanged = "order.status_changed"
	EventTableStatusChanged = "table.status_changed"
	EventKitchenTicket      = "kitchen.ticket"
)

// Event is the payload carried from the broadcaster through the gateway to terminals.
type Event struct {
	EventID         string          `json:"eventId"`
	Channel         Channel         `json:"channel"`
	Type            string          `json:"type"`
	EntityID        string          `json:"entityId"`
	Data            json.RawMessage `json:"data"`
	TargetRoles     []Role          `json:"targetRoles"`
	ServerTimestamp time.Time       `json:"serverTimestamp"`
}

// Targets reports whether any of roles is addressed by the event.
func (e Event) Targets(roles map[Role]struct{}) bool {
	for _, r := range e.TargetRoles {
		if _, ok := roles[r]; ok {
			return true
		}
	}
	return false
}

// Gateway message types.
const (
	MessageHello = "hello"
	MessageEvent = "event"
)

// GatewayMessage is the envelope on the terminal WebSocket. A hello always
// carries Resync=true: the gateway never replays, so the terminal must
// fetch a snapshot after every (re)connect.
type GatewayMessage struct {
	Type         string    `json:"type"`
	ConnectionID string    `json:"connectionId,omitempty"`
	Roles        []Role    `json:"roles,omitempty"`
	Resync       bool      `json:"resync,omitempty"`
	Event        *Event    `json:"event,omitempty"`
	At           time.Time `json:"at"`
}

// ParseRoles parses a comma separated role list, rejecting unknown roles.
func ParseRoles(csv string) ([]Role, error) {
	var out []Role
	seen := map[Role]struct{}{}
	for _, part := range strings.Split(csv, ",") {
		r := Role(strings.ToLower(strings.TrimSpace(part)))
		if r == "" {
			continue
		}
		if !r.Valid() {
			return nil, fmt.Errorf("%w: unknown role %q", ErrMalformed, r)
		}
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: at least one role is required", ErrMalformed)
	}
	return out, nil
}
