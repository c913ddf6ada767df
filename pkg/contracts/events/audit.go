// Package events defines the wire contracts the engine publishes for
// out-of-scope collaborators. The admin action log consumes AuditEvent.
package events

import "time"

// Audit action types, one per state-mutating engine command.
const (
	ActionBuy          = "buy"
	ActionSell         = "sell"
	ActionCreateStock  = "create_stock"
	ActionCreateShares = "create_shares"
	ActionInflateAll   = "inflate_all"
	ActionDelist       = "delist"
	ActionDrift        = "drift"
	ActionSetDrift     = "set_drift_enabled"
	ActionPlaceBet     = "place_bet"
	ActionSettleBet    = "settle_bet"
)

// AuditEvent records one successful state mutation: who did what to which
// entity, with before/after values for the fields that changed.
type AuditEvent struct {
	ID         string            `json:"id"`
	Action     string            `json:"action"`
	Actor      string            `json:"actor"` // user ID or "system"/"admin"
	EntityType string            `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	Before     map[string]string `json:"before,omitempty"`
	After      map[string]string `json:"after,omitempty"`
	At         time.Time         `json:"at"`
}
