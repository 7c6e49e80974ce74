package model

import "time"

// Fill is an ephemeral exchange execution event. Fills are consumed
// transactionally to update orders and are never persisted on their
// own.
type Fill struct {
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"`
	Quantity  float64   `json:"quantity"`
	Price     float64   `json:"price"`
	OrderID   string    `json:"order_id"`
	ClientID  string    `json:"client_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
