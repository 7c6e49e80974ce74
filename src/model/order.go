package model

import "time"

const (
	SideBuy  = "Buy"
	SideSell = "Sell"
)

// OrderStatus constants represent the lifecycle of a tracked order.
const (
	OrderStatusPending   = "pending"
	OrderStatusFilled    = "filled"
	OrderStatusCancelled = "cancelled"
	OrderStatusClosed    = "closed"
)

// Close type constants describe how a position close was attributed.
const (
	CloseTypeFillMatched = "fill_matched"
	CloseTypeStopLoss    = "stop_loss"
	CloseTypeManual      = "manual"
)

// legalTransitions is the full set of allowed status edges.
// cancelled and closed are terminal.
var legalTransitions = map[string]map[string]bool{
	OrderStatusPending: {
		OrderStatusFilled:    true,
		OrderStatusCancelled: true,
	},
	OrderStatusFilled: {
		OrderStatusClosed: true,
	},
}

// CanTransition reports whether moving an order from one status to
// another is a legal edge of the status state machine.
func CanTransition(from, to string) bool {
	return legalTransitions[from][to]
}

// IsTerminalStatus reports whether a status admits no further edges.
func IsTerminalStatus(status string) bool {
	return status == OrderStatusCancelled || status == OrderStatusClosed
}

// OppositeSide returns the closing side for a given opening side.
func OppositeSide(side string) string {
	if side == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Order is the durable record of an order the bot believes it sent to
// the exchange. A filled order with no close fields marks an open
// position.
type Order struct {
	ID              uint    `gorm:"primaryKey" json:"id"`
	BotID           string  `gorm:"size:60;index" json:"bot_id"`
	ExternalOrderID string  `gorm:"size:255;uniqueIndex" json:"external_order_id"`
	ClientID        string  `gorm:"size:255;index" json:"client_id"`
	Symbol          string  `gorm:"size:100;index" json:"symbol"`
	Side            string  `gorm:"size:20" json:"side"`
	PosSide         string  `gorm:"size:20" json:"pos_side"`
	OrderType       string  `gorm:"size:50" json:"order_type"`
	Quantity        float64 `json:"quantity"`
	Price           float64 `json:"price"`
	Status          string  `gorm:"size:50;not null;default:pending" json:"status"`

	// ExecutedQuantity is the exchange-reported executed size when it
	// is known to differ from the requested quantity (partial fills).
	// Zero means the full requested quantity executed.
	ExecutedQuantity float64 `json:"executed_quantity,omitempty"`

	// Timestamp is when the order was submitted locally;
	// ExchangeCreatedAt is the exchange-reported creation time.
	Timestamp         time.Time  `gorm:"index" json:"timestamp"`
	ExchangeCreatedAt *time.Time `json:"exchange_created_at,omitempty"`

	// Close fields are set together when the reconciler closes the
	// position this order belongs to.
	ClosePrice    *float64   `json:"close_price,omitempty"`
	CloseTime     *time.Time `json:"close_time,omitempty"`
	CloseQuantity *float64   `json:"close_quantity,omitempty"`
	CloseType     string     `gorm:"size:50" json:"close_type,omitempty"`
	Pnl           *float64   `json:"pnl,omitempty"`
	PnlPct        *float64   `json:"pnl_pct,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// One-to-many relation: one order can have many audit log entries
	Logs []OrderLog `gorm:"foreignKey:OrderID" json:"order_logs,omitempty"`
}

// TableName allows you to control the exact table name for orders.
func (Order) TableName() string {
	return "orders"
}

// IsTerminal reports whether the order admits no further transitions.
func (o *Order) IsTerminal() bool {
	return IsTerminalStatus(o.Status)
}

// IsOpenPosition reports whether the order marks an open position:
// filled on the exchange but not yet closed by the reconciler.
func (o *Order) IsOpenPosition() bool {
	return o.Status == OrderStatusFilled && o.CloseTime == nil
}

// OpenQuantity is the size this order actually contributes to a
// position: the recorded executed quantity when a partial fill was
// detected, the requested quantity otherwise.
func (o *Order) OpenQuantity() float64 {
	if o.ExecutedQuantity > 0 {
		return o.ExecutedQuantity
	}
	return o.Quantity
}
