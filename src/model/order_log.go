package model

import "time"

// OrderLog stores a snapshot of an order every time the reconciler or
// an executor touches it, together with the reason for the change.
type OrderLog struct {
	ID uint `gorm:"primaryKey" json:"id"`

	// Foreign key to Order
	OrderID uint   `gorm:"index" json:"order_id"`
	Order   *Order `gorm:"constraint:OnDelete:CASCADE" json:"order,omitempty"`

	// Snapshot of the order at the moment of this log entry
	BotID     string  `gorm:"size:60;index" json:"bot_id"`
	Symbol    string  `gorm:"size:100" json:"symbol"`
	Side      string  `gorm:"size:20" json:"side"`
	OrderType string  `gorm:"size:50" json:"order_type"`
	Quantity  float64 `json:"quantity"`
	Price     float64 `json:"price"`

	// Execution / conclusion details
	Status    string    `gorm:"size:50;not null" json:"status"`
	Reason    string    `gorm:"size:255" json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName allows you to control the exact table name for order logs.
func (OrderLog) TableName() string {
	return "order_logs"
}
