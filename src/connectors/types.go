package connectors

import "time"

// MarketType selects the contract family queried on the exchange.
type MarketType string

const (
	MarketLinear  MarketType = "linear"
	MarketInverse MarketType = "inverse"
)

// Exchange-reported order statuses used by the reconciler.
const (
	ExchangeStatusNew             = "New"
	ExchangeStatusPartiallyFilled = "PartiallyFilled"
	ExchangeStatusFilled          = "Filled"
	ExchangeStatusCancelled       = "Cancelled"
	ExchangeStatusRejected        = "Rejected"
	ExchangeStatusExpired         = "Expired"
	ExchangeStatusDeactivated     = "Deactivated"
)

// OpenOrder is a live order as reported by the exchange, regular or
// conditional.
type OpenOrder struct {
	OrderID      string
	ClientID     string
	Symbol       string
	Side         string
	OrderType    string
	Quantity     float64
	CumExecQty   float64
	Price        float64
	TriggerPrice float64
	ReduceOnly   bool
	Status       string
	CreatedAt    time.Time
}

// HistoryRecord is one entry of an order's exchange-side history.
type HistoryRecord struct {
	OrderID    string
	ClientID   string
	Symbol     string
	Side       string
	Status     string
	Quantity   float64
	CumExecQty float64
	Price      float64
	UpdatedAt  time.Time
}

// ExchangeFill is one execution reported by the exchange's fill
// history.
type ExchangeFill struct {
	FillID    string
	OrderID   string
	ClientID  string
	Symbol    string
	Side      string
	Quantity  float64
	Price     float64
	FillType  string
	Timestamp time.Time
}

// FillQuery narrows a fill-history lookup. Zero values mean "no
// filter".
type FillQuery struct {
	Symbol   string
	OrderID  string
	FromTime time.Time
	ToTime   time.Time
	Limit    int
	Offset   int
	FillType string
	Market   MarketType
	SortAsc  bool
}

// OrderRequest is the body of an order placement call.
type OrderRequest struct {
	Symbol       string
	Side         string
	OrderType    string
	Quantity     float64
	Price        float64
	TriggerPrice float64
	ClientID     string
	ReduceOnly   bool
	Market       MarketType
}

// ExecResult is the success payload of an order placement.
type ExecResult struct {
	OrderID  string
	ClientID string
}

// ExchangeClient is the collaborator contract consumed by the
// reconciliation engine.
//
// History and fill lookups distinguish "unknown" from "empty": an error
// return means the exchange state could not be determined and must not
// trigger destructive transitions; an empty non-nil slice means the
// exchange definitively reported nothing.
type ExchangeClient interface {
	GetOpenOrders(symbol string, market MarketType) ([]OpenOrder, error)
	GetOpenTriggerOrders(symbol string, market MarketType) ([]OpenOrder, error)
	GetOrderHistory(orderID, symbol string, limit, offset int, market MarketType) ([]HistoryRecord, error)
	GetFillHistory(query FillQuery) ([]ExchangeFill, error)
	ExecuteOrder(req OrderRequest) (*ExecResult, error)
	CancelOpenOrder(symbol, orderID string) error
}
