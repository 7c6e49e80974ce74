// REST API CLIENT FOR BYBIT V5 UNIFIED TRADING
// RESTY ONLY + INTERNAL RETRY ON TRANSIENT FAILURES
package connectors

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	logger "github.com/sirupsen/logrus"
)

// -----------------------------
// CONFIG
// -----------------------------
const (
	// Default retry configuration. HTTP 429 is deliberately NOT
	// retried here: throttling is surfaced as RateLimitError so the
	// scheduler can widen its interval instead.
	defaultRetryAttempts   = 4
	defaultRetryBaseDelay  = 500 * time.Millisecond
	defaultRetryMaxBackoff = 8 * time.Second

	defaultRecvWindow = "5000"
)

// -----------------------------
// API RESPONSE WRAPPER
// -----------------------------
type apiResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

type listResult struct {
	List []json.RawMessage `json:"list"`
}

// -----------------------------
// AUTHENTICATED CLIENT
// -----------------------------

// Client talks to the exchange REST API and implements ExchangeClient.
type Client struct {
	apiKey    string
	apiSecret string
	baseURL   string
	http      *resty.Client
}

func isRetryableResp(r *resty.Response, err error) bool {
	if err != nil {
		return true
	}

	if r == nil {
		return false
	}

	code := r.StatusCode()

	if code >= 500 && code <= 599 {
		return true
	}
	if code == 408 {
		return true
	}
	return false
}

func NewClient(apiKey, apiSecret, baseURL string) *Client {
	retryCount := defaultRetryAttempts - 1

	if baseURL == "" {
		baseURL = "https://api-testnet.bybit.com"
		logger.WithField("base_url", baseURL).Warn("No base URL provided, using testnet default")
	}

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(retryCount).
		SetRetryWaitTime(defaultRetryBaseDelay).
		SetRetryMaxWaitTime(defaultRetryMaxBackoff).
		AddRetryCondition(isRetryableResp)

	return &Client{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		baseURL:   baseURL,
		http:      httpClient,
	}
}

func signRequest(timestamp, apiKey, recvWindow, payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + apiKey + recvWindow + payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) doRequest(method, path, query string, body []byte) (*apiResponse, error) {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)

	payload := query
	if body != nil {
		payload = string(body)
	}
	sig := signRequest(timestamp, c.apiKey, defaultRecvWindow, payload, c.apiSecret)

	req := c.http.R().
		SetHeader("X-BAPI-API-KEY", c.apiKey).
		SetHeader("X-BAPI-TIMESTAMP", timestamp).
		SetHeader("X-BAPI-RECV-WINDOW", defaultRecvWindow).
		SetHeader("X-BAPI-SIGN", sig)

	if query != "" {
		req = req.SetQueryString(query)
	}
	if body != nil {
		req = req.SetBody(body).SetHeader("Content-Type", "application/json")
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, err
	}

	raw := resp.Body()

	if resp.StatusCode() == 429 {
		return nil, &RateLimitError{Message: resp.Status(), RetryAfter: retryAfterOf(resp)}
	}

	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode(), string(raw))
	}

	var parsed apiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, err
	}

	if err := apiErrorFromCode(parsed.RetCode, parsed.RetMsg); err != nil {
		return nil, err
	}

	return &parsed, nil
}

func retryAfterOf(resp *resty.Response) time.Duration {
	header := resp.Header().Get("Retry-After")
	if header == "" {
		return 0
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// -----------------------------
// ORDER QUERY METHODS
// -----------------------------

type wireOrder struct {
	OrderID      string `json:"orderId"`
	OrderLinkID  string `json:"orderLinkId"`
	Symbol       string `json:"symbol"`
	Side         string `json:"side"`
	OrderType    string `json:"orderType"`
	Qty          string `json:"qty"`
	Price        string `json:"price"`
	TriggerPrice string `json:"triggerPrice"`
	ReduceOnly   bool   `json:"reduceOnly"`
	OrderStatus  string `json:"orderStatus"`
	CumExecQty   string `json:"cumExecQty"`
	AvgPrice     string `json:"avgPrice"`
	CreatedTime  string `json:"createdTime"`
	UpdatedTime  string `json:"updatedTime"`
}

func (c *Client) getOrders(symbol string, market MarketType, orderFilter string) ([]OpenOrder, error) {
	query := "category=" + string(market)
	if symbol != "" {
		query += "&symbol=" + symbol
	}
	if orderFilter != "" {
		query += "&orderFilter=" + orderFilter
	}

	resp, err := c.doRequest("GET", "/v5/order/realtime", query, nil)
	if err != nil {
		return nil, err
	}

	var result listResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, err
	}

	orders := make([]OpenOrder, 0, len(result.List))
	for _, raw := range result.List {
		var w wireOrder
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, err
		}
		orders = append(orders, OpenOrder{
			OrderID:      w.OrderID,
			ClientID:     w.OrderLinkID,
			Symbol:       w.Symbol,
			Side:         w.Side,
			OrderType:    w.OrderType,
			Quantity:     parseFloat(w.Qty),
			CumExecQty:   parseFloat(w.CumExecQty),
			Price:        parseFloat(w.Price),
			TriggerPrice: parseFloat(w.TriggerPrice),
			ReduceOnly:   w.ReduceOnly,
			Status:       w.OrderStatus,
			CreatedAt:    parseMillis(w.CreatedTime),
		})
	}

	return orders, nil
}

// GetOpenOrders returns the live regular orders for the symbol, or for
// all symbols when symbol is empty.
func (c *Client) GetOpenOrders(symbol string, market MarketType) ([]OpenOrder, error) {
	return c.getOrders(symbol, market, "Order")
}

// GetOpenTriggerOrders returns the live conditional (stop/trigger)
// orders.
func (c *Client) GetOpenTriggerOrders(symbol string, market MarketType) ([]OpenOrder, error) {
	return c.getOrders(symbol, market, "StopOrder")
}

// GetOrderHistory looks up the exchange-side history of one order. An
// error return means "unknown"; an empty slice means the exchange has
// no record of the order.
func (c *Client) GetOrderHistory(orderID, symbol string, limit, offset int, market MarketType) ([]HistoryRecord, error) {
	query := "category=" + string(market)
	if orderID != "" {
		query += "&orderId=" + orderID
	}
	if symbol != "" {
		query += "&symbol=" + symbol
	}
	if limit > 0 {
		query += "&limit=" + strconv.Itoa(limit)
	}
	if offset > 0 {
		query += "&cursor=" + strconv.Itoa(offset)
	}

	resp, err := c.doRequest("GET", "/v5/order/history", query, nil)
	if err != nil {
		return nil, err
	}

	var result listResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, err
	}

	records := make([]HistoryRecord, 0, len(result.List))
	for _, raw := range result.List {
		var w wireOrder
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, err
		}
		records = append(records, HistoryRecord{
			OrderID:    w.OrderID,
			ClientID:   w.OrderLinkID,
			Symbol:     w.Symbol,
			Side:       w.Side,
			Status:     w.OrderStatus,
			Quantity:   parseFloat(w.Qty),
			CumExecQty: parseFloat(w.CumExecQty),
			Price:      parseFloat(w.AvgPrice),
			UpdatedAt:  parseMillis(w.UpdatedTime),
		})
	}

	return records, nil
}

// -----------------------------
// FILL QUERY METHODS
// -----------------------------

type wireFill struct {
	ExecID      string `json:"execId"`
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	ExecQty     string `json:"execQty"`
	ExecPrice   string `json:"execPrice"`
	ExecType    string `json:"execType"`
	ExecTime    string `json:"execTime"`
}

// GetFillHistory returns executions matching the query, oldest first
// when query.SortAsc is set. An error return means "unknown".
func (c *Client) GetFillHistory(query FillQuery) ([]ExchangeFill, error) {
	market := query.Market
	if market == "" {
		market = MarketLinear
	}

	q := "category=" + string(market)
	if query.Symbol != "" {
		q += "&symbol=" + query.Symbol
	}
	if query.OrderID != "" {
		q += "&orderId=" + query.OrderID
	}
	if !query.FromTime.IsZero() {
		q += "&startTime=" + strconv.FormatInt(query.FromTime.UnixMilli(), 10)
	}
	if !query.ToTime.IsZero() {
		q += "&endTime=" + strconv.FormatInt(query.ToTime.UnixMilli(), 10)
	}
	if query.Limit > 0 {
		q += "&limit=" + strconv.Itoa(query.Limit)
	}
	if query.FillType != "" {
		q += "&execType=" + query.FillType
	}

	resp, err := c.doRequest("GET", "/v5/execution/list", q, nil)
	if err != nil {
		return nil, err
	}

	var result listResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, err
	}

	fills := make([]ExchangeFill, 0, len(result.List))
	for _, raw := range result.List {
		var w wireFill
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, err
		}
		fills = append(fills, ExchangeFill{
			FillID:    w.ExecID,
			OrderID:   w.OrderID,
			ClientID:  w.OrderLinkID,
			Symbol:    w.Symbol,
			Side:      w.Side,
			Quantity:  parseFloat(w.ExecQty),
			Price:     parseFloat(w.ExecPrice),
			FillType:  w.ExecType,
			Timestamp: parseMillis(w.ExecTime),
		})
	}

	if query.SortAsc {
		sort.Slice(fills, func(i, j int) bool {
			return fills[i].Timestamp.Before(fills[j].Timestamp)
		})
	}

	return fills, nil
}

// -----------------------------
// TRADING METHODS
// -----------------------------

// ExecuteOrder places an order and returns the exchange-assigned id.
func (c *Client) ExecuteOrder(req OrderRequest) (*ExecResult, error) {
	market := req.Market
	if market == "" {
		market = MarketLinear
	}

	body := map[string]interface{}{
		"category":    string(market),
		"symbol":      req.Symbol,
		"side":        req.Side,
		"orderType":   req.OrderType,
		"qty":         strconv.FormatFloat(req.Quantity, 'f', -1, 64),
		"orderLinkId": req.ClientID,
		"reduceOnly":  req.ReduceOnly,
	}
	if req.Price > 0 {
		body["price"] = strconv.FormatFloat(req.Price, 'f', -1, 64)
	}
	if req.TriggerPrice > 0 {
		body["triggerPrice"] = strconv.FormatFloat(req.TriggerPrice, 'f', -1, 64)
	}

	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	resp, err := c.doRequest("POST", "/v5/order/create", "", b)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := json.Unmarshal(resp.Result, &parsed); err != nil {
		return nil, err
	}

	return &ExecResult{OrderID: parsed.OrderID, ClientID: parsed.OrderLinkID}, nil
}

// CancelOpenOrder cancels a live order by exchange id.
func (c *Client) CancelOpenOrder(symbol, orderID string) error {
	body := map[string]interface{}{
		"category": string(MarketLinear),
		"symbol":   symbol,
		"orderId":  orderID,
	}

	b, err := json.Marshal(body)
	if err != nil {
		return err
	}

	_, err = c.doRequest("POST", "/v5/order/cancel", "", b)
	return err
}

// -----------------------------
// HELPERS
// -----------------------------

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func parseMillis(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
