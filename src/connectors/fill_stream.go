package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	logger "github.com/sirupsen/logrus"

	"statereconciler/src/model"
)

const (
	wsPingInterval = 20 * time.Second
	wsReadTimeout  = 60 * time.Second
)

// FillSink receives execution events as they arrive on the private
// stream.
type FillSink func(fill model.Fill)

// FillStream listens on the exchange's private execution websocket and
// converts execution events into fills. It is a best-effort supplement
// to fill-history polling; reconnecting after Listen returns is the
// caller's responsibility.
type FillStream struct {
	url       string
	apiKey    string
	apiSecret string
	sink      FillSink
	conn      *websocket.Conn
}

func NewFillStream(url, apiKey, apiSecret string, sink FillSink) *FillStream {
	return &FillStream{
		url:       url,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		sink:      sink,
	}
}

type wsRequest struct {
	Op   string        `json:"op"`
	Args []interface{} `json:"args"`
}

type wsEnvelope struct {
	Topic   string          `json:"topic"`
	Op      string          `json:"op"`
	Success *bool           `json:"success,omitempty"`
	RetMsg  string          `json:"ret_msg,omitempty"`
	Data    json.RawMessage `json:"data"`
}

// Connect dials the stream, authenticates, and subscribes to the
// execution topic.
func (s *FillStream) Connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial fill stream: %w", err)
	}
	s.conn = conn

	expires := time.Now().Add(1 * time.Minute).UnixMilli()
	sig := signRequest("", "", "", fmt.Sprintf("GET/realtime%d", expires), s.apiSecret)

	auth := wsRequest{
		Op:   "auth",
		Args: []interface{}{s.apiKey, expires, sig},
	}
	if err := conn.WriteJSON(auth); err != nil {
		conn.Close()
		return fmt.Errorf("failed to authenticate fill stream: %w", err)
	}

	subscribe := wsRequest{
		Op:   "subscribe",
		Args: []interface{}{"execution"},
	}
	if err := conn.WriteJSON(subscribe); err != nil {
		conn.Close()
		return fmt.Errorf("failed to subscribe to executions: %w", err)
	}

	logger.WithField("url", s.url).Info("Fill stream connected")
	return nil
}

// Listen reads execution events until the context is cancelled or the
// connection drops, pushing each fill to the sink.
func (s *FillStream) Listen(ctx context.Context) error {
	if s.conn == nil {
		return fmt.Errorf("fill stream not connected")
	}
	defer s.conn.Close()

	go s.keepAlive(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := s.conn.SetReadDeadline(time.Now().Add(wsReadTimeout)); err != nil {
			return err
		}

		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fill stream read failed: %w", err)
		}

		var envelope wsEnvelope
		if err := json.Unmarshal(raw, &envelope); err != nil {
			logger.WithError(err).Warn("Fill stream message not decodable, skipping")
			continue
		}

		if envelope.Success != nil && !*envelope.Success {
			logger.WithField("ret_msg", envelope.RetMsg).Error("Fill stream operation rejected")
			continue
		}

		if envelope.Topic != "execution" || envelope.Data == nil {
			continue
		}

		var events []wireFill
		if err := json.Unmarshal(envelope.Data, &events); err != nil {
			logger.WithError(err).Warn("Execution payload not decodable, skipping")
			continue
		}

		for _, event := range events {
			s.sink(model.Fill{
				Symbol:    event.Symbol,
				Side:      event.Side,
				Quantity:  parseFloat(event.ExecQty),
				Price:     parseFloat(event.ExecPrice),
				OrderID:   event.OrderID,
				ClientID:  event.OrderLinkID,
				Timestamp: parseMillis(event.ExecTime),
			})
		}
	}
}

func (s *FillStream) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ping := wsRequest{Op: "ping", Args: []interface{}{strconv.FormatInt(time.Now().UnixMilli(), 10)}}
			if err := s.conn.WriteJSON(ping); err != nil {
				logger.WithError(err).Warn("Fill stream ping failed")
				return
			}
		}
	}
}
