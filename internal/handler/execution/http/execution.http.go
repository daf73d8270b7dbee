package http

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/guregu/null/v6"
	"github.com/quantarc/execd/internal/config"
	"github.com/quantarc/execd/internal/coordinator"
	"github.com/quantarc/execd/internal/entity"
	"github.com/quantarc/execd/internal/riskgate"
	"github.com/shopspring/decimal"
)

var (
	errAPIKeyMissing  = errors.New("api key is required")
	errAPIKeyInvalid  = errors.New("invalid api key")
	errAPIKeyInactive = errors.New("api key is inactive")
)

type SubmitOrderRequest struct {
	ApiKey        string `json:"api_key"`
	CorrelationID string `json:"correlation_id"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Quantity      string `json:"quantity"`
	LimitPrice    string `json:"limit_price,omitempty"`
	StopPrice     string `json:"stop_price,omitempty"`
	TimeInForce   string `json:"time_in_force,omitempty"`
	Account       string `json:"account,omitempty"`
	Source        string `json:"source,omitempty"`
}

type OrderResponse struct {
	CorrelationID  string  `json:"correlation_id"`
	BrokerOrderID  *string `json:"broker_order_id,omitempty"`
	Symbol         string  `json:"symbol"`
	Side           string  `json:"side"`
	Type           string  `json:"type"`
	Quantity       string  `json:"quantity"`
	FilledQuantity string  `json:"filled_quantity"`
	AvgFillPrice   *string `json:"avg_fill_price,omitempty"`
	Status         string  `json:"status"`
	LimitPrice     *string `json:"limit_price,omitempty"`
	StopPrice      *string `json:"stop_price,omitempty"`
	TimeInForce    string  `json:"time_in_force,omitempty"`
	Account        *string `json:"account,omitempty"`
	SubmittedAt    int64   `json:"submitted_at"`
	UpdatedAt      int64   `json:"updated_at"`
}

type CancelOrderRequest struct {
	ApiKey        string `json:"api_key"`
	CorrelationID string `json:"correlation_id"`
}

type CancelOrderResponse struct {
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"`
}

type PositionResponse struct {
	Symbol        string `json:"symbol"`
	Quantity      string `json:"quantity"`
	AverageCost   string `json:"average_cost"`
	MarketValue   string `json:"market_value"`
	UnrealizedPnl string `json:"unrealized_pnl"`
	Timestamp     int64  `json:"timestamp"`
}

type AuditEventResponse struct {
	ID            string          `json:"id"`
	CorrelationID string          `json:"correlation_id"`
	BrokerOrderID *string         `json:"broker_order_id,omitempty"`
	EventType     string          `json:"event_type"`
	PriorStatus   *string         `json:"prior_status,omitempty"`
	NewStatus     *string         `json:"new_status,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Source        string          `json:"source"`
	CreatedAt     int64           `json:"created_at"`
}

type Handler struct {
	executionCoordinator *coordinator.Coordinator
}

func NewExecutionHTTPHandler(executionCoordinator *coordinator.Coordinator) *Handler {
	return &Handler{executionCoordinator: executionCoordinator}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/execution/v1/orders", h.Orders)
	mux.HandleFunc("/execution/v1/orders/status", h.OrderStatus)
	mux.HandleFunc("/execution/v1/orders/cancel", h.CancelOrder)
	mux.HandleFunc("/execution/v1/orders/audit", h.OrderAudit)
	mux.HandleFunc("/execution/v1/positions", h.Positions)
}

func (h *Handler) Orders(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.submitOrder(w, r)
	case http.MethodGet:
		h.listOrders(w, r)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
	}
}

func (h *Handler) submitOrder(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json body"})
		return
	}

	if err := validateAPIKey(resolveAPIKey(r, req.ApiKey)); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": err.Error()})
		return
	}

	if strings.TrimSpace(req.Symbol) == "" || strings.TrimSpace(req.Side) == "" || strings.TrimSpace(req.Type) == "" || strings.TrimSpace(req.Quantity) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missing required fields"})
		return
	}

	orderReq, err := mapHTTPRequestToOrderRequest(&req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	order, err := h.executionCoordinator.SubmitOrder(r.Context(), orderReq)
	if err != nil {
		var validation *coordinator.ValidationError
		switch {
		case errors.As(err, &validation):
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": validation.Error()})
		case errors.Is(err, coordinator.ErrDuplicateOrder):
			writeJSON(w, http.StatusConflict, map[string]any{"error": "duplicate correlation id"})
		case isRiskViolation(err):
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": err.Error()})
		default:
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal server error"})
		}
		return
	}

	writeJSON(w, statusCodeForOrder(order), mapOrderToHTTPResponse(order))
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	if err := validateAPIKey(resolveAPIKey(r, "")); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": err.Error()})
		return
	}

	var orders []entity.Order
	if r.URL.Query().Get("scope") == "all" {
		orders = h.executionCoordinator.GetOrders()
	} else {
		orders = h.executionCoordinator.GetOpenOrders()
	}

	resp := make([]*OrderResponse, 0, len(orders))
	for _, order := range orders {
		resp = append(resp, mapOrderToHTTPResponse(order))
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) OrderStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	if err := validateAPIKey(resolveAPIKey(r, "")); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": err.Error()})
		return
	}

	correlationID := strings.TrimSpace(r.URL.Query().Get("correlation_id"))
	if correlationID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "correlation_id is required"})
		return
	}

	order, err := h.executionCoordinator.GetOrderStatus(correlationID)
	if err != nil {
		if errors.Is(err, coordinator.ErrOrderNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "order not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal server error"})
		return
	}

	writeJSON(w, http.StatusOK, mapOrderToHTTPResponse(order))
}

func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	defer r.Body.Close()

	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json body"})
		return
	}

	if err := validateAPIKey(resolveAPIKey(r, req.ApiKey)); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": err.Error()})
		return
	}

	correlationID := strings.TrimSpace(req.CorrelationID)
	if correlationID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "correlation_id is required"})
		return
	}

	if err := h.executionCoordinator.CancelOrder(r.Context(), correlationID); err != nil {
		switch {
		case errors.Is(err, coordinator.ErrOrderNotFound):
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "order not found"})
		case errors.Is(err, coordinator.ErrCancelUnresolved):
			writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
		default:
			writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error()})
		}
		return
	}

	writeJSON(w, http.StatusAccepted, CancelOrderResponse{
		CorrelationID: correlationID,
		Status:        "cancel_requested",
	})
}

func (h *Handler) OrderAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	if err := validateAPIKey(resolveAPIKey(r, "")); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": err.Error()})
		return
	}

	correlationID := strings.TrimSpace(r.URL.Query().Get("correlation_id"))
	if correlationID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "correlation_id is required"})
		return
	}

	events, err := h.executionCoordinator.GetOrderAudit(r.Context(), correlationID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal server error"})
		return
	}

	resp := make([]*AuditEventResponse, 0, len(events))
	for _, event := range events {
		resp = append(resp, mapAuditEventToHTTPResponse(event))
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Positions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	if err := validateAPIKey(resolveAPIKey(r, "")); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": err.Error()})
		return
	}

	positions, err := h.executionCoordinator.GetPositions(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error()})
		return
	}

	resp := make([]*PositionResponse, 0, len(positions))
	for _, position := range positions {
		resp = append(resp, &PositionResponse{
			Symbol:        position.Symbol,
			Quantity:      position.Quantity.String(),
			AverageCost:   position.AverageCost.String(),
			MarketValue:   position.MarketValue.String(),
			UnrealizedPnl: position.UnrealizedPnl.String(),
			Timestamp:     position.Timestamp.UnixMilli(),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// statusCodeForOrder maps the submission outcome onto the response code:
// broker-rejected intents are 422, unresolved submissions are 202.
func statusCodeForOrder(order entity.Order) int {
	switch order.Status {
	case entity.OrderStatusRejected:
		return http.StatusUnprocessableEntity
	case entity.OrderStatusUnknown:
		return http.StatusAccepted
	default:
		return http.StatusOK
	}
}

func isRiskViolation(err error) bool {
	var violation *riskgate.Violation
	return errors.As(err, &violation)
}

func mapHTTPRequestToOrderRequest(req *SubmitOrderRequest) (entity.OrderRequest, error) {
	quantity, err := decimal.NewFromString(req.Quantity)
	if err != nil {
		return entity.OrderRequest{}, errors.New("invalid quantity")
	}

	orderReq := entity.OrderRequest{
		CorrelationID: strings.TrimSpace(req.CorrelationID),
		Symbol:        strings.ToUpper(strings.TrimSpace(req.Symbol)),
		Quantity:      quantity,
		Side:          entity.OrderSide(strings.ToUpper(req.Side)),
		Type:          entity.OrderType(strings.ToUpper(req.Type)),
		TimeInForce:   entity.TimeInForce(strings.ToUpper(req.TimeInForce)),
		Account:       strings.TrimSpace(req.Account),
		Source:        strings.TrimSpace(req.Source),
	}

	if strings.TrimSpace(req.LimitPrice) != "" {
		limitPrice, err := decimal.NewFromString(req.LimitPrice)
		if err != nil {
			return entity.OrderRequest{}, errors.New("invalid limit price")
		}
		orderReq.LimitPrice = &limitPrice
	}

	if strings.TrimSpace(req.StopPrice) != "" {
		stopPrice, err := decimal.NewFromString(req.StopPrice)
		if err != nil {
			return entity.OrderRequest{}, errors.New("invalid stop price")
		}
		orderReq.StopPrice = &stopPrice
	}

	return orderReq, nil
}

func mapOrderToHTTPResponse(order entity.Order) *OrderResponse {
	var avgFillPrice *string
	if order.AvgFillPrice != nil {
		v := order.AvgFillPrice.String()
		avgFillPrice = &v
	}

	var limitPrice *string
	if order.LimitPrice != nil {
		v := order.LimitPrice.String()
		limitPrice = &v
	}

	var stopPrice *string
	if order.StopPrice != nil {
		v := order.StopPrice.String()
		stopPrice = &v
	}

	return &OrderResponse{
		CorrelationID:  order.CorrelationID,
		BrokerOrderID:  null.NewString(order.BrokerOrderID, order.BrokerOrderID != "").Ptr(),
		Symbol:         order.Symbol,
		Side:           string(order.Side),
		Type:           string(order.Type),
		Quantity:       order.Quantity.String(),
		FilledQuantity: order.FilledQuantity.String(),
		AvgFillPrice:   avgFillPrice,
		Status:         string(order.Status),
		LimitPrice:     limitPrice,
		StopPrice:      stopPrice,
		TimeInForce:    string(order.TimeInForce),
		Account:        null.NewString(order.Account, order.Account != "").Ptr(),
		SubmittedAt:    order.SubmittedAt.UnixMilli(),
		UpdatedAt:      order.UpdatedAt.UnixMilli(),
	}
}

func mapAuditEventToHTTPResponse(event entity.AuditEvent) *AuditEventResponse {
	return &AuditEventResponse{
		ID:            event.ID,
		CorrelationID: event.CorrelationID,
		BrokerOrderID: null.NewString(event.BrokerOrderID, event.BrokerOrderID != "").Ptr(),
		EventType:     string(event.EventType),
		PriorStatus:   null.NewString(event.PriorStatus, event.PriorStatus != "").Ptr(),
		NewStatus:     null.NewString(event.NewStatus, event.NewStatus != "").Ptr(),
		Payload:       json.RawMessage(event.Payload),
		Source:        string(event.Source),
		CreatedAt:     event.CreatedAt.UnixMilli(),
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func resolveAPIKey(r *http.Request, bodyKey string) string {
	if headerKey := strings.TrimSpace(r.Header.Get("X-API-Key")); headerKey != "" {
		return headerKey
	}

	return strings.TrimSpace(bodyKey)
}

func validateAPIKey(rawAPIKey string) error {
	apiKey := strings.TrimSpace(rawAPIKey)
	if apiKey == "" {
		return errAPIKeyMissing
	}

	if config.Env == nil || len(config.Env.APIKeys) == 0 {
		return errAPIKeyInvalid
	}

	for _, candidate := range config.Env.APIKeys {
		storedKey := strings.TrimSpace(candidate.Key)
		if storedKey == "" {
			continue
		}

		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(storedKey)) != 1 {
			continue
		}

		if !candidate.Active {
			return errAPIKeyInactive
		}

		return nil
	}

	return errAPIKeyInvalid
}
