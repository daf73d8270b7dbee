package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/quantarc/execd/internal/broker"
	"github.com/quantarc/execd/internal/config"
	"github.com/quantarc/execd/internal/connection"
	"github.com/quantarc/execd/internal/coordinator"
	"github.com/quantarc/execd/internal/positions"
	"github.com/quantarc/execd/internal/repository"
	"github.com/quantarc/execd/internal/riskgate"
	"github.com/quantarc/execd/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAPIKey = "test-key"

func newTestMux(t *testing.T) *http.ServeMux {
	t.Helper()

	config.Env = &config.EnvConfig{
		APIKeys: []config.APIKeyConfig{
			{Name: "test", Key: testAPIKey, Active: true},
			{Name: "revoked", Key: "revoked-key", Active: false},
		},
	}
	t.Cleanup(func() { config.Env = nil })

	brokerCfg := config.BrokerConfig{
		Name:                 "paper",
		Paper:                true,
		ConnectTimeout:       time.Second,
		AckWindow:            time.Second,
		MaxReconnectAttempts: 1,
	}

	trail := repository.NewMemoryAuditTrail()
	orderStore := store.New(trail)
	book := positions.NewBook()
	gate := riskgate.New(config.RiskConfig{MaxOrderQuantity: decimal.NewFromInt(1000)}, book.Exposure)

	supervisor := connection.NewSupervisor(&broker.PaperDialer{}, brokerCfg, nil)
	require.NoError(t, supervisor.Connect(context.Background()))
	t.Cleanup(func() { _ = supervisor.Close() })

	subscribers := coordinator.NewSubscribers()
	executionCoordinator := coordinator.New(orderStore, gate, supervisor, trail, book, positions.NopCache{}, nil, subscribers, brokerCfg)

	mux := http.NewServeMux()
	NewExecutionHTTPHandler(executionCoordinator).Register(mux)

	return mux
}

func doRequest(mux *http.ServeMux, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	req.Header.Set("X-API-Key", testAPIKey)

	recorder := httptest.NewRecorder()
	mux.ServeHTTP(recorder, req)

	return recorder
}

func TestSubmitOrderEndpoint(t *testing.T) {
	mux := newTestMux(t)

	recorder := doRequest(mux, http.MethodPost, "/execution/v1/orders",
		`{"correlation_id":"ord-1","symbol":"aapl","side":"buy","type":"market","quantity":"100"}`)
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())

	var resp OrderResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	assert.Equal(t, "ord-1", resp.CorrelationID)
	assert.Equal(t, "AAPL", resp.Symbol)
	assert.Equal(t, "SUBMITTED", resp.Status)
	require.NotNil(t, resp.BrokerOrderID)
}

func TestSubmitOrderEndpointRejectsMissingAPIKey(t *testing.T) {
	mux := newTestMux(t)

	req := httptest.NewRequest(http.MethodPost, "/execution/v1/orders",
		strings.NewReader(`{"correlation_id":"ord-1","symbol":"AAPL","side":"BUY","type":"MARKET","quantity":"100"}`))
	recorder := httptest.NewRecorder()
	mux.ServeHTTP(recorder, req)

	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestSubmitOrderEndpointRiskRejection(t *testing.T) {
	mux := newTestMux(t)

	recorder := doRequest(mux, http.MethodPost, "/execution/v1/orders",
		`{"correlation_id":"ord-1","symbol":"AAPL","side":"BUY","type":"MARKET","quantity":"100000"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, recorder.Code)
}

func TestSubmitOrderEndpointValidation(t *testing.T) {
	mux := newTestMux(t)

	recorder := doRequest(mux, http.MethodPost, "/execution/v1/orders",
		`{"correlation_id":"ord-1","symbol":"AAPL","side":"BUY","type":"LIMIT","quantity":"100"}`)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)

	recorder = doRequest(mux, http.MethodPost, "/execution/v1/orders",
		`{"symbol":"AAPL","side":"BUY","type":"MARKET"}`)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestSubmitOrderEndpointDuplicate(t *testing.T) {
	mux := newTestMux(t)

	body := `{"correlation_id":"ord-1","symbol":"AAPL","side":"BUY","type":"MARKET","quantity":"100"}`
	recorder := doRequest(mux, http.MethodPost, "/execution/v1/orders", body)
	require.Equal(t, http.StatusOK, recorder.Code)

	recorder = doRequest(mux, http.MethodPost, "/execution/v1/orders", body)
	assert.Equal(t, http.StatusConflict, recorder.Code)
}

func TestOrderStatusEndpoint(t *testing.T) {
	mux := newTestMux(t)

	doRequest(mux, http.MethodPost, "/execution/v1/orders",
		`{"correlation_id":"ord-1","symbol":"AAPL","side":"BUY","type":"MARKET","quantity":"100"}`)

	recorder := doRequest(mux, http.MethodGet, "/execution/v1/orders/status?correlation_id=ord-1", "")
	require.Equal(t, http.StatusOK, recorder.Code)

	var resp OrderResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	assert.Equal(t, "SUBMITTED", resp.Status)

	recorder = doRequest(mux, http.MethodGet, "/execution/v1/orders/status?correlation_id=missing", "")
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestCancelOrderEndpoint(t *testing.T) {
	mux := newTestMux(t)

	doRequest(mux, http.MethodPost, "/execution/v1/orders",
		`{"correlation_id":"ord-1","symbol":"AAPL","side":"BUY","type":"MARKET","quantity":"100"}`)

	recorder := doRequest(mux, http.MethodPost, "/execution/v1/orders/cancel",
		`{"correlation_id":"ord-1"}`)
	assert.Equal(t, http.StatusAccepted, recorder.Code)

	recorder = doRequest(mux, http.MethodPost, "/execution/v1/orders/cancel",
		`{"correlation_id":"missing"}`)
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestOrderAuditEndpoint(t *testing.T) {
	mux := newTestMux(t)

	doRequest(mux, http.MethodPost, "/execution/v1/orders",
		`{"correlation_id":"ord-1","symbol":"AAPL","side":"BUY","type":"MARKET","quantity":"100"}`)

	recorder := doRequest(mux, http.MethodGet, "/execution/v1/orders/audit?correlation_id=ord-1", "")
	require.Equal(t, http.StatusOK, recorder.Code)

	var resp []AuditEventResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	require.Len(t, resp, 2)
	assert.Equal(t, "ORDER_ACCEPTED", resp[0].EventType)
	assert.Equal(t, "ORDER_SUBMITTED", resp[1].EventType)
}

func TestListOrdersEndpoint(t *testing.T) {
	mux := newTestMux(t)

	doRequest(mux, http.MethodPost, "/execution/v1/orders",
		`{"correlation_id":"ord-1","symbol":"AAPL","side":"BUY","type":"MARKET","quantity":"100"}`)

	recorder := doRequest(mux, http.MethodGet, "/execution/v1/orders", "")
	require.Equal(t, http.StatusOK, recorder.Code)

	var resp []OrderResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	assert.Len(t, resp, 1)
}

func TestValidateAPIKey(t *testing.T) {
	config.Env = &config.EnvConfig{
		APIKeys: []config.APIKeyConfig{
			{Name: "test", Key: testAPIKey, Active: true},
			{Name: "revoked", Key: "revoked-key", Active: false},
		},
	}
	t.Cleanup(func() { config.Env = nil })

	assert.NoError(t, validateAPIKey(testAPIKey))
	assert.ErrorIs(t, validateAPIKey(""), errAPIKeyMissing)
	assert.ErrorIs(t, validateAPIKey("wrong"), errAPIKeyInvalid)
	assert.ErrorIs(t, validateAPIKey("revoked-key"), errAPIKeyInactive)
}
