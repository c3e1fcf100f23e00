package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"rental-service/internal/apperr"
	"rental-service/internal/models"

	"github.com/google/uuid"
)

// MockSignatureHeader carries the hex HMAC-SHA256 of a mock callback body.
const MockSignatureHeader = "X-Mock-Signature"

// MockOp names a mock operation that can be made to fail.
type MockOp string

const (
	MockOpCreate MockOp = "create"
	MockOpQuery  MockOp = "query"
	MockOpRefund MockOp = "refund"
)

type mockTrade struct {
	orderID string
	amount  int64
	status  models.PaymentStatus
	tradeNo string
}

// MockProvider settles payments in memory and signs its callbacks with a shared secret.
type MockProvider struct {
	secret []byte
	now    func() time.Time

	mu       sync.Mutex
	trades   map[string]*mockTrade
	failures map[MockOp]error
}

// NewMockProvider creates the always-configured mock backend.
func NewMockProvider(secret string) *MockProvider {
	return &MockProvider{
		secret:   []byte(secret),
		now:      time.Now,
		trades:   make(map[string]*mockTrade),
		failures: make(map[MockOp]error),
	}
}

func (m *MockProvider) Name() ProviderID { return ProviderMock }

func (m *MockProvider) IsConfigured() bool { return true }

// FailNext makes the next call of op return err.
func (m *MockProvider) FailNext(op MockOp, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = err
}

func (m *MockProvider) takeFailure(op MockOp) error {
	err, ok := m.failures[op]
	if !ok {
		return nil
	}
	delete(m.failures, op)
	return classify(ProviderMock, string(op), err)
}

func (m *MockProvider) CreatePayment(ctx context.Context, info OrderInfo) (*PaymentResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(MockOpCreate); err != nil {
		return nil, err
	}
	m.trades[info.PaymentID] = &mockTrade{
		orderID: info.OrderID,
		amount:  info.Amount,
		status:  models.PaymentPending,
	}
	return &PaymentResult{
		PaymentID:  info.PaymentID,
		Provider:   string(ProviderMock),
		PaymentURL: "https://mock-pay.local/pay/" + info.PaymentID,
		QRCode:     "mock://pay/" + info.PaymentID,
	}, nil
}

func (m *MockProvider) QueryPayment(ctx context.Context, paymentID string) (*QueryResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(MockOpQuery); err != nil {
		return nil, err
	}
	trade, ok := m.trades[paymentID]
	if !ok {
		return &QueryResult{PaymentID: paymentID, Status: models.PaymentPending}, nil
	}
	res := &QueryResult{PaymentID: paymentID, TradeNo: trade.tradeNo, Status: trade.status}
	if trade.status == models.PaymentSuccess {
		res.PaidAmount = trade.amount
	}
	return res, nil
}

func (m *MockProvider) Refund(ctx context.Context, info RefundInfo) (*RefundResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(MockOpRefund); err != nil {
		return nil, err
	}
	refundID := info.RefundID
	if refundID == "" {
		refundID = uuid.NewString()
	}
	if trade, ok := m.trades[info.PaymentID]; ok {
		trade.status = models.PaymentRefunded
	}
	return &RefundResult{RefundID: refundID, RefundAmount: info.Amount, Completed: true}, nil
}

// MockTradeNo is the deterministic trade number the mock assigns to a payment.
func MockTradeNo(paymentID string) string {
	return "MOCK" + strings.ToUpper(strings.ReplaceAll(paymentID, "-", ""))
}

// SimulateCallback produces a signed callback reporting status for a payment,
// as the mock gateway would deliver it.
func (m *MockProvider) SimulateCallback(paymentID, orderID string, amount int64, status models.PaymentStatus) (RawCallback, error) {
	cb := Callback{
		Provider:  ProviderMock,
		PaymentID: paymentID,
		OrderID:   orderID,
		TradeNo:   MockTradeNo(paymentID),
		Amount:    amount,
		Status:    status,
		Timestamp: m.now().UTC().Truncate(time.Second),
	}
	body, err := json.Marshal(cb)
	if err != nil {
		return RawCallback{}, err
	}

	m.mu.Lock()
	trade, ok := m.trades[paymentID]
	if !ok {
		trade = &mockTrade{orderID: orderID, amount: amount}
		m.trades[paymentID] = trade
	}
	trade.status = status
	trade.tradeNo = cb.TradeNo
	m.mu.Unlock()

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set(MockSignatureHeader, m.sign(body))
	return RawCallback{Headers: headers, Body: body}, nil
}

func (m *MockProvider) sign(body []byte) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (m *MockProvider) VerifyCallback(ctx context.Context, raw RawCallback) (*Callback, error) {
	got, err := hex.DecodeString(raw.Headers.Get(MockSignatureHeader))
	if err != nil || len(got) == 0 {
		return nil, invalidSignature(ProviderMock, err)
	}
	want, _ := hex.DecodeString(m.sign(raw.Body))
	if !hmac.Equal(got, want) {
		return nil, invalidSignature(ProviderMock, nil)
	}

	var cb Callback
	if err := json.Unmarshal(raw.Body, &cb); err != nil {
		return nil, apperr.Validation("malformed mock callback: %v", err)
	}
	cb.Provider = ProviderMock
	return &cb, nil
}

func (m *MockProvider) Acknowledge(ok bool) Ack {
	if ok {
		return Ack{StatusCode: http.StatusOK, ContentType: "application/json", Body: []byte(`{"code":"SUCCESS","message":"OK"}`)}
	}
	return Ack{StatusCode: http.StatusInternalServerError, ContentType: "application/json", Body: []byte(`{"code":"FAIL","message":"retry later"}`)}
}
