package payment

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"rental-service/internal/apperr"
	"rental-service/internal/models"
)

// ProviderID identifies a payment backend.
type ProviderID string

const (
	ProviderAlipay ProviderID = "alipay"
	ProviderWechat ProviderID = "wechat"
	ProviderMock   ProviderID = "mock"
)

// OrderInfo is what a provider needs to open a payment.
type OrderInfo struct {
	PaymentID   string
	OrderID     string
	UserID      string
	Amount      int64
	Title       string
	Description string
	ReturnURL   string
}

// PaymentResult tells the payer where to pay.
type PaymentResult struct {
	PaymentID  string `json:"payment_id"`
	Provider   string `json:"provider"`
	PaymentURL string `json:"payment_url,omitempty"`
	QRCode     string `json:"qr_code,omitempty"`
}

// QueryResult is the provider's view of a payment.
type QueryResult struct {
	PaymentID  string
	TradeNo    string
	Status     models.PaymentStatus
	PaidAmount int64
}

// RefundInfo describes a refund against a settled payment.
type RefundInfo struct {
	PaymentID   string
	TradeNo     string
	RefundID    string
	Amount      int64
	TotalAmount int64
	Reason      string
}

// RefundResult reports the accepted refund. Completed is false while the
// provider is still processing it.
type RefundResult struct {
	RefundID     string `json:"refund_id"`
	RefundAmount int64  `json:"refund_amount"`
	Completed    bool   `json:"completed"`
}

// RawCallback is an inbound notification exactly as received.
type RawCallback struct {
	Headers http.Header `json:"headers"`
	Body    []byte      `json:"body"`
}

// Callback is a verified notification in provider-neutral form.
type Callback struct {
	Provider  ProviderID           `json:"provider"`
	PaymentID string               `json:"payment_id"`
	OrderID   string               `json:"order_id,omitempty"`
	TradeNo   string               `json:"trade_no"`
	Amount    int64                `json:"amount"`
	Status    models.PaymentStatus `json:"status"`
	Timestamp time.Time            `json:"timestamp"`
}

// Ack is the response a provider expects after delivering a callback.
type Ack struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// Provider is implemented by every payment backend.
type Provider interface {
	Name() ProviderID
	IsConfigured() bool
	CreatePayment(ctx context.Context, info OrderInfo) (*PaymentResult, error)
	QueryPayment(ctx context.Context, paymentID string) (*QueryResult, error)
	Refund(ctx context.Context, info RefundInfo) (*RefundResult, error)
	// VerifyCallback returns an INVALID_SIGNATURE error when the payload
	// was not issued by this provider.
	VerifyCallback(ctx context.Context, raw RawCallback) (*Callback, error)
	Acknowledge(ok bool) Ack
}

// Timeouts bound every outbound provider call.
type Timeouts struct {
	Connect time.Duration
	Read    time.Duration
}

func (t Timeouts) withDefaults() Timeouts {
	if t.Connect <= 0 {
		t.Connect = 3 * time.Second
	}
	if t.Read <= 0 {
		t.Read = 10 * time.Second
	}
	return t
}

// HTTPClient builds the client handed to gateway SDKs.
func (t Timeouts) HTTPClient() *http.Client {
	t = t.withDefaults()
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: t.Connect, KeepAlive: 30 * time.Second}).DialContext
	transport.TLSHandshakeTimeout = t.Connect
	transport.ResponseHeaderTimeout = t.Read
	return &http.Client{
		Transport: transport,
		Timeout:   t.Connect + t.Read,
	}
}

// callContext bounds one provider round trip.
func (t Timeouts) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	t = t.withDefaults()
	return context.WithTimeout(ctx, t.Connect+t.Read)
}

// classify turns a provider call failure into PROVIDER_UNAVAILABLE when it
// timed out or could not connect, and PROVIDER_ERROR otherwise.
func classify(provider ProviderID, op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return apperr.Wrap(apperr.ErrProviderUnavailable, err, "%s %s timed out", provider, op)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return apperr.Wrap(apperr.ErrProviderUnavailable, err, "%s %s unreachable", provider, op)
	}
	return apperr.Wrap(apperr.ErrProvider, err, "%s %s failed", provider, op)
}

func invalidSignature(provider ProviderID, err error) error {
	return apperr.Wrap(apperr.ErrInvalidSignature, err, "%s callback verification failed", provider)
}
