package payment

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"rental-service/config"
	"rental-service/internal/apperr"
	"rental-service/internal/models"

	"github.com/smartwalle/alipay/v3"
)

const alipayTradeNotExist = "ACQ.TRADE_NOT_EXIST"

// AlipayProvider pays through the alipay open platform page-pay flow.
type AlipayProvider struct {
	client    *alipay.Client
	notifyURL string
	returnURL string
	timeouts  Timeouts
}

// NewAlipayProvider returns an unconfigured provider when credentials are missing.
func NewAlipayProvider(cfg config.AlipayConfig, timeouts Timeouts) (*AlipayProvider, error) {
	p := &AlipayProvider{
		notifyURL: cfg.NotifyURL,
		returnURL: cfg.ReturnURL,
		timeouts:  timeouts,
	}
	if cfg.AppID == "" || cfg.PrivateKey == "" || cfg.PublicKey == "" {
		return p, nil
	}

	client, err := alipay.New(cfg.AppID, cfg.PrivateKey, cfg.IsProduction, alipay.WithHTTPClient(timeouts.HTTPClient()))
	if err != nil {
		return p, fmt.Errorf("create alipay client error: %w", err)
	}
	if err := client.LoadAliPayPublicKey(cfg.PublicKey); err != nil {
		return p, fmt.Errorf("load alipay public key error: %w", err)
	}
	p.client = client
	return p, nil
}

func (p *AlipayProvider) Name() ProviderID { return ProviderAlipay }

func (p *AlipayProvider) IsConfigured() bool { return p.client != nil }

func (p *AlipayProvider) CreatePayment(ctx context.Context, info OrderInfo) (*PaymentResult, error) {
	if !p.IsConfigured() {
		return nil, apperr.ErrProviderNotConfigured
	}

	trade := alipay.TradePagePay{}
	trade.NotifyURL = p.notifyURL
	trade.ReturnURL = p.returnURL
	if info.ReturnURL != "" {
		trade.ReturnURL = info.ReturnURL
	}
	trade.Subject = info.Title
	trade.OutTradeNo = info.PaymentID
	trade.TotalAmount = FormatYuan(info.Amount)
	trade.ProductCode = "FAST_INSTANT_TRADE_PAY"

	// page pay only signs a redirect URL locally
	payURL, err := p.client.TradePagePay(trade)
	if err != nil {
		return nil, classify(ProviderAlipay, "create", err)
	}
	return &PaymentResult{
		PaymentID:  info.PaymentID,
		Provider:   string(ProviderAlipay),
		PaymentURL: payURL.String(),
	}, nil
}

func (p *AlipayProvider) QueryPayment(ctx context.Context, paymentID string) (*QueryResult, error) {
	if !p.IsConfigured() {
		return nil, apperr.ErrProviderNotConfigured
	}
	ctx, cancel := p.timeouts.callContext(ctx)
	defer cancel()

	rsp, err := p.client.TradeQuery(ctx, alipay.TradeQuery{OutTradeNo: paymentID})
	if err != nil {
		return nil, classify(ProviderAlipay, "query", err)
	}
	if rsp.IsFailure() {
		if rsp.SubCode == alipayTradeNotExist {
			return &QueryResult{PaymentID: paymentID, Status: models.PaymentPending}, nil
		}
		return nil, apperr.New(apperr.ErrProvider, "alipay query failed: %s %s", rsp.SubCode, rsp.SubMsg)
	}

	res := &QueryResult{
		PaymentID: paymentID,
		TradeNo:   rsp.TradeNo,
		Status:    alipayStatus(rsp.TradeStatus),
	}
	if res.Status == models.PaymentSuccess {
		if res.PaidAmount, err = ParseYuan(rsp.TotalAmount); err != nil {
			return nil, apperr.Wrap(apperr.ErrProvider, err, "alipay returned malformed amount")
		}
	}
	return res, nil
}

func (p *AlipayProvider) Refund(ctx context.Context, info RefundInfo) (*RefundResult, error) {
	if !p.IsConfigured() {
		return nil, apperr.ErrProviderNotConfigured
	}
	ctx, cancel := p.timeouts.callContext(ctx)
	defer cancel()

	rsp, err := p.client.TradeRefund(ctx, alipay.TradeRefund{
		OutTradeNo:   info.PaymentID,
		RefundAmount: FormatYuan(info.Amount),
		RefundReason: info.Reason,
		OutRequestNo: info.RefundID,
	})
	if err != nil {
		return nil, classify(ProviderAlipay, "refund", err)
	}
	if rsp.IsFailure() {
		return nil, apperr.New(apperr.ErrProvider, "alipay refund rejected: %s %s", rsp.SubCode, rsp.SubMsg)
	}
	return &RefundResult{
		RefundID:     info.RefundID,
		RefundAmount: info.Amount,
		Completed:    rsp.FundChange == "Y",
	}, nil
}

// VerifyCallback checks the RSA2 signature of a form-encoded async notification.
func (p *AlipayProvider) VerifyCallback(ctx context.Context, raw RawCallback) (*Callback, error) {
	if !p.IsConfigured() {
		return nil, apperr.ErrProviderNotConfigured
	}
	values, err := url.ParseQuery(string(raw.Body))
	if err != nil {
		return nil, invalidSignature(ProviderAlipay, err)
	}
	n, err := p.client.DecodeNotification(values)
	if err != nil {
		return nil, invalidSignature(ProviderAlipay, err)
	}

	amount, err := ParseYuan(n.TotalAmount)
	if err != nil {
		return nil, apperr.Validation("alipay notification carries malformed amount %q", n.TotalAmount)
	}
	ts := time.Now().UTC()
	if n.GmtPayment != "" {
		if parsed, err := time.ParseInLocation("2006-01-02 15:04:05", n.GmtPayment, chinaTime); err == nil {
			ts = parsed.UTC()
		}
	}
	return &Callback{
		Provider:  ProviderAlipay,
		PaymentID: n.OutTradeNo,
		TradeNo:   n.TradeNo,
		Amount:    amount,
		Status:    alipayStatus(n.TradeStatus),
		Timestamp: ts,
	}, nil
}

func (p *AlipayProvider) Acknowledge(ok bool) Ack {
	if ok {
		return Ack{StatusCode: http.StatusOK, ContentType: "text/plain", Body: []byte("success")}
	}
	return Ack{StatusCode: http.StatusInternalServerError, ContentType: "text/plain", Body: []byte("fail")}
}

var chinaTime = time.FixedZone("CST", 8*3600)

func alipayStatus(s alipay.TradeStatus) models.PaymentStatus {
	switch s {
	case alipay.TradeStatusSuccess, alipay.TradeStatusFinished:
		return models.PaymentSuccess
	case alipay.TradeStatusClosed:
		return models.PaymentFailed
	default:
		return models.PaymentPending
	}
}
