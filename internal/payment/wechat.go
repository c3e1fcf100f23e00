package payment

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"rental-service/config"
	"rental-service/internal/apperr"
	"rental-service/internal/models"

	"github.com/wechatpay-apiv3/wechatpay-go/core"
	"github.com/wechatpay-apiv3/wechatpay-go/core/auth/verifiers"
	"github.com/wechatpay-apiv3/wechatpay-go/core/downloader"
	"github.com/wechatpay-apiv3/wechatpay-go/core/notify"
	"github.com/wechatpay-apiv3/wechatpay-go/core/option"
	"github.com/wechatpay-apiv3/wechatpay-go/services/payments"
	"github.com/wechatpay-apiv3/wechatpay-go/services/payments/native"
	"github.com/wechatpay-apiv3/wechatpay-go/services/refunddomestic"
	"github.com/wechatpay-apiv3/wechatpay-go/utils"
)

const wechatOrderNotExist = "ORDER_NOT_EXIST"

// WechatProvider pays through WeChat Pay API v3 native (QR code) orders.
type WechatProvider struct {
	client    *core.Client
	handler   *notify.Handler
	appID     string
	mchID     string
	notifyURL string
	timeouts  Timeouts
}

// NewWechatProvider returns an unconfigured provider when credentials are missing.
func NewWechatProvider(ctx context.Context, cfg config.WechatConfig, timeouts Timeouts) (*WechatProvider, error) {
	p := &WechatProvider{
		appID:     cfg.AppID,
		mchID:     cfg.MchID,
		notifyURL: cfg.NotifyURL,
		timeouts:  timeouts,
	}
	if cfg.AppID == "" || cfg.MchID == "" || cfg.SerialNo == "" || cfg.PrivateKey == "" || cfg.APIv3Key == "" {
		return p, nil
	}

	mchPrivateKey, err := utils.LoadPrivateKey(cfg.PrivateKey)
	if err != nil {
		return p, fmt.Errorf("load merchant private key error: %w", err)
	}

	// auto auth cipher registers the platform certificate downloader used below
	client, err := core.NewClient(ctx,
		option.WithWechatPayAutoAuthCipher(cfg.MchID, cfg.SerialNo, mchPrivateKey, cfg.APIv3Key),
		option.WithHTTPClient(timeouts.HTTPClient()),
	)
	if err != nil {
		return p, fmt.Errorf("create wechat pay client error: %w", err)
	}

	visitor := downloader.MgrInstance().GetCertificateVisitor(cfg.MchID)
	handler, err := notify.NewRSANotifyHandler(cfg.APIv3Key, verifiers.NewSHA256WithRSAVerifier(visitor))
	if err != nil {
		return p, fmt.Errorf("create wechat notify handler error: %w", err)
	}

	p.client = client
	p.handler = handler
	return p, nil
}

func (p *WechatProvider) Name() ProviderID { return ProviderWechat }

func (p *WechatProvider) IsConfigured() bool { return p.client != nil && p.handler != nil }

func (p *WechatProvider) CreatePayment(ctx context.Context, info OrderInfo) (*PaymentResult, error) {
	if !p.IsConfigured() {
		return nil, apperr.ErrProviderNotConfigured
	}
	ctx, cancel := p.timeouts.callContext(ctx)
	defer cancel()

	svc := native.NativeApiService{Client: p.client}
	resp, _, err := svc.Prepay(ctx, native.PrepayRequest{
		Appid:       core.String(p.appID),
		Mchid:       core.String(p.mchID),
		Description: core.String(info.Title),
		OutTradeNo:  core.String(info.PaymentID),
		Attach:      core.String(info.OrderID),
		NotifyUrl:   core.String(p.notifyURL),
		Amount: &native.Amount{
			Total:    core.Int64(info.Amount),
			Currency: core.String("CNY"),
		},
	})
	if err != nil {
		return nil, classify(ProviderWechat, "create", err)
	}
	if resp == nil || resp.CodeUrl == nil {
		return nil, apperr.New(apperr.ErrProvider, "wechat prepay returned no code url")
	}
	return &PaymentResult{
		PaymentID: info.PaymentID,
		Provider:  string(ProviderWechat),
		QRCode:    *resp.CodeUrl,
	}, nil
}

func (p *WechatProvider) QueryPayment(ctx context.Context, paymentID string) (*QueryResult, error) {
	if !p.IsConfigured() {
		return nil, apperr.ErrProviderNotConfigured
	}
	ctx, cancel := p.timeouts.callContext(ctx)
	defer cancel()

	svc := native.NativeApiService{Client: p.client}
	tx, _, err := svc.QueryOrderByOutTradeNo(ctx, native.QueryOrderByOutTradeNoRequest{
		OutTradeNo: core.String(paymentID),
		Mchid:      core.String(p.mchID),
	})
	if err != nil {
		if core.IsAPIError(err, wechatOrderNotExist) {
			return &QueryResult{PaymentID: paymentID, Status: models.PaymentPending}, nil
		}
		return nil, classify(ProviderWechat, "query", err)
	}

	cb := wechatCallback(tx)
	res := &QueryResult{PaymentID: paymentID, TradeNo: cb.TradeNo, Status: cb.Status}
	if cb.Status == models.PaymentSuccess {
		res.PaidAmount = cb.Amount
	}
	return res, nil
}

func (p *WechatProvider) Refund(ctx context.Context, info RefundInfo) (*RefundResult, error) {
	if !p.IsConfigured() {
		return nil, apperr.ErrProviderNotConfigured
	}
	ctx, cancel := p.timeouts.callContext(ctx)
	defer cancel()

	svc := refunddomestic.RefundsApiService{Client: p.client}
	refund, _, err := svc.Create(ctx, refunddomestic.CreateRequest{
		OutTradeNo:  core.String(info.PaymentID),
		OutRefundNo: core.String(info.RefundID),
		Reason:      core.String(info.Reason),
		NotifyUrl:   core.String(p.notifyURL),
		Amount: &refunddomestic.AmountReq{
			Refund:   core.Int64(info.Amount),
			Total:    core.Int64(info.TotalAmount),
			Currency: core.String("CNY"),
		},
	})
	if err != nil {
		return nil, classify(ProviderWechat, "refund", err)
	}

	res := &RefundResult{RefundID: info.RefundID, RefundAmount: info.Amount}
	if refund.RefundId != nil {
		res.RefundID = *refund.RefundId
	}
	if refund.Status != nil {
		switch *refund.Status {
		case refunddomestic.STATUS_SUCCESS:
			res.Completed = true
		case refunddomestic.STATUS_CLOSED, refunddomestic.STATUS_ABNORMAL:
			return nil, apperr.New(apperr.ErrProvider, "wechat refund %s", *refund.Status)
		}
	}
	return res, nil
}

// VerifyCallback checks the platform signature and decrypts the resource.
func (p *WechatProvider) VerifyCallback(ctx context.Context, raw RawCallback) (*Callback, error) {
	if !p.IsConfigured() {
		return nil, apperr.ErrProviderNotConfigured
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.notifyURL, bytes.NewReader(raw.Body))
	if err != nil {
		return nil, invalidSignature(ProviderWechat, err)
	}
	req.Header = raw.Headers.Clone()

	tx := new(payments.Transaction)
	if _, err := p.handler.ParseNotifyRequest(ctx, req, tx); err != nil {
		return nil, invalidSignature(ProviderWechat, err)
	}
	cb := wechatCallback(tx)
	return &cb, nil
}

func (p *WechatProvider) Acknowledge(ok bool) Ack {
	if ok {
		return Ack{StatusCode: http.StatusOK, ContentType: "application/json", Body: []byte(`{"code":"SUCCESS","message":"OK"}`)}
	}
	return Ack{StatusCode: http.StatusInternalServerError, ContentType: "application/json", Body: []byte(`{"code":"FAIL","message":"retry later"}`)}
}

func wechatCallback(tx *payments.Transaction) Callback {
	cb := Callback{Provider: ProviderWechat, Timestamp: time.Now().UTC()}
	if tx == nil {
		return cb
	}
	if tx.OutTradeNo != nil {
		cb.PaymentID = *tx.OutTradeNo
	}
	if tx.Attach != nil {
		cb.OrderID = *tx.Attach
	}
	if tx.TransactionId != nil {
		cb.TradeNo = *tx.TransactionId
	}
	if tx.Amount != nil && tx.Amount.Total != nil {
		cb.Amount = *tx.Amount.Total
	}
	if tx.SuccessTime != nil {
		if ts, err := time.Parse(time.RFC3339, *tx.SuccessTime); err == nil {
			cb.Timestamp = ts.UTC()
		}
	}
	state := ""
	if tx.TradeState != nil {
		state = *tx.TradeState
	}
	cb.Status = wechatStatus(state)
	return cb
}

func wechatStatus(state string) models.PaymentStatus {
	switch state {
	case "SUCCESS":
		return models.PaymentSuccess
	case "REFUND":
		return models.PaymentRefunded
	case "USERPAYING":
		return models.PaymentProcessing
	case "CLOSED", "REVOKED", "PAYERROR":
		return models.PaymentFailed
	default:
		return models.PaymentPending
	}
}
