package billing

import (
	"context"
	"fmt"
	"math"

	"backend/internal/config"

	stripe "github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/invoice"
	"github.com/stripe/stripe-go/v79/invoiceitem"
	stripesub "github.com/stripe/stripe-go/v79/subscription"
)

// ExternalInvoice 支付处理方侧的发票快照
type ExternalInvoice struct {
	ID        string
	Status    string
	HostedURL string
}

// StripeClient 支付处理方的窄接口
// 所有调用的失败都以 error 返回，调用方转为结构化结果，不向上抛出
type StripeClient interface {
	CreateInvoiceItem(ctx context.Context, customerID, description string, amountUSD float64) error
	CreateInvoice(ctx context.Context, customerID, description string) (string, error)
	FinalizeInvoice(ctx context.Context, invoiceID string) (*ExternalInvoice, error)
	GetInvoice(ctx context.Context, invoiceID string) (*ExternalInvoice, error)
	CancelSubscription(ctx context.Context, subscriptionID string) error
}

// stripeClient 基于 Stripe API 的实现
type stripeClient struct {
	cfg *config.StripeConfig
}

// NewStripeClient 创建 Stripe 客户端
func NewStripeClient(cfg *config.StripeConfig) StripeClient {
	stripe.Key = cfg.SecretKey
	return &stripeClient{cfg: cfg}
}

func (c *stripeClient) currency() string {
	if c.cfg.Currency != "" {
		return c.cfg.Currency
	}
	return string(stripe.CurrencyUSD)
}

// usdToCents 美元转分，四舍五入
func usdToCents(usd float64) int64 {
	return int64(math.Round(usd * 100))
}

func (c *stripeClient) CreateInvoiceItem(ctx context.Context, customerID, description string, amountUSD float64) error {
	params := &stripe.InvoiceItemParams{
		Customer:    stripe.String(customerID),
		Amount:      stripe.Int64(usdToCents(amountUSD)),
		Currency:    stripe.String(c.currency()),
		Description: stripe.String(description),
	}
	params.Context = ctx
	if _, err := invoiceitem.New(params); err != nil {
		return fmt.Errorf("创建发票行项目失败: %w", err)
	}
	return nil
}

func (c *stripeClient) CreateInvoice(ctx context.Context, customerID, description string) (string, error) {
	daysUntilDue := int64(c.cfg.DaysUntilDue)
	if daysUntilDue <= 0 {
		daysUntilDue = 7
	}
	params := &stripe.InvoiceParams{
		Customer:         stripe.String(customerID),
		Description:      stripe.String(description),
		CollectionMethod: stripe.String(string(stripe.InvoiceCollectionMethodSendInvoice)),
		DaysUntilDue:     stripe.Int64(daysUntilDue),
	}
	params.Context = ctx
	inv, err := invoice.New(params)
	if err != nil {
		return "", fmt.Errorf("创建发票失败: %w", err)
	}
	return inv.ID, nil
}

func (c *stripeClient) FinalizeInvoice(ctx context.Context, invoiceID string) (*ExternalInvoice, error) {
	params := &stripe.InvoiceFinalizeInvoiceParams{}
	params.Context = ctx
	inv, err := invoice.FinalizeInvoice(invoiceID, params)
	if err != nil {
		return nil, fmt.Errorf("定稿发票失败: %w", err)
	}
	return &ExternalInvoice{
		ID:        inv.ID,
		Status:    string(inv.Status),
		HostedURL: inv.HostedInvoiceURL,
	}, nil
}

func (c *stripeClient) GetInvoice(ctx context.Context, invoiceID string) (*ExternalInvoice, error) {
	params := &stripe.InvoiceParams{}
	params.Context = ctx
	inv, err := invoice.Get(invoiceID, params)
	if err != nil {
		return nil, fmt.Errorf("查询发票失败: %w", err)
	}
	return &ExternalInvoice{
		ID:        inv.ID,
		Status:    string(inv.Status),
		HostedURL: inv.HostedInvoiceURL,
	}, nil
}

func (c *stripeClient) CancelSubscription(ctx context.Context, subscriptionID string) error {
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	if _, err := stripesub.Cancel(subscriptionID, params); err != nil {
		return fmt.Errorf("取消订阅失败: %w", err)
	}
	return nil
}
