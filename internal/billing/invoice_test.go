package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"backend/internal/subscription"
	"backend/internal/user"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStripe 进程内支付处理方替身，记录调用并可注入失败
type fakeStripe struct {
	mu sync.Mutex

	itemCalls     []string
	invoiceCalls  int
	finalizeCalls int
	getCalls      int
	cancelCalls   []string

	failNext      error
	invoiceStatus string // GetInvoice 返回的状态
	seq           int
}

func newFakeStripe() *fakeStripe {
	return &fakeStripe{invoiceStatus: "open"}
}

func (f *fakeStripe) takeFailure() error {
	err := f.failNext
	f.failNext = nil
	return err
}

func (f *fakeStripe) CreateInvoiceItem(ctx context.Context, customerID, description string, amountUSD float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return err
	}
	f.itemCalls = append(f.itemCalls, fmt.Sprintf("%s|%.2f", description, amountUSD))
	return nil
}

func (f *fakeStripe) CreateInvoice(ctx context.Context, customerID, description string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return "", err
	}
	f.invoiceCalls++
	f.seq++
	return fmt.Sprintf("in_fake_%d", f.seq), nil
}

func (f *fakeStripe) FinalizeInvoice(ctx context.Context, invoiceID string) (*ExternalInvoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return nil, err
	}
	f.finalizeCalls++
	return &ExternalInvoice{ID: invoiceID, Status: "open", HostedURL: "https://pay.example/" + invoiceID}, nil
}

func (f *fakeStripe) GetInvoice(ctx context.Context, invoiceID string) (*ExternalInvoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return nil, err
	}
	f.getCalls++
	return &ExternalInvoice{ID: invoiceID, Status: f.invoiceStatus}, nil
}

func (f *fakeStripe) CancelSubscription(ctx context.Context, subscriptionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return err
	}
	f.cancelCalls = append(f.cancelCalls, subscriptionID)
	return nil
}

func (f *fakeStripe) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.itemCalls) + f.invoiceCalls + f.finalizeCalls + f.getCalls + len(f.cancelCalls)
}

// withStripeIDs 给用户补上支付处理方标识
func (f *billingFixture) withStripeIDs(t *testing.T, u *user.User) *user.User {
	t.Helper()
	cust := "cus_fake_" + u.ID[:8]
	sub := "sub_fake_" + u.ID[:8]
	require.NoError(t, f.db.Model(&user.User{}).Where("id = ?", u.ID).
		Updates(map[string]interface{}{
			"stripe_customer_id":     cust,
			"stripe_subscription_id": sub,
		}).Error)
	fresh, err := f.users.GetUser(context.Background(), u.ID)
	require.NoError(t, err)
	return fresh
}

func TestGenerateInvoiceZeroAmountStaysLocal(t *testing.T) {
	ctx := context.Background()
	f := setupBillingFixture(t)
	u := f.newSubscribedUser(t, &subscription.SubscriptionPlan{
		Name: "Free", Code: "free", MonthlyQuotaCredits: 100, PriceMonthlyUSD: 0,
	})
	plan, err := f.plans.GetPlanByCode(ctx, "free")
	require.NoError(t, err)
	period, err := f.svc.CreateNewBillingPeriod(ctx, u, plan, nil)
	require.NoError(t, err)

	// 免费用户没有支付客户标识，零金额出账也必须成功
	require.Nil(t, u.StripeCustomerID)
	result := f.svc.GenerateInvoiceForPeriod(ctx, period, u)
	require.True(t, result.Success, result.Error)
	assert.Zero(t, result.AmountUSD)
	require.NotNil(t, result.Invoice)
	assert.Nil(t, result.Invoice.StripeInvoiceID, "零金额发票不得有外部标识")
	assert.Equal(t, InvoiceStatusPaid, result.Invoice.Status)
	assert.Zero(t, f.stripe.totalCalls(), "零金额出账不得调用外部处理方")

	fresh, err := f.svc.GetPeriod(ctx, period.ID)
	require.NoError(t, err)
	assert.True(t, fresh.Invoiced)
}

func TestGenerateInvoiceCreatesExternalInvoice(t *testing.T) {
	ctx := context.Background()
	f := setupBillingFixture(t)
	u := f.newSubscribedUser(t, &subscription.SubscriptionPlan{
		Name: "Pro", Code: "pro", MonthlyQuotaCredits: 1000, PriceMonthlyUSD: 20,
		AllowsOverage: true, OveragePricePerCredit: 0.01,
	})
	u = f.withStripeIDs(t, u)
	plan, err := f.plans.GetPlanByCode(ctx, "pro")
	require.NoError(t, err)
	period, err := f.svc.CreateNewBillingPeriod(ctx, u, plan, nil)
	require.NoError(t, err)

	// 500 超额积分 → 5 美元
	require.NoError(t, f.db.Model(&BillingPeriod{}).Where("id = ?", period.ID).
		Update("overage_credits", 500.0).Error)
	period, err = f.svc.GetPeriod(ctx, period.ID)
	require.NoError(t, err)

	result := f.svc.GenerateInvoiceForPeriod(ctx, period, u)
	require.True(t, result.Success, result.Error)
	assert.InDelta(t, 25.0, result.AmountUSD, 1e-9)
	require.NotNil(t, result.Invoice.StripeInvoiceID)
	assert.Equal(t, InvoiceStatusOpen, result.Invoice.Status)
	assert.Len(t, f.stripe.itemCalls, 2, "订阅费与超额各一个行项目")
}

func TestGenerateInvoiceOverageCap(t *testing.T) {
	ctx := context.Background()
	f := setupBillingFixture(t)
	u := f.newSubscribedUser(t, &subscription.SubscriptionPlan{
		Name: "Pro", Code: "pro", MonthlyQuotaCredits: 1000, PriceMonthlyUSD: 20,
		AllowsOverage: true, OveragePricePerCredit: 0.01,
	})
	u = f.withStripeIDs(t, u)
	plan, err := f.plans.GetPlanByCode(ctx, "pro")
	require.NoError(t, err)
	period, err := f.svc.CreateNewBillingPeriod(ctx, u, plan, nil)
	require.NoError(t, err)

	// 10000 超额积分 = 100 美元，封顶 30
	require.NoError(t, f.db.Model(&BillingPeriod{}).Where("id = ?", period.ID).
		Updates(map[string]interface{}{
			"overage_credits":    10000.0,
			"is_overage_limited": true,
			"overage_limit_usd":  30.0,
		}).Error)
	period, err = f.svc.GetPeriod(ctx, period.ID)
	require.NoError(t, err)

	result := f.svc.GenerateInvoiceForPeriod(ctx, period, u)
	require.True(t, result.Success, result.Error)
	assert.InDelta(t, 50.0, result.AmountUSD, 1e-9, "20 订阅费 + 封顶后的 30 超额")
}

func TestGenerateInvoiceAlreadyInvoicedIsNoOp(t *testing.T) {
	ctx := context.Background()
	f := setupBillingFixture(t)
	u := f.newSubscribedUser(t, &subscription.SubscriptionPlan{
		Name: "Free", Code: "free", MonthlyQuotaCredits: 100, PriceMonthlyUSD: 0,
	})
	plan, err := f.plans.GetPlanByCode(ctx, "free")
	require.NoError(t, err)
	period, err := f.svc.CreateNewBillingPeriod(ctx, u, plan, nil)
	require.NoError(t, err)

	first := f.svc.GenerateInvoiceForPeriod(ctx, period, u)
	require.True(t, first.Success)

	period, err = f.svc.GetPeriod(ctx, period.ID)
	require.NoError(t, err)
	second := f.svc.GenerateInvoiceForPeriod(ctx, period, u)
	assert.True(t, second.Success)
	assert.True(t, second.Skipped)

	var count int64
	require.NoError(t, f.db.Model(&Invoice{}).
		Where("billing_period_id = ?", period.ID).Count(&count).Error)
	assert.Equal(t, int64(1), count, "重复出账不得产生第二张发票")
}

func TestGenerateInvoiceMissingCustomerID(t *testing.T) {
	ctx := context.Background()
	f := setupBillingFixture(t)
	u := f.newSubscribedUser(t, &subscription.SubscriptionPlan{
		Name: "Pro", Code: "pro", MonthlyQuotaCredits: 1000, PriceMonthlyUSD: 20,
	})
	plan, err := f.plans.GetPlanByCode(ctx, "pro")
	require.NoError(t, err)
	period, err := f.svc.CreateNewBillingPeriod(ctx, u, plan, nil)
	require.NoError(t, err)

	result := f.svc.GenerateInvoiceForPeriod(ctx, period, u)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)

	fresh, err := f.svc.GetPeriod(ctx, period.ID)
	require.NoError(t, err)
	assert.False(t, fresh.Invoiced, "失败的账期留待下一轮清算")
}

func TestGenerateInvoiceExternalFailureLeavesPeriodUntouched(t *testing.T) {
	ctx := context.Background()
	f := setupBillingFixture(t)
	u := f.newSubscribedUser(t, &subscription.SubscriptionPlan{
		Name: "Pro", Code: "pro", MonthlyQuotaCredits: 1000, PriceMonthlyUSD: 20,
	})
	u = f.withStripeIDs(t, u)
	plan, err := f.plans.GetPlanByCode(ctx, "pro")
	require.NoError(t, err)
	period, err := f.svc.CreateNewBillingPeriod(ctx, u, plan, nil)
	require.NoError(t, err)

	f.stripe.failNext = errors.New("网络超时")
	result := f.svc.GenerateInvoiceForPeriod(ctx, period, u)
	assert.False(t, result.Success)

	fresh, err := f.svc.GetPeriod(ctx, period.ID)
	require.NoError(t, err)
	assert.False(t, fresh.Invoiced)
}

func TestGenerateInvoicePlanChangeProratesByElapsedDays(t *testing.T) {
	ctx := context.Background()
	f := setupBillingFixture(t)
	u := f.newSubscribedUser(t, &subscription.SubscriptionPlan{
		Name: "Pro", Code: "pro", MonthlyQuotaCredits: 1000, PriceMonthlyUSD: 30,
	})
	u = f.withStripeIDs(t, u)
	plan, err := f.plans.GetPlanByCode(ctx, "pro")
	require.NoError(t, err)
	period, err := f.svc.CreateNewBillingPeriod(ctx, u, plan, nil)
	require.NoError(t, err)

	// 换套餐截断：30 天账期只用了 10 天
	now := time.Now().UTC()
	require.NoError(t, f.db.Model(&BillingPeriod{}).Where("id = ?", period.ID).
		Updates(map[string]interface{}{
			"start_date":     now.Add(-10 * 24 * time.Hour),
			"end_date":       now,
			"is_plan_change": true,
			"status":         PeriodStatusPlanChange,
		}).Error)
	period, err = f.svc.GetPeriod(ctx, period.ID)
	require.NoError(t, err)

	result := f.svc.GenerateInvoiceForPeriod(ctx, period, u)
	require.True(t, result.Success, result.Error)
	assert.InDelta(t, 10.0, result.AmountUSD, 0.1, "月费 30 美元按 10/30 天折算")
}

func TestHandleUnpaidInvoicesReconcilesExternalPayment(t *testing.T) {
	ctx := context.Background()
	f := setupBillingFixture(t)
	u := f.newSubscribedUser(t, &subscription.SubscriptionPlan{
		Name: "Pro", Code: "pro", MonthlyQuotaCredits: 1000, PriceMonthlyUSD: 20,
	})
	u = f.withStripeIDs(t, u)

	extID := "in_fake_paid"
	inv := &Invoice{
		UserID:          u.ID,
		AmountUSD:       20,
		Status:          InvoiceStatusOpen,
		StripeInvoiceID: &extID,
	}
	require.NoError(t, f.db.Create(inv).Error)
	require.NoError(t, f.db.Model(&Invoice{}).Where("id = ?", inv.ID).
		Update("created_at", time.Now().UTC().AddDate(0, 0, -8)).Error)

	// 外部已支付：本地对账，不动订阅状态
	f.stripe.invoiceStatus = "paid"
	stats, err := f.svc.HandleUnpaidInvoices(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Checked)
	assert.Equal(t, 1, stats.Reconciled)
	assert.Zero(t, stats.PastDue)

	var fresh Invoice
	require.NoError(t, f.db.Where("id = ?", inv.ID).First(&fresh).Error)
	assert.Equal(t, InvoiceStatusPaid, fresh.Status)
	assert.NotNil(t, fresh.PaidAt)

	freshUser, err := f.users.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, user.SubscriptionStatusActive, freshUser.SubscriptionStatus)
}

func TestHandleUnpaidInvoicesDowngradesThenCancels(t *testing.T) {
	ctx := context.Background()
	f := setupBillingFixture(t)
	u := f.newSubscribedUser(t, &subscription.SubscriptionPlan{
		Name: "Pro", Code: "pro", MonthlyQuotaCredits: 1000, PriceMonthlyUSD: 20,
	})
	u = f.withStripeIDs(t, u)

	extID := "in_fake_unpaid"
	inv := &Invoice{
		UserID:          u.ID,
		AmountUSD:       20,
		Status:          InvoiceStatusOpen,
		StripeInvoiceID: &extID,
	}
	require.NoError(t, f.db.Create(inv).Error)
	require.NoError(t, f.db.Model(&Invoice{}).Where("id = ?", inv.ID).
		Update("created_at", time.Now().UTC().AddDate(0, 0, -8)).Error)

	// 第一轮：过宽限期仍未支付 → past_due
	stats, err := f.svc.HandleUnpaidInvoices(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PastDue)

	freshUser, err := f.users.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, user.SubscriptionStatusPastDue, freshUser.SubscriptionStatus)

	// 第二轮：超过取消阈值 → 取消外部订阅
	require.NoError(t, f.db.Model(&Invoice{}).Where("id = ?", inv.ID).
		Update("created_at", time.Now().UTC().AddDate(0, 0, -31)).Error)
	stats, err = f.svc.HandleUnpaidInvoices(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Canceled)
	assert.Len(t, f.stripe.cancelCalls, 1)

	freshUser, err = f.users.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, user.SubscriptionStatusCanceled, freshUser.SubscriptionStatus)
}

func TestHandleUnpaidInvoicesSkipsRecentInvoices(t *testing.T) {
	ctx := context.Background()
	f := setupBillingFixture(t)
	u := f.newSubscribedUser(t, &subscription.SubscriptionPlan{
		Name: "Pro", Code: "pro", MonthlyQuotaCredits: 1000, PriceMonthlyUSD: 20,
	})

	inv := &Invoice{UserID: u.ID, AmountUSD: 20, Status: InvoiceStatusOpen}
	require.NoError(t, f.db.Create(inv).Error)

	stats, err := f.svc.HandleUnpaidInvoices(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Checked, "宽限期内的发票不处置")
}

func TestManuallyGenerateInvoice(t *testing.T) {
	ctx := context.Background()
	f := setupBillingFixture(t)
	u := f.newSubscribedUser(t, &subscription.SubscriptionPlan{
		Name: "Pro", Code: "pro", MonthlyQuotaCredits: 1000, PriceMonthlyUSD: 20,
	})
	u = f.withStripeIDs(t, u)

	result := f.svc.ManuallyGenerateInvoice(ctx, u.ID, "补收服务费", []InvoiceLineItem{
		{Description: "人工处理费", AmountUSD: 15},
		{Description: "数据迁移费", AmountUSD: 10},
	})
	require.True(t, result.Success, result.Error)
	assert.InDelta(t, 25.0, result.AmountUSD, 1e-9)
	assert.Nil(t, result.Invoice.BillingPeriodID, "临时发票不挂账期")

	result = f.svc.ManuallyGenerateInvoice(ctx, u.ID, "空账单", nil)
	assert.False(t, result.Success)
}
