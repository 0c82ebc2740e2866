package billing

import (
	"context"
	"fmt"
	"testing"
	"time"

	"backend/internal/config"
	"backend/internal/logger"
	"backend/internal/subscription"
	"backend/internal/user"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func init() {
	_ = logger.Init("error", "console", "stderr")
}

type billingFixture struct {
	db     *gorm.DB
	users  *user.Service
	plans  *subscription.Service
	svc    *Service
	stripe *fakeStripe
}

func setupBillingFixture(t *testing.T) *billingFixture {
	t.Helper()
	dsn := fmt.Sprintf("file:billing_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	users := user.NewService(db)
	plans := subscription.NewService(db)
	stripe := newFakeStripe()
	svc := NewService(db, users, plans, stripe,
		&config.BillingConfig{PeriodDays: 30, UnpaidGraceDays: 7, UnpaidCancelDays: 30},
		&config.StripeConfig{Currency: "usd", DaysUntilDue: 7})

	require.NoError(t, users.AutoMigrate())
	require.NoError(t, plans.AutoMigrate())
	require.NoError(t, svc.AutoMigrate())

	return &billingFixture{db: db, users: users, plans: plans, svc: svc, stripe: stripe}
}

func (f *billingFixture) newSubscribedUser(t *testing.T, plan *subscription.SubscriptionPlan) *user.User {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.plans.CreatePlan(ctx, plan))
	u, err := f.users.CreateUser(ctx, fmt.Sprintf("u%d@test.dev", time.Now().UnixNano()), "测试用户")
	require.NoError(t, err)
	require.NoError(t, f.users.SetSubscription(ctx, u.ID, &plan.ID, user.SubscriptionStatusActive))
	u, err = f.users.GetUser(ctx, u.ID)
	require.NoError(t, err)
	return u
}

func TestCreateNewBillingPeriodFirstPeriod(t *testing.T) {
	ctx := context.Background()
	f := setupBillingFixture(t)
	u := f.newSubscribedUser(t, &subscription.SubscriptionPlan{
		Name: "Pro", Code: "pro", MonthlyQuotaCredits: 2000,
	})
	plan, err := f.plans.GetPlanByCode(ctx, "pro")
	require.NoError(t, err)

	period, err := f.svc.CreateNewBillingPeriod(ctx, u, plan, nil)
	require.NoError(t, err)
	assert.Equal(t, PeriodStatusActive, period.Status)
	assert.InDelta(t, 2000.0, period.QuotaRemaining, 1e-9)
	assert.Zero(t, period.RolloverCredits)
	assert.InDelta(t, 30*24.0, period.EndDate.Sub(period.StartDate).Hours(), 1.0)

	fresh, err := f.users.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.InDelta(t, 2000.0, fresh.CreditsBalance, 1e-9)
}

func TestRenewalRolloverCarriesPositiveRemaining(t *testing.T) {
	ctx := context.Background()
	f := setupBillingFixture(t)
	u := f.newSubscribedUser(t, &subscription.SubscriptionPlan{
		Name: "Pro", Code: "pro", MonthlyQuotaCredits: 2000, AllowsRollover: true,
	})
	plan, err := f.plans.GetPlanByCode(ctx, "pro")
	require.NoError(t, err)

	prev, err := f.svc.CreateNewBillingPeriod(ctx, u, plan, nil)
	require.NoError(t, err)
	require.NoError(t, f.db.Model(&BillingPeriod{}).Where("id = ?", prev.ID).
		Update("quota_remaining", 1500.0).Error)
	prev.QuotaRemaining = 1500

	next, err := f.svc.CreateNewBillingPeriod(ctx, u, plan, prev)
	require.NoError(t, err)
	assert.InDelta(t, 3500.0, next.QuotaRemaining, 1e-9, "新配额 = 月配额 + 结转")
	assert.InDelta(t, 1500.0, next.RolloverCredits, 1e-9)
	assert.Equal(t, prev.EndDate.Add(time.Second), next.StartDate)

	fresh, err := f.users.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.InDelta(t, 3500.0, fresh.CreditsBalance, 1e-9)

	// 旧账期被停用，active 唯一
	var activeCount int64
	require.NoError(t, f.db.Model(&BillingPeriod{}).
		Where("user_id = ? AND status = ?", u.ID, PeriodStatusActive).
		Count(&activeCount).Error)
	assert.Equal(t, int64(1), activeCount)
}

func TestRenewalNoRolloverPlan(t *testing.T) {
	ctx := context.Background()
	f := setupBillingFixture(t)
	u := f.newSubscribedUser(t, &subscription.SubscriptionPlan{
		Name: "Basic", Code: "basic", MonthlyQuotaCredits: 2000, AllowsRollover: false,
	})
	plan, err := f.plans.GetPlanByCode(ctx, "basic")
	require.NoError(t, err)

	prev, err := f.svc.CreateNewBillingPeriod(ctx, u, plan, nil)
	require.NoError(t, err)
	require.NoError(t, f.db.Model(&BillingPeriod{}).Where("id = ?", prev.ID).
		Update("quota_remaining", 1500.0).Error)
	prev.QuotaRemaining = 1500

	next, err := f.svc.CreateNewBillingPeriod(ctx, u, plan, prev)
	require.NoError(t, err)
	assert.InDelta(t, 2000.0, next.QuotaRemaining, 1e-9, "不允许结转时剩余不带入")
	assert.Zero(t, next.RolloverCredits)
}

func TestRenewalNegativeRemainingNeverRollsOver(t *testing.T) {
	ctx := context.Background()
	f := setupBillingFixture(t)
	u := f.newSubscribedUser(t, &subscription.SubscriptionPlan{
		Name: "Pro", Code: "pro", MonthlyQuotaCredits: 2000, AllowsRollover: true,
	})
	plan, err := f.plans.GetPlanByCode(ctx, "pro")
	require.NoError(t, err)

	prev, err := f.svc.CreateNewBillingPeriod(ctx, u, plan, nil)
	require.NoError(t, err)
	require.NoError(t, f.db.Model(&BillingPeriod{}).Where("id = ?", prev.ID).
		Update("quota_remaining", -300.0).Error)
	prev.QuotaRemaining = -300

	next, err := f.svc.CreateNewBillingPeriod(ctx, u, plan, prev)
	require.NoError(t, err)
	assert.InDelta(t, 2000.0, next.QuotaRemaining, 1e-9, "负余额不得作为负结转")
}

func TestCheckUserBillingPeriodCreatesAndRenews(t *testing.T) {
	ctx := context.Background()
	f := setupBillingFixture(t)
	u := f.newSubscribedUser(t, &subscription.SubscriptionPlan{
		Name: "Pro", Code: "pro", MonthlyQuotaCredits: 1000, PriceMonthlyUSD: 0,
	})

	// 首期
	first, err := f.svc.CheckUserBillingPeriod(ctx, u.ID)
	require.NoError(t, err)
	require.NotNil(t, first)

	// 未过期：幂等返回同一账期
	same, err := f.svc.CheckUserBillingPeriod(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, same.ID)

	// 人为过期后：自动停用并续期
	require.NoError(t, f.db.Model(&BillingPeriod{}).Where("id = ?", first.ID).
		Update("end_date", time.Now().UTC().Add(-time.Hour)).Error)
	renewed, err := f.svc.CheckUserBillingPeriod(ctx, u.ID)
	require.NoError(t, err)
	require.NotNil(t, renewed)
	assert.NotEqual(t, first.ID, renewed.ID)

	old, err := f.svc.GetPeriod(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, PeriodStatusInactive, old.Status)
}

func TestCheckUserBillingPeriodNilWithoutPlan(t *testing.T) {
	ctx := context.Background()
	f := setupBillingFixture(t)
	u, err := f.users.CreateUser(ctx, "noplan@test.dev", "无套餐")
	require.NoError(t, err)

	period, err := f.svc.CheckUserBillingPeriod(ctx, u.ID)
	require.NoError(t, err)
	assert.Nil(t, period)
}

func TestApplyUsageOverageConversion(t *testing.T) {
	ctx := context.Background()
	f := setupBillingFixture(t)
	u := f.newSubscribedUser(t, &subscription.SubscriptionPlan{
		Name: "Pro", Code: "pro", MonthlyQuotaCredits: 100,
		AllowsOverage: true, OveragePricePerCredit: 0.02,
	})
	plan, err := f.plans.GetPlanByCode(ctx, "pro")
	require.NoError(t, err)
	period, err := f.svc.CreateNewBillingPeriod(ctx, u, plan, nil)
	require.NoError(t, err)

	require.NoError(t, f.svc.ApplyUsage(ctx, period.ID, 60))
	require.NoError(t, f.svc.ApplyUsage(ctx, period.ID, 60))

	fresh, err := f.svc.GetPeriod(ctx, period.ID)
	require.NoError(t, err)
	assert.InDelta(t, 120.0, fresh.QuotaUsed, 1e-9)
	assert.InDelta(t, 0.0, fresh.QuotaRemaining, 1e-9)
	assert.InDelta(t, 20.0, fresh.OverageCredits, 1e-9)
	assert.InDelta(t, 0.4, fresh.OverageCost, 1e-9)
}

func TestChangeUserPlanDowngradeProratesAtHalf(t *testing.T) {
	ctx := context.Background()
	f := setupBillingFixture(t)
	u := f.newSubscribedUser(t, &subscription.SubscriptionPlan{
		Name: "Pro", Code: "pro", MonthlyQuotaCredits: 10000,
	})
	downgrade := &subscription.SubscriptionPlan{
		Name: "Basic", Code: "basic", MonthlyQuotaCredits: 5000,
	}
	require.NoError(t, f.plans.CreatePlan(ctx, downgrade))

	period, err := f.svc.CheckUserBillingPeriod(ctx, u.ID)
	require.NoError(t, err)

	// 把账期拨到恰好过半
	now := time.Now().UTC()
	require.NoError(t, f.db.Model(&BillingPeriod{}).Where("id = ?", period.ID).
		Updates(map[string]interface{}{
			"start_date": now.Add(-15 * 24 * time.Hour),
			"end_date":   now.Add(15 * 24 * time.Hour),
		}).Error)

	result, err := f.svc.ChangeUserPlan(ctx, u.ID, downgrade.ID)
	require.NoError(t, err)
	assert.False(t, result.IsUpgrade)
	assert.InDelta(t, 0.5, result.UsedPercentage, 0.01)
	assert.InDelta(t, 2500.0, result.NewBalance, 10.0)

	fresh, err := f.users.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.InDelta(t, 2500.0, fresh.CreditsBalance, 10.0)
	assert.Equal(t, downgrade.ID, *fresh.SubscriptionPlanID)

	// 旧账期进入 plan_change 状态并被截断
	old, err := f.svc.GetPeriod(ctx, period.ID)
	require.NoError(t, err)
	assert.Equal(t, PeriodStatusPlanChange, old.Status)
	assert.True(t, old.IsPlanChange)
	assert.WithinDuration(t, now, old.EndDate, 5*time.Second)
}

func TestChangeUserPlanUpgradeResetsToFullQuota(t *testing.T) {
	ctx := context.Background()
	f := setupBillingFixture(t)
	u := f.newSubscribedUser(t, &subscription.SubscriptionPlan{
		Name: "Basic", Code: "basic", MonthlyQuotaCredits: 5000,
	})
	upgrade := &subscription.SubscriptionPlan{
		Name: "Pro", Code: "pro", MonthlyQuotaCredits: 10000,
	}
	require.NoError(t, f.plans.CreatePlan(ctx, upgrade))

	_, err := f.svc.CheckUserBillingPeriod(ctx, u.ID)
	require.NoError(t, err)

	result, err := f.svc.ChangeUserPlan(ctx, u.ID, upgrade.ID)
	require.NoError(t, err)
	assert.True(t, result.IsUpgrade)
	assert.InDelta(t, 10000.0, result.NewBalance, 1e-9, "升级重置为新套餐全额配额")
}

func TestChangeUserPlanUnknownUser(t *testing.T) {
	ctx := context.Background()
	f := setupBillingFixture(t)
	plan := &subscription.SubscriptionPlan{
		Name: "Pro", Code: "pro", MonthlyQuotaCredits: 10000,
	}
	require.NoError(t, f.plans.CreatePlan(ctx, plan))

	_, err := f.svc.ChangeUserPlan(ctx, uuid.New().String(), plan.ID)
	assert.ErrorIs(t, err, user.ErrUserNotFound)
}

func TestChangeUserPlanZeroLengthPeriodTreatedAsFullyUsed(t *testing.T) {
	now := time.Now().UTC()
	assert.Equal(t, 1.0, usedPercentage(now, now, now))
	assert.Equal(t, 1.0, usedPercentage(now, now.Add(-time.Hour), now))
	assert.Equal(t, 0.0, usedPercentage(now.Add(time.Hour), now.Add(2*time.Hour), now))
}

func TestProcessExpiredBillingPeriodsSweepIsolation(t *testing.T) {
	ctx := context.Background()
	f := setupBillingFixture(t)

	// 三个到期账期，免费套餐走零金额出账路径
	plan := &subscription.SubscriptionPlan{
		Name: "Free", Code: "free", MonthlyQuotaCredits: 100, PriceMonthlyUSD: 0,
	}
	require.NoError(t, f.plans.CreatePlan(ctx, plan))

	var periods []*BillingPeriod
	for i := 0; i < 3; i++ {
		u, err := f.users.CreateUser(ctx, fmt.Sprintf("sweep%d@test.dev", i), "用户")
		require.NoError(t, err)
		require.NoError(t, f.users.SetSubscription(ctx, u.ID, &plan.ID, user.SubscriptionStatusActive))
		u, err = f.users.GetUser(ctx, u.ID)
		require.NoError(t, err)

		p, err := f.svc.CreateNewBillingPeriod(ctx, u, plan, nil)
		require.NoError(t, err)
		require.NoError(t, f.db.Model(&BillingPeriod{}).Where("id = ?", p.ID).
			Update("end_date", time.Now().UTC().Add(-time.Hour)).Error)
		periods = append(periods, p)
	}

	// 第二个账期指向不存在的套餐，出账必然失败
	require.NoError(t, f.db.Model(&BillingPeriod{}).Where("id = ?", periods[1].ID).
		Update("subscription_plan_id", uuid.New().String()).Error)

	stats, err := f.svc.ProcessExpiredBillingPeriods(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Processed)
	assert.Equal(t, 2, stats.Renewed, "第一、三个账期照常续期")
	assert.Equal(t, 2, stats.Invoiced)
	assert.Equal(t, 1, stats.Errors, "第二个账期的失败被单独计数")
	assert.Len(t, stats.Details, 1)

	// 失败的账期保持 active，等待下一轮重试
	bad, err := f.svc.GetPeriod(ctx, periods[1].ID)
	require.NoError(t, err)
	assert.Equal(t, PeriodStatusActive, bad.Status)
	assert.False(t, bad.Invoiced)
}

func TestProcessExpiredPeriodsInactiveSubscriptionNotRenewed(t *testing.T) {
	ctx := context.Background()
	f := setupBillingFixture(t)
	plan := &subscription.SubscriptionPlan{
		Name: "Free", Code: "free", MonthlyQuotaCredits: 100, PriceMonthlyUSD: 0,
	}
	require.NoError(t, f.plans.CreatePlan(ctx, plan))

	u, err := f.users.CreateUser(ctx, "canceled@test.dev", "已取消")
	require.NoError(t, err)
	require.NoError(t, f.users.SetSubscription(ctx, u.ID, &plan.ID, user.SubscriptionStatusCanceled))
	u, err = f.users.GetUser(ctx, u.ID)
	require.NoError(t, err)

	p, err := f.svc.CreateNewBillingPeriod(ctx, u, plan, nil)
	require.NoError(t, err)
	require.NoError(t, f.db.Model(&BillingPeriod{}).Where("id = ?", p.ID).
		Update("end_date", time.Now().UTC().Add(-time.Hour)).Error)

	stats, err := f.svc.ProcessExpiredBillingPeriods(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Processed)
	assert.Equal(t, 1, stats.Canceled)
	assert.Zero(t, stats.Renewed)

	old, err := f.svc.GetPeriod(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, PeriodStatusInactive, old.Status)

	var activeCount int64
	require.NoError(t, f.db.Model(&BillingPeriod{}).
		Where("user_id = ? AND status = ?", u.ID, PeriodStatusActive).
		Count(&activeCount).Error)
	assert.Zero(t, activeCount, "订阅失效的用户不再产生新账期")
}

func TestManualRenewCreatesSuccessor(t *testing.T) {
	ctx := context.Background()
	f := setupBillingFixture(t)
	u := f.newSubscribedUser(t, &subscription.SubscriptionPlan{
		Name: "Pro", Code: "pro", MonthlyQuotaCredits: 1000,
	})

	first, err := f.svc.CheckUserBillingPeriod(ctx, u.ID)
	require.NoError(t, err)

	renewed, err := f.svc.ManuallyRenewUserBillingPeriod(ctx, u.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, renewed.ID)

	old, err := f.svc.GetPeriod(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, PeriodStatusInactive, old.Status)
}
