package billing

import (
	"context"
	"testing"
	"time"

	"backend/internal/config"
	"backend/internal/subscription"
	"backend/internal/user"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeperRunOnceProcessesExpiredPeriods(t *testing.T) {
	ctx := context.Background()
	f := setupBillingFixture(t)
	plan := &subscription.SubscriptionPlan{
		Name: "Free", Code: "free", MonthlyQuotaCredits: 100, PriceMonthlyUSD: 0,
	}
	require.NoError(t, f.plans.CreatePlan(ctx, plan))

	u, err := f.users.CreateUser(ctx, "sweeper@test.dev", "用户")
	require.NoError(t, err)
	require.NoError(t, f.users.SetSubscription(ctx, u.ID, &plan.ID, user.SubscriptionStatusActive))
	u, err = f.users.GetUser(ctx, u.ID)
	require.NoError(t, err)

	p, err := f.svc.CreateNewBillingPeriod(ctx, u, plan, nil)
	require.NoError(t, err)
	require.NoError(t, f.db.Model(&BillingPeriod{}).Where("id = ?", p.ID).
		Update("end_date", time.Now().UTC().Add(-time.Hour)).Error)

	sweeper := NewSweeper(f.svc, &config.BillingConfig{PeriodDays: 30}, nil)
	require.NoError(t, sweeper.RunOnce(ctx))

	old, err := f.svc.GetPeriod(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, PeriodStatusInactive, old.Status)
	assert.True(t, old.Invoiced)
}

func TestSweeperStartStop(t *testing.T) {
	f := setupBillingFixture(t)
	sweeper := NewSweeper(f.svc, &config.BillingConfig{
		PeriodDays:    30,
		SweepInterval: "1h",
	}, nil)

	sweeper.Start(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop 未在限期内返回")
	}
}
