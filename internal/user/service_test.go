package user

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupUserTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:user_service_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&User{}))
	return db
}

func TestCreateUserRejectsDuplicateEmail(t *testing.T) {
	ctx := context.Background()
	svc := NewService(setupUserTestDB(t))

	_, err := svc.CreateUser(ctx, "a@test.dev", "A")
	require.NoError(t, err)
	_, err = svc.CreateUser(ctx, "a@test.dev", "A2")
	assert.ErrorIs(t, err, ErrEmailExists)
}

func TestAddCreditsIsAtomicDelta(t *testing.T) {
	ctx := context.Background()
	svc := NewService(setupUserTestDB(t))

	u, err := svc.CreateUser(ctx, "b@test.dev", "B")
	require.NoError(t, err)

	require.NoError(t, svc.AddCredits(ctx, u.ID, 100))
	require.NoError(t, svc.AddCredits(ctx, u.ID, -30.5))

	fresh, err := svc.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.InDelta(t, 69.5, fresh.CreditsBalance, 1e-9)

	assert.ErrorIs(t, svc.AddCredits(ctx, "missing", 1), ErrUserNotFound)
}

func TestIncrementDailyRunsResetsAcrossUTCDay(t *testing.T) {
	ctx := context.Background()
	db := setupUserTestDB(t)
	svc := NewService(db)

	u, err := svc.CreateUser(ctx, "c@test.dev", "C")
	require.NoError(t, err)

	require.NoError(t, svc.IncrementDailyRuns(ctx, u.ID))
	require.NoError(t, svc.IncrementDailyRuns(ctx, u.ID))

	fresh, err := svc.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, fresh.DailyRunsCount)

	// 把上次重置时间拨到昨天，再次递增应归零重计
	yesterday := time.Now().UTC().Add(-25 * time.Hour)
	require.NoError(t, db.Model(&User{}).Where("id = ?", u.ID).
		Update("daily_runs_reset_at", yesterday).Error)

	require.NoError(t, svc.IncrementDailyRuns(ctx, u.ID))
	fresh, err = svc.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, fresh.DailyRunsCount, "跨 UTC 日界后计数重新开始")
}

func TestSameUTCDay(t *testing.T) {
	base := time.Date(2026, 4, 8, 23, 30, 0, 0, time.UTC)
	assert.True(t, SameUTCDay(base, base.Add(29*time.Minute)))
	assert.False(t, SameUTCDay(base, base.Add(time.Hour)))

	// 本地时区不同但 UTC 同日
	loc := time.FixedZone("UTC+8", 8*3600)
	assert.True(t, SameUTCDay(base, base.In(loc)))
}
