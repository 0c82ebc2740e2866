package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"backend/internal/config"
	"backend/internal/logger"
	"backend/internal/metrics"
	"backend/internal/subscription"
	"backend/internal/user"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNoActivePeriod 用户没有进行中的账期
	ErrNoActivePeriod = errors.New("用户没有进行中的账期")
	// ErrPeriodNotFound 账期不存在
	ErrPeriodNotFound = errors.New("账期不存在")
	// ErrNoSubscriptionPlan 用户未订阅任何套餐
	ErrNoSubscriptionPlan = errors.New("用户未订阅任何套餐")
)

// Service 计费账期管理与出账服务
type Service struct {
	db        *gorm.DB
	users     *user.Service
	plans     *subscription.Service
	stripe    StripeClient
	cfg       *config.BillingConfig
	stripeCfg *config.StripeConfig
}

// NewService 创建计费服务
// stripe 可为 nil，此时只生成本地发票（测试或未接入支付时）
func NewService(db *gorm.DB, users *user.Service, plans *subscription.Service, stripe StripeClient, cfg *config.BillingConfig, stripeCfg *config.StripeConfig) *Service {
	return &Service{
		db:        db,
		users:     users,
		plans:     plans,
		stripe:    stripe,
		cfg:       cfg,
		stripeCfg: stripeCfg,
	}
}

// AutoMigrate 自动迁移表结构
func (s *Service) AutoMigrate() error {
	return s.db.AutoMigrate(&BillingPeriod{}, &Invoice{}, &PlanChangeResult{})
}

// lockForUpdate 行级锁，sqlite 不支持 FOR UPDATE 语法
func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// periodLength 账期长度，固定天数而非自然月
func (s *Service) periodLength() time.Duration {
	days := s.cfg.PeriodDays
	if days <= 0 {
		days = 30
	}
	return time.Duration(days) * 24 * time.Hour
}

// ============ 账期生命周期 ============

// CreateNewBillingPeriod 创建新账期
// 有前序账期时起点为其终点 +1s，结转仅在剩余为正且套餐允许时发生；
// 用户余额硬重置为新账期总配额
func (s *Service) CreateNewBillingPeriod(ctx context.Context, u *user.User, plan *subscription.SubscriptionPlan, prev *BillingPeriod) (*BillingPeriod, error) {
	now := time.Now().UTC()
	start := now
	if prev != nil {
		start = prev.EndDate.Add(time.Second)
	}

	rollover := 0.0
	if prev != nil && prev.QuotaRemaining > 0 && plan.AllowsRollover {
		rollover = prev.QuotaRemaining
	}
	quota := plan.MonthlyQuotaCredits + rollover

	period := &BillingPeriod{
		UserID:             u.ID,
		SubscriptionPlanID: plan.ID,
		StartDate:          start,
		EndDate:            start.Add(s.periodLength()),
		Status:             PeriodStatusActive,
		QuotaRemaining:     quota,
		RolloverCredits:    rollover,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 同一用户只保留一个 active 账期
		if err := tx.Model(&BillingPeriod{}).
			Where("user_id = ? AND status = ?", u.ID, PeriodStatusActive).
			Update("status", PeriodStatusInactive).Error; err != nil {
			return fmt.Errorf("停用旧账期失败: %w", err)
		}
		if err := tx.Create(period).Error; err != nil {
			return fmt.Errorf("创建账期失败: %w", err)
		}
		// 余额硬重置：旧账本上未体现在 quota_remaining 里的消耗不再追溯
		if err := tx.Model(&user.User{}).
			Where("id = ?", u.ID).
			Update("credits_balance", quota).Error; err != nil {
			return fmt.Errorf("重置用户余额失败: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.WithContext(ctx).Info("创建新账期",
		zap.String("user_id", u.ID),
		zap.String("period_id", period.ID),
		zap.Float64("quota", quota),
		zap.Float64("rollover", rollover),
	)
	return period, nil
}

// GetPeriod 获取账期
func (s *Service) GetPeriod(ctx context.Context, periodID string) (*BillingPeriod, error) {
	var period BillingPeriod
	err := s.db.WithContext(ctx).Where("id = ?", periodID).First(&period).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPeriodNotFound
		}
		return nil, fmt.Errorf("查询账期失败: %w", err)
	}
	return &period, nil
}

// GetActivePeriod 获取用户当前 active 账期（不触发续期）
func (s *Service) GetActivePeriod(ctx context.Context, userID string) (*BillingPeriod, error) {
	var period BillingPeriod
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, PeriodStatusActive).
		Order("start_date DESC").
		First(&period).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoActivePeriod
		}
		return nil, fmt.Errorf("查询账期失败: %w", err)
	}
	return &period, nil
}

// CheckUserBillingPeriod 确保用户恰好有一个可用账期
// 已过期则先停用再续期；完全没有则按当前套餐建首期；用户无套餐时返回 nil
func (s *Service) CheckUserBillingPeriod(ctx context.Context, userID string) (*BillingPeriod, error) {
	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.SubscriptionPlanID == nil {
		return nil, nil
	}

	current, err := s.GetActivePeriod(ctx, userID)
	if err != nil && !errors.Is(err, ErrNoActivePeriod) {
		return nil, err
	}

	now := time.Now().UTC()
	if current != nil && !current.IsExpired(now) {
		return current, nil
	}

	plan, err := s.plans.GetPlan(ctx, *u.SubscriptionPlanID)
	if err != nil {
		return nil, err
	}

	if current != nil {
		// 过期：停用并续期
		if err := s.db.WithContext(ctx).Model(&BillingPeriod{}).
			Where("id = ? AND status = ?", current.ID, PeriodStatusActive).
			Update("status", PeriodStatusInactive).Error; err != nil {
			return nil, fmt.Errorf("停用过期账期失败: %w", err)
		}
		return s.CreateNewBillingPeriod(ctx, u, plan, current)
	}
	// 首期
	return s.CreateNewBillingPeriod(ctx, u, plan, nil)
}

// ============ 用量记账 ============

// ApplyUsage 将一笔积分消耗记入账期配额
// quota_remaining 被扣为负且套餐允许超额时，负值部分转入 overage 计数；
// 不允许超额时保持负值，由上层网关限流
func (s *Service) ApplyUsage(ctx context.Context, periodID string, credits float64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.ApplyUsageTx(ctx, tx, periodID, credits)
	})
}

// ApplyUsageTx 在调用方事务内记账，与用量明细写入保持同事务提交
func (s *Service) ApplyUsageTx(ctx context.Context, tx *gorm.DB, periodID string, credits float64) error {
	if credits == 0 {
		return nil
	}
	var period BillingPeriod
	if err := lockForUpdate(tx).
		Where("id = ?", periodID).
		First(&period).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrPeriodNotFound
		}
		return fmt.Errorf("锁定账期失败: %w", err)
	}

	period.QuotaUsed += credits
	period.QuotaRemaining -= credits

	if period.QuotaRemaining < 0 {
		plan, err := s.plans.GetPlan(ctx, period.SubscriptionPlanID)
		if err != nil {
			return err
		}
		if plan.AllowsOverage {
			deficit := -period.QuotaRemaining
			period.OverageCredits += deficit
			period.OverageCost += deficit * plan.OveragePricePerCredit
			period.QuotaRemaining = 0
		}
	}

	return tx.Model(&BillingPeriod{}).Where("id = ?", periodID).Updates(map[string]interface{}{
		"quota_used":      period.QuotaUsed,
		"quota_remaining": period.QuotaRemaining,
		"overage_credits": period.OverageCredits,
		"overage_cost":    period.OverageCost,
	}).Error
}

// ============ 批量清算 ============

// ProcessExpiredBillingPeriods 清算所有到期账期
// 逐个处理：先出账，订阅已失效则只停用，否则续期；
// 单个账期的失败只计入统计，不中断整轮
func (s *Service) ProcessExpiredBillingPeriods(ctx context.Context) (*SweepStats, error) {
	now := time.Now().UTC()
	var expired []BillingPeriod
	// plan_change 账期已被截断，只需补出账，不再续期
	if err := s.db.WithContext(ctx).
		Where("status IN ? AND end_date < ?", []string{PeriodStatusActive, PeriodStatusPlanChange}, now).
		Order("end_date ASC").
		Find(&expired).Error; err != nil {
		return nil, fmt.Errorf("查询到期账期失败: %w", err)
	}

	stats := &SweepStats{Details: []string{}}
	for i := range expired {
		period := &expired[i]
		stats.Processed++
		if err := s.processOneExpiredPeriod(ctx, period, stats); err != nil {
			stats.Errors++
			stats.Details = append(stats.Details,
				fmt.Sprintf("账期 %s 处理失败: %v", period.ID, err))
			metrics.PeriodsProcessedTotal.WithLabelValues("failed").Inc()
			logger.WithContext(ctx).Error("账期清算失败",
				zap.String("period_id", period.ID),
				zap.String("user_id", period.UserID),
				zap.Error(err),
			)
		}
	}
	return stats, nil
}

func (s *Service) processOneExpiredPeriod(ctx context.Context, period *BillingPeriod, stats *SweepStats) error {
	u, err := s.users.GetUser(ctx, period.UserID)
	if err != nil {
		return err
	}

	if !period.Invoiced {
		result := s.GenerateInvoiceForPeriod(ctx, period, u)
		if !result.Success {
			// 账期保持 active，下一轮清算重试
			return fmt.Errorf("出账失败: %s", result.Error)
		}
		if !result.Skipped {
			stats.Invoiced++
		}
		period.Invoiced = true
	}

	if period.Status == PeriodStatusPlanChange {
		// 换套餐时已创建后继账期，这里只需归档
		if err := s.db.WithContext(ctx).Model(&BillingPeriod{}).
			Where("id = ?", period.ID).
			Update("status", PeriodStatusInactive).Error; err != nil {
			return fmt.Errorf("归档换套餐账期失败: %w", err)
		}
		return nil
	}

	if u.SubscriptionStatus != user.SubscriptionStatusActive {
		if err := s.db.WithContext(ctx).Model(&BillingPeriod{}).
			Where("id = ?", period.ID).
			Update("status", PeriodStatusInactive).Error; err != nil {
			return fmt.Errorf("停用账期失败: %w", err)
		}
		stats.Canceled++
		return nil
	}

	plan, err := s.plans.GetPlan(ctx, period.SubscriptionPlanID)
	if err != nil {
		return err
	}
	if _, err := s.CreateNewBillingPeriod(ctx, u, plan, period); err != nil {
		return err
	}
	stats.Renewed++
	metrics.PeriodsProcessedTotal.WithLabelValues("renewed").Inc()
	return nil
}

// ============ 换套餐 ============

// ChangeUserPlan 账期中途切换套餐
// 旧账期标记为 plan_change 并立即截断，新账期即刻生效；
// 升级重置为新套餐全额配额，降级按剩余时间占比折算
func (s *Service) ChangeUserPlan(ctx context.Context, userID, newPlanID string) (*PlanChangeResult, error) {
	if _, err := s.users.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	newPlan, err := s.plans.GetPlan(ctx, newPlanID)
	if err != nil {
		return nil, err
	}

	current, err := s.CheckUserBillingPeriod(ctx, userID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, ErrNoSubscriptionPlan
	}

	oldPlan, err := s.plans.GetPlan(ctx, current.SubscriptionPlanID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	usedPct := usedPercentage(current.StartDate, current.EndDate, now)

	isUpgrade := newPlan.MonthlyQuotaCredits > oldPlan.MonthlyQuotaCredits
	newBalance := newPlan.MonthlyQuotaCredits
	if !isUpgrade {
		newBalance = newPlan.MonthlyQuotaCredits * (1 - usedPct)
	}

	newPeriod := &BillingPeriod{
		UserID:             userID,
		SubscriptionPlanID: newPlan.ID,
		StartDate:          now,
		EndDate:            now.Add(s.periodLength()),
		Status:             PeriodStatusActive,
		QuotaRemaining:     newBalance,
		PreviousPlanID:     &oldPlan.ID,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 旧账期截断到当前时刻，出账时按实际天数折算
		if err := tx.Model(&BillingPeriod{}).
			Where("id = ?", current.ID).
			Updates(map[string]interface{}{
				"status":         PeriodStatusPlanChange,
				"is_plan_change": true,
				"end_date":       now,
			}).Error; err != nil {
			return fmt.Errorf("标记旧账期失败: %w", err)
		}
		if err := tx.Create(newPeriod).Error; err != nil {
			return fmt.Errorf("创建新账期失败: %w", err)
		}
		if err := tx.Model(&user.User{}).Where("id = ?", userID).Updates(map[string]interface{}{
			"subscription_plan_id": newPlan.ID,
			"credits_balance":      newBalance,
		}).Error; err != nil {
			return fmt.Errorf("更新用户套餐失败: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	proration, _ := json.Marshal(map[string]interface{}{
		"old_plan_quota":  oldPlan.MonthlyQuotaCredits,
		"new_plan_quota":  newPlan.MonthlyQuotaCredits,
		"used_percentage": usedPct,
		"elapsed":         now.Sub(current.StartDate).String(),
		"is_upgrade":      isUpgrade,
	})
	result := &PlanChangeResult{
		UserID:         userID,
		OldPlanID:      oldPlan.ID,
		NewPlanID:      newPlan.ID,
		OldPeriodID:    current.ID,
		NewPeriodID:    newPeriod.ID,
		IsUpgrade:      isUpgrade,
		UsedPercentage: usedPct,
		NewBalance:     newBalance,
		Proration:      proration,
	}
	if err := s.db.WithContext(ctx).Create(result).Error; err != nil {
		return nil, fmt.Errorf("记录换套餐结果失败: %w", err)
	}

	logger.WithContext(ctx).Info("用户切换套餐",
		zap.String("user_id", userID),
		zap.String("old_plan", oldPlan.Code),
		zap.String("new_plan", newPlan.Code),
		zap.Float64("used_percentage", usedPct),
		zap.Float64("new_balance", newBalance),
	)
	return result, nil
}

// usedPercentage 账期已消耗时间占比，限制在 [0,1]
// 零长度或非法账期按已用尽处理
func usedPercentage(start, end, now time.Time) float64 {
	total := end.Sub(start)
	if total <= 0 {
		return 1
	}
	pct := float64(now.Sub(start)) / float64(total)
	if pct < 0 {
		return 0
	}
	if pct > 1 {
		return 1
	}
	return pct
}

// ============ 管理入口 ============

// ManuallyRenewUserBillingPeriod 手动续期（客服/测试用）
func (s *Service) ManuallyRenewUserBillingPeriod(ctx context.Context, userID string) (*BillingPeriod, error) {
	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.SubscriptionPlanID == nil {
		return nil, ErrNoSubscriptionPlan
	}
	plan, err := s.plans.GetPlan(ctx, *u.SubscriptionPlanID)
	if err != nil {
		return nil, err
	}

	current, err := s.GetActivePeriod(ctx, userID)
	if err != nil && !errors.Is(err, ErrNoActivePeriod) {
		return nil, err
	}
	if current != nil {
		if err := s.db.WithContext(ctx).Model(&BillingPeriod{}).
			Where("id = ?", current.ID).
			Update("status", PeriodStatusInactive).Error; err != nil {
			return nil, fmt.Errorf("停用当前账期失败: %w", err)
		}
	}
	return s.CreateNewBillingPeriod(ctx, u, plan, current)
}

// ListUserPeriods 列出用户账期（新到旧）
func (s *Service) ListUserPeriods(ctx context.Context, userID string, limit int) ([]BillingPeriod, error) {
	if limit <= 0 {
		limit = 50
	}
	var periods []BillingPeriod
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("start_date DESC").
		Limit(limit).
		Find(&periods).Error
	if err != nil {
		return nil, fmt.Errorf("查询账期列表失败: %w", err)
	}
	return periods, nil
}
