package user

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

var (
	// ErrUserNotFound 用户不存在
	ErrUserNotFound = errors.New("用户不存在")
	// ErrEmailExists 邮箱已被注册
	ErrEmailExists = errors.New("邮箱已被注册")
)

// Service 用户服务
type Service struct {
	db *gorm.DB
}

// NewService 创建用户服务
func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// AutoMigrate 自动迁移表结构
func (s *Service) AutoMigrate() error {
	return s.db.AutoMigrate(&User{})
}

// CreateUser 创建用户
func (s *Service) CreateUser(ctx context.Context, email, name string) (*User, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&User{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("检查邮箱失败: %w", err)
	}
	if count > 0 {
		return nil, ErrEmailExists
	}

	u := &User{
		Email:              email,
		Name:               name,
		SubscriptionStatus: SubscriptionStatusActive,
	}
	if err := s.db.WithContext(ctx).Create(u).Error; err != nil {
		return nil, fmt.Errorf("创建用户失败: %w", err)
	}
	return u, nil
}

// GetUser 获取用户
func (s *Service) GetUser(ctx context.Context, userID string) (*User, error) {
	var u User
	err := s.db.WithContext(ctx).Where("id = ?", userID).First(&u).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("查询用户失败: %w", err)
	}
	return &u, nil
}

// GetUserByEmail 按邮箱获取用户
func (s *Service) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := s.db.WithContext(ctx).Where("email = ?", email).First(&u).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("查询用户失败: %w", err)
	}
	return &u, nil
}

// AddCredits 增加积分余额（负数表示扣减），使用原子更新避免并发覆盖
func (s *Service) AddCredits(ctx context.Context, userID string, delta float64) error {
	return s.AddCreditsTx(ctx, s.db, userID, delta)
}

// AddCreditsTx 在调用方事务中增加积分余额，随外层事务一起提交或回滚
func (s *Service) AddCreditsTx(ctx context.Context, tx *gorm.DB, userID string, delta float64) error {
	result := tx.WithContext(ctx).Model(&User{}).
		Where("id = ?", userID).
		Update("credits_balance", gorm.Expr("credits_balance + ?", delta))
	if result.Error != nil {
		return fmt.Errorf("更新积分余额失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// SetCreditsBalance 直接设置积分余额（账期续期时的硬重置）
func (s *Service) SetCreditsBalance(ctx context.Context, userID string, balance float64) error {
	result := s.db.WithContext(ctx).Model(&User{}).
		Where("id = ?", userID).
		Update("credits_balance", balance)
	if result.Error != nil {
		return fmt.Errorf("设置积分余额失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// SetSubscription 更新订阅计划与状态
func (s *Service) SetSubscription(ctx context.Context, userID string, planID *string, status string) error {
	updates := map[string]interface{}{
		"subscription_plan_id": planID,
		"subscription_status":  status,
	}
	result := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", userID).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("更新订阅状态失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// SetSubscriptionStatus 仅更新订阅状态
func (s *Service) SetSubscriptionStatus(ctx context.Context, userID, status string) error {
	result := s.db.WithContext(ctx).Model(&User{}).
		Where("id = ?", userID).
		Update("subscription_status", status)
	if result.Error != nil {
		return fmt.Errorf("更新订阅状态失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// IncrementDailyRuns 递增每日运行计数，跨 UTC 日界时先归零
func (s *Service) IncrementDailyRuns(ctx context.Context, userID string) error {
	return s.incrementDaily(ctx, userID, "daily_runs_count", "daily_runs_reset_at")
}

// IncrementDailyKBQueries 递增每日知识库查询计数，跨 UTC 日界时先归零
func (s *Service) IncrementDailyKBQueries(ctx context.Context, userID string) error {
	return s.incrementDaily(ctx, userID, "daily_kb_queries_count", "daily_kb_reset_at")
}

func (s *Service) incrementDaily(ctx context.Context, userID, countCol, resetCol string) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var u User
		if err := tx.Where("id = ?", userID).First(&u).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUserNotFound
			}
			return fmt.Errorf("查询用户失败: %w", err)
		}

		var lastReset *time.Time
		switch resetCol {
		case "daily_runs_reset_at":
			lastReset = u.DailyRunsResetAt
		case "daily_kb_reset_at":
			lastReset = u.DailyKBResetAt
		}

		updates := map[string]interface{}{resetCol: now}
		if lastReset == nil || !SameUTCDay(*lastReset, now) {
			updates[countCol] = 1
		} else {
			updates[countCol] = gorm.Expr(countCol+" + ?", 1)
		}
		return tx.Model(&User{}).Where("id = ?", userID).Updates(updates).Error
	})
}
