package subscription

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

var (
	// ErrPlanNotFound 套餐不存在
	ErrPlanNotFound = errors.New("订阅计划不存在")
	// ErrPlanCodeExists 套餐代码已存在
	ErrPlanCodeExists = errors.New("订阅计划代码已存在")
	// ErrNoDefaultPlan 未配置默认套餐
	ErrNoDefaultPlan = errors.New("未配置默认订阅计划")
)

// Service 订阅计划服务
type Service struct {
	db *gorm.DB
}

// NewService 创建订阅计划服务
func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// AutoMigrate 自动迁移表结构
func (s *Service) AutoMigrate() error {
	return s.db.AutoMigrate(&SubscriptionPlan{})
}

// GetPlan 获取套餐
func (s *Service) GetPlan(ctx context.Context, planID string) (*SubscriptionPlan, error) {
	var plan SubscriptionPlan
	err := s.db.WithContext(ctx).Where("id = ?", planID).First(&plan).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPlanNotFound
		}
		return nil, fmt.Errorf("查询订阅计划失败: %w", err)
	}
	return &plan, nil
}

// GetPlanByCode 按代码获取套餐
func (s *Service) GetPlanByCode(ctx context.Context, code string) (*SubscriptionPlan, error) {
	var plan SubscriptionPlan
	err := s.db.WithContext(ctx).Where("code = ?", code).First(&plan).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPlanNotFound
		}
		return nil, fmt.Errorf("查询订阅计划失败: %w", err)
	}
	return &plan, nil
}

// GetDefaultPlan 获取默认套餐（新用户自动分配）
func (s *Service) GetDefaultPlan(ctx context.Context) (*SubscriptionPlan, error) {
	var plan SubscriptionPlan
	err := s.db.WithContext(ctx).
		Where("is_default = ? AND is_active = ?", true, true).
		Order("sort_order ASC").
		First(&plan).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoDefaultPlan
		}
		return nil, fmt.Errorf("查询默认订阅计划失败: %w", err)
	}
	return &plan, nil
}

// ListPlans 列出套餐
// activeOnly 为 true 时只返回上架中的套餐
func (s *Service) ListPlans(ctx context.Context, activeOnly bool) ([]SubscriptionPlan, error) {
	var plans []SubscriptionPlan
	query := s.db.WithContext(ctx).Order("sort_order ASC, created_at ASC")
	if activeOnly {
		query = query.Where("is_active = ?", true)
	}
	if err := query.Find(&plans).Error; err != nil {
		return nil, fmt.Errorf("查询订阅计划列表失败: %w", err)
	}
	return plans, nil
}

// CreatePlan 创建套餐
func (s *Service) CreatePlan(ctx context.Context, plan *SubscriptionPlan) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&SubscriptionPlan{}).
		Where("code = ?", plan.Code).Count(&count).Error; err != nil {
		return fmt.Errorf("检查套餐代码失败: %w", err)
	}
	if count > 0 {
		return ErrPlanCodeExists
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 默认套餐全局唯一
		if plan.IsDefault {
			if err := tx.Model(&SubscriptionPlan{}).
				Where("is_default = ?", true).
				Update("is_default", false).Error; err != nil {
				return fmt.Errorf("清除旧默认套餐失败: %w", err)
			}
		}
		if err := tx.Create(plan).Error; err != nil {
			return fmt.Errorf("创建订阅计划失败: %w", err)
		}
		return nil
	})
}

// UpdatePlan 更新套餐
func (s *Service) UpdatePlan(ctx context.Context, planID string, updates map[string]interface{}) (*SubscriptionPlan, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if isDefault, ok := updates["is_default"].(bool); ok && isDefault {
			if err := tx.Model(&SubscriptionPlan{}).
				Where("is_default = ? AND id != ?", true, planID).
				Update("is_default", false).Error; err != nil {
				return fmt.Errorf("清除旧默认套餐失败: %w", err)
			}
		}
		result := tx.Model(&SubscriptionPlan{}).Where("id = ?", planID).Updates(updates)
		if result.Error != nil {
			return fmt.Errorf("更新订阅计划失败: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrPlanNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetPlan(ctx, planID)
}

// DeletePlan 下架套餐（软删除：标记为不可用，保留历史引用）
func (s *Service) DeletePlan(ctx context.Context, planID string) error {
	result := s.db.WithContext(ctx).Model(&SubscriptionPlan{}).
		Where("id = ?", planID).
		Updates(map[string]interface{}{"is_active": false, "is_default": false})
	if result.Error != nil {
		return fmt.Errorf("下架订阅计划失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrPlanNotFound
	}
	return nil
}
