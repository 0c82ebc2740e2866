package subscription

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SubscriptionPlan 订阅计划（套餐定义）
type SubscriptionPlan struct {
	ID          string `gorm:"primaryKey;type:uuid" json:"id"`
	Name        string `gorm:"size:100;not null" json:"name"`
	Code        string `gorm:"size:50;not null;uniqueIndex" json:"code"`
	Description string `gorm:"type:text" json:"description"`

	// 定价与配额
	PriceMonthlyUSD     float64 `gorm:"type:decimal(10,2);not null" json:"price_monthly_usd"`
	MonthlyQuotaCredits float64 `gorm:"not null" json:"monthly_quota_credits"`

	// 超额策略：是否允许配额用尽后继续扣为负值，以及超额部分的单价
	AllowsOverage         bool    `gorm:"default:false" json:"allows_overage"`
	OveragePricePerCredit float64 `gorm:"type:decimal(10,6);default:0" json:"overage_price_per_credit"`

	// 结转策略：续期时未用完的配额是否带入下一账期
	AllowsRollover bool `gorm:"default:false" json:"allows_rollover"`

	// 状态
	IsActive  bool `gorm:"default:true" json:"is_active"`
	IsDefault bool `gorm:"default:false" json:"is_default"` // 新用户自动分配
	SortOrder int  `gorm:"default:0" json:"sort_order"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate GORM 钩子：创建前设置 ID
func (p *SubscriptionPlan) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	return nil
}

// TableName 指定表名
func (SubscriptionPlan) TableName() string {
	return "subscription_plans"
}

// IsPaid 是否付费套餐
func (p *SubscriptionPlan) IsPaid() bool {
	return p.PriceMonthlyUSD > 0
}
