package user

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// 订阅状态
const (
	SubscriptionStatusActive   = "active"
	SubscriptionStatusPastDue  = "past_due"
	SubscriptionStatusCanceled = "canceled"
)

// User 用户账户，持有积分余额与订阅状态
type User struct {
	ID    string `gorm:"type:uuid;primaryKey" json:"id"`
	Email string `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	Name  string `gorm:"type:varchar(100)" json:"name"`

	// 积分余额（可为负，负值部分按超额计价）
	CreditsBalance float64 `gorm:"not null;default:0" json:"credits_balance"`

	// 订阅信息
	SubscriptionPlanID *string `gorm:"type:uuid;index" json:"subscription_plan_id"`
	SubscriptionStatus string  `gorm:"type:varchar(20);default:'active'" json:"subscription_status"`

	// 支付处理方侧的标识
	StripeCustomerID     *string `gorm:"type:varchar(255)" json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID *string `gorm:"type:varchar(255)" json:"stripe_subscription_id,omitempty"`

	// 每日计数器，按 UTC 日界重置
	DailyRunsCount      int        `gorm:"default:0" json:"daily_runs_count"`
	DailyRunsResetAt    *time.Time `json:"daily_runs_reset_at,omitempty"`
	DailyKBQueriesCount int        `gorm:"default:0" json:"daily_kb_queries_count"`
	DailyKBResetAt      *time.Time `json:"daily_kb_reset_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate GORM 钩子：创建前设置 ID
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	return nil
}

// TableName 指定表名
func (User) TableName() string {
	return "users"
}

// SameUTCDay 判断两个时刻是否落在同一个 UTC 日
func SameUTCDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
