package billing

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ============================================================================
// 账期
// ============================================================================

// 账期状态
const (
	PeriodStatusActive     = "active"
	PeriodStatusInactive   = "inactive"
	PeriodStatusPlanChange = "plan_change"
)

// BillingPeriod 计费账期
// 每个用户同一时刻只有一个 active 账期（由管理器维护）
type BillingPeriod struct {
	ID                 string    `gorm:"type:uuid;primaryKey" json:"id"`
	// 部分唯一索引保证并发 worker 下同一用户至多一个 active 账期
	UserID             string    `gorm:"type:uuid;not null;index:idx_period_user;uniqueIndex:idx_period_one_active,where:status = 'active'" json:"user_id"`
	SubscriptionPlanID string    `gorm:"type:uuid;not null" json:"subscription_plan_id"`
	StartDate          time.Time `gorm:"not null" json:"start_date"`
	EndDate            time.Time `gorm:"not null;index" json:"end_date"`
	Status             string    `gorm:"type:varchar(20);not null;index:idx_period_status" json:"status"`

	// 配额计数（quota_remaining 在超额转换前可为负）
	QuotaUsed       float64 `gorm:"default:0" json:"quota_used"`
	QuotaRemaining  float64 `gorm:"default:0" json:"quota_remaining"`
	RolloverCredits float64 `gorm:"default:0" json:"rollover_credits"`

	// 超额计数
	OverageCredits   float64 `gorm:"default:0" json:"overage_credits"`
	OverageCost      float64 `gorm:"default:0" json:"overage_cost"`
	OverageLimitUSD  float64 `gorm:"default:0" json:"overage_limit_usd"`
	IsOverageLimited bool    `gorm:"default:false" json:"is_overage_limited"`

	// 换套餐标记
	IsPlanChange   bool    `gorm:"default:false" json:"is_plan_change"`
	PreviousPlanID *string `gorm:"type:uuid" json:"previous_plan_id,omitempty"`

	// 出账标记，false→true 只发生一次
	Invoiced bool `gorm:"default:false" json:"invoiced"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate GORM 钩子：创建前设置 ID
func (p *BillingPeriod) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	return nil
}

// TableName 指定表名
func (BillingPeriod) TableName() string {
	return "billing_periods"
}

// BaseQuota 账期的基础配额（不含结转）
// 守恒式：quota_used + quota_remaining - overage_credits == base + rollover
func (p *BillingPeriod) BaseQuota() float64 {
	return p.QuotaUsed + p.QuotaRemaining - p.OverageCredits - p.RolloverCredits
}

// IsExpired 账期是否已过期
func (p *BillingPeriod) IsExpired(now time.Time) bool {
	return now.After(p.EndDate)
}

// ============================================================================
// 发票
// ============================================================================

// 发票状态（镜像支付处理方状态）
const (
	InvoiceStatusPending       = "pending"
	InvoiceStatusOpen          = "open"
	InvoiceStatusPaid          = "paid"
	InvoiceStatusUncollectible = "uncollectible"
)

// Invoice 发票，镜像外部支付处理方的发票状态
type Invoice struct {
	ID              string  `gorm:"type:uuid;primaryKey" json:"id"`
	UserID          string  `gorm:"type:uuid;not null;index:idx_invoice_user" json:"user_id"`
	BillingPeriodID *string `gorm:"type:uuid;index" json:"billing_period_id,omitempty"` // 临时收费时为空
	AmountUSD       float64 `gorm:"type:decimal(10,2);not null" json:"amount_usd"`
	Status          string  `gorm:"type:varchar(20);not null;index:idx_invoice_status" json:"status"`

	// 外部发票镜像字段，零金额本地发票时为空
	StripeInvoiceID  *string `gorm:"type:varchar(255)" json:"stripe_invoice_id,omitempty"`
	StripeInvoiceURL *string `gorm:"type:text" json:"stripe_invoice_url,omitempty"`

	Description string         `gorm:"type:text" json:"description"`
	LineItems   datatypes.JSON `gorm:"type:jsonb" json:"line_items,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	PaidAt    *time.Time `json:"paid_at,omitempty"`
}

// BeforeCreate GORM 钩子：创建前设置 ID
func (i *Invoice) BeforeCreate(tx *gorm.DB) error {
	if i.ID == "" {
		i.ID = uuid.New().String()
	}
	return nil
}

// TableName 指定表名
func (Invoice) TableName() string {
	return "invoices"
}

// InvoiceLineItem 发票行项目
type InvoiceLineItem struct {
	Description string  `json:"description"`
	AmountUSD   float64 `json:"amount_usd"`
}

// ============================================================================
// 操作结果
// ============================================================================

// SweepStats 到期账期批量清算统计
// 单个账期的失败只计入 Errors，不中断整轮清算
type SweepStats struct {
	Processed int      `json:"processed"`
	Renewed   int      `json:"renewed"`
	Canceled  int      `json:"canceled"`
	Invoiced  int      `json:"invoiced"`
	Errors    int      `json:"errors"`
	Details   []string `json:"details"`
}

// UnpaidStats 未支付发票处置统计
type UnpaidStats struct {
	Checked    int      `json:"checked"`
	Reconciled int      `json:"reconciled"`
	PastDue    int      `json:"past_due"`
	Canceled   int      `json:"canceled"`
	Errors     int      `json:"errors"`
	Details    []string `json:"details"`
}

// PlanChangeResult 换套餐结果，含按时间占比折算明细
type PlanChangeResult struct {
	ID             string         `gorm:"type:uuid;primaryKey" json:"id"`
	UserID         string         `gorm:"type:uuid;not null;index" json:"user_id"`
	OldPlanID      string         `gorm:"type:uuid;not null" json:"old_plan_id"`
	NewPlanID      string         `gorm:"type:uuid;not null" json:"new_plan_id"`
	OldPeriodID    string         `gorm:"type:uuid;not null" json:"old_period_id"`
	NewPeriodID    string         `gorm:"type:uuid;not null" json:"new_period_id"`
	IsUpgrade      bool           `json:"is_upgrade"`
	UsedPercentage float64        `json:"used_percentage"`
	NewBalance     float64        `json:"new_balance"`
	Proration      datatypes.JSON `gorm:"type:jsonb" json:"proration"`
	CreatedAt      time.Time      `json:"created_at"`
}

// BeforeCreate GORM 钩子：创建前设置 ID
func (r *PlanChangeResult) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return nil
}

// TableName 指定表名
func (PlanChangeResult) TableName() string {
	return "plan_change_results"
}

// InvoiceResult 出账操作的结构化结果，错误以字段形式返回而不抛出
type InvoiceResult struct {
	Success   bool     `json:"success"`
	Error     string   `json:"error,omitempty"`
	InvoiceID string   `json:"invoice_id,omitempty"`
	AmountUSD float64  `json:"amount_usd"`
	Skipped   bool     `json:"skipped"` // 已出账的重复调用
	Invoice   *Invoice `json:"invoice,omitempty"`
}
