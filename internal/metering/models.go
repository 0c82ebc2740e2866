package metering

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ============================================================================
// 用量台账
// ============================================================================

// UsageRecord 流程运行用量台账，一次运行一条
// 创建后各成本字段只做累加，finalize 之后只读
type UsageRecord struct {
	ID        string `gorm:"type:uuid;primaryKey" json:"id"`
	UserID    string `gorm:"type:uuid;not null;index:idx_usage_user" json:"user_id"`
	FlowID    string `gorm:"type:varchar(255);index" json:"flow_id"`
	SessionID string `gorm:"type:varchar(255);index:idx_usage_session" json:"session_id"`

	// 创建时没有进行中账期则为空，用量仍被记录但不计入配额
	BillingPeriodID *string `gorm:"type:uuid;index" json:"billing_period_id,omitempty"`

	// 成本字段（积分），total = fixed + llm + tools + kb
	FixedCost float64 `gorm:"default:0" json:"fixed_cost"`
	LLMCost   float64 `gorm:"default:0" json:"llm_cost"`
	ToolsCost float64 `gorm:"default:0" json:"tools_cost"`
	KBCost    float64 `gorm:"default:0" json:"kb_cost"`
	TotalCost float64 `gorm:"default:0" json:"total_cost"`

	// 结算时间戳，非空表示余额已扣减，重复 finalize 只返回快照
	FinalizedAt *time.Time `json:"finalized_at,omitempty"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate GORM 钩子：创建前设置 ID
func (r *UsageRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return nil
}

// TableName 指定表名
func (UsageRecord) TableName() string {
	return "usage_records"
}

// ============================================================================
// 明细行
// ============================================================================

// TokenUsageDetail Token 用量明细
type TokenUsageDetail struct {
	ID            string    `gorm:"type:uuid;primaryKey" json:"id"`
	UsageRecordID string    `gorm:"type:uuid;not null;index:idx_token_detail_record" json:"usage_record_id"`
	ModelName     string    `gorm:"type:varchar(100);not null" json:"model_name"`
	InputTokens   int       `gorm:"default:0" json:"input_tokens"`
	OutputTokens  int       `gorm:"default:0" json:"output_tokens"`
	Cost          float64   `gorm:"default:0" json:"cost"`
	CreatedAt     time.Time `gorm:"index" json:"created_at"`
}

// BeforeCreate GORM 钩子：创建前设置 ID
func (d *TokenUsageDetail) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	return nil
}

// TableName 指定表名
func (TokenUsageDetail) TableName() string {
	return "token_usage_details"
}

// ToolUsageDetail 工具调用用量明细
type ToolUsageDetail struct {
	ID            string    `gorm:"type:uuid;primaryKey" json:"id"`
	UsageRecordID string    `gorm:"type:uuid;not null;index:idx_tool_detail_record" json:"usage_record_id"`
	ToolName      string    `gorm:"type:varchar(100);not null" json:"tool_name"`
	Count         int       `gorm:"default:0" json:"count"`
	IsPremium     bool      `gorm:"default:false" json:"is_premium"`
	Cost          float64   `gorm:"default:0" json:"cost"`
	CreatedAt     time.Time `gorm:"index" json:"created_at"`
}

// BeforeCreate GORM 钩子：创建前设置 ID
func (d *ToolUsageDetail) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	return nil
}

// TableName 指定表名
func (ToolUsageDetail) TableName() string {
	return "tool_usage_details"
}

// KBUsageDetail 知识库查询用量明细
type KBUsageDetail struct {
	ID            string    `gorm:"type:uuid;primaryKey" json:"id"`
	UsageRecordID string    `gorm:"type:uuid;not null;index:idx_kb_detail_record" json:"usage_record_id"`
	KBName        string    `gorm:"type:varchar(100);not null" json:"kb_name"`
	Count         int       `gorm:"default:0" json:"count"`
	Cost          float64   `gorm:"default:0" json:"cost"`
	CreatedAt     time.Time `gorm:"index" json:"created_at"`
}

// BeforeCreate GORM 钩子：创建前设置 ID
func (d *KBUsageDetail) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	return nil
}

// TableName 指定表名
func (KBUsageDetail) TableName() string {
	return "kb_usage_details"
}

// ============================================================================
// 会话标识映射
// ============================================================================

// SessionMapping 学习到的会话标识映射
// 调用方传来的运行标识格式不稳定（UUID / 会话标签 / 标签前缀），
// 解析成功后把别名落库，跨进程复用
type SessionMapping struct {
	ID        string    `gorm:"type:uuid;primaryKey" json:"id"`
	UserID    string    `gorm:"type:uuid;not null;uniqueIndex:idx_session_mapping_alias" json:"user_id"`
	Alias     string    `gorm:"type:varchar(255);not null;uniqueIndex:idx_session_mapping_alias" json:"alias"`
	SessionID string    `gorm:"type:varchar(255);not null" json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate GORM 钩子：创建前设置 ID
func (m *SessionMapping) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

// TableName 指定表名
func (SessionMapping) TableName() string {
	return "session_mappings"
}
