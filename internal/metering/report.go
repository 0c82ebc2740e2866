package metering

import (
	"context"
	"encoding/csv"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// ============================================================================
// 用量报表
// ============================================================================

// UsageReportQuery 用量报表查询条件
type UsageReportQuery struct {
	UserID    string     `json:"user_id" binding:"required"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
}

// ModelCostItem 按模型聚合的成本项
type ModelCostItem struct {
	ModelName    string  `json:"model_name"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Calls        int64   `json:"calls"`
	Cost         float64 `json:"cost"`
}

// ToolCostItem 按工具聚合的成本项
type ToolCostItem struct {
	ToolName string  `json:"tool_name"`
	Calls    int64   `json:"calls"`
	Cost     float64 `json:"cost"`
}

// KBCostItem 按知识库聚合的成本项
type KBCostItem struct {
	KBName  string  `json:"kb_name"`
	Queries int64   `json:"queries"`
	Cost    float64 `json:"cost"`
}

// UsageReport 用户用量报表
type UsageReport struct {
	UserID    string     `json:"user_id"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`

	TotalRuns      int64   `json:"total_runs"`
	TotalCost      float64 `json:"total_cost"`
	TotalFixedCost float64 `json:"total_fixed_cost"`
	TotalLLMCost   float64 `json:"total_llm_cost"`
	TotalToolsCost float64 `json:"total_tools_cost"`
	TotalKBCost    float64 `json:"total_kb_cost"`

	ByModel []ModelCostItem `json:"by_model"`
	ByTool  []ToolCostItem  `json:"by_tool"`
	ByKB    []KBCostItem    `json:"by_kb"`
}

// GenerateUsageReport 生成用户用量报表，按模型/工具/知识库聚合
func (s *Service) GenerateUsageReport(ctx context.Context, query *UsageReportQuery) (*UsageReport, error) {
	report := &UsageReport{
		UserID:    query.UserID,
		StartTime: query.StartTime,
		EndTime:   query.EndTime,
	}

	recordScope := s.db.WithContext(ctx).Model(&UsageRecord{}).
		Where("user_id = ?", query.UserID)
	if query.StartTime != nil {
		recordScope = recordScope.Where("created_at >= ?", *query.StartTime)
	}
	if query.EndTime != nil {
		recordScope = recordScope.Where("created_at < ?", *query.EndTime)
	}

	var totals struct {
		Runs  int64
		Total float64
		Fixed float64
		LLM   float64
		Tools float64
		KB    float64
	}
	err := recordScope.
		Select("COUNT(*) as runs, COALESCE(SUM(total_cost),0) as total, COALESCE(SUM(fixed_cost),0) as fixed, COALESCE(SUM(llm_cost),0) as llm, COALESCE(SUM(tools_cost),0) as tools, COALESCE(SUM(kb_cost),0) as kb").
		Scan(&totals).Error
	if err != nil {
		return nil, fmt.Errorf("统计用量总额失败: %w", err)
	}
	report.TotalRuns = totals.Runs
	report.TotalCost = totals.Total
	report.TotalFixedCost = totals.Fixed
	report.TotalLLMCost = totals.LLM
	report.TotalToolsCost = totals.Tools
	report.TotalKBCost = totals.KB

	if err := s.detailScope(ctx, "token_usage_details", query).
		Select("token_usage_details.model_name, COALESCE(SUM(token_usage_details.input_tokens),0) as input_tokens, COALESCE(SUM(token_usage_details.output_tokens),0) as output_tokens, COUNT(*) as calls, COALESCE(SUM(token_usage_details.cost),0) as cost").
		Group("token_usage_details.model_name").
		Order("cost DESC").
		Scan(&report.ByModel).Error; err != nil {
		return nil, fmt.Errorf("聚合模型用量失败: %w", err)
	}

	if err := s.detailScope(ctx, "tool_usage_details", query).
		Select("tool_usage_details.tool_name, COALESCE(SUM(tool_usage_details.count),0) as calls, COALESCE(SUM(tool_usage_details.cost),0) as cost").
		Group("tool_usage_details.tool_name").
		Order("cost DESC").
		Scan(&report.ByTool).Error; err != nil {
		return nil, fmt.Errorf("聚合工具用量失败: %w", err)
	}

	if err := s.detailScope(ctx, "kb_usage_details", query).
		Select("kb_usage_details.kb_name, COALESCE(SUM(kb_usage_details.count),0) as queries, COALESCE(SUM(kb_usage_details.cost),0) as cost").
		Group("kb_usage_details.kb_name").
		Order("cost DESC").
		Scan(&report.ByKB).Error; err != nil {
		return nil, fmt.Errorf("聚合知识库用量失败: %w", err)
	}

	return report, nil
}

// detailScope 构造明细表与用量台账的关联查询，带用户与时间过滤
func (s *Service) detailScope(ctx context.Context, table string, query *UsageReportQuery) *gorm.DB {
	scope := s.db.WithContext(ctx).Table(table).
		Joins(fmt.Sprintf("JOIN usage_records ON usage_records.id = %s.usage_record_id", table)).
		Where("usage_records.user_id = ?", query.UserID)
	if query.StartTime != nil {
		scope = scope.Where("usage_records.created_at >= ?", *query.StartTime)
	}
	if query.EndTime != nil {
		scope = scope.Where("usage_records.created_at < ?", *query.EndTime)
	}
	return scope
}

// ============================================================================
// 导出
// ============================================================================

// ExportUsageCSV 导出用量台账为CSV
func (s *Service) ExportUsageCSV(ctx context.Context, query *UsageReportQuery) (string, error) {
	var records []UsageRecord
	scope := s.db.WithContext(ctx).
		Where("user_id = ?", query.UserID).
		Order("created_at DESC").
		Limit(10000)
	if query.StartTime != nil {
		scope = scope.Where("created_at >= ?", *query.StartTime)
	}
	if query.EndTime != nil {
		scope = scope.Where("created_at < ?", *query.EndTime)
	}
	if err := scope.Find(&records).Error; err != nil {
		return "", err
	}

	var builder strings.Builder
	writer := csv.NewWriter(&builder)

	writer.Write([]string{
		"ID", "用户ID", "流程ID", "会话ID", "账期ID",
		"固定成本", "模型成本", "工具成本", "知识库成本", "总成本",
		"结算时间", "创建时间",
	})

	for _, r := range records {
		periodID := ""
		if r.BillingPeriodID != nil {
			periodID = *r.BillingPeriodID
		}
		finalizedAt := ""
		if r.FinalizedAt != nil {
			finalizedAt = r.FinalizedAt.Format("2006-01-02 15:04:05")
		}
		writer.Write([]string{
			r.ID,
			r.UserID,
			r.FlowID,
			r.SessionID,
			periodID,
			fmt.Sprintf("%.4f", r.FixedCost),
			fmt.Sprintf("%.4f", r.LLMCost),
			fmt.Sprintf("%.4f", r.ToolsCost),
			fmt.Sprintf("%.4f", r.KBCost),
			fmt.Sprintf("%.4f", r.TotalCost),
			finalizedAt,
			r.CreatedAt.Format("2006-01-02 15:04:05"),
		})
	}

	writer.Flush()
	return builder.String(), writer.Error()
}
