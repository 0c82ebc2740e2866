package metering

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"backend/internal/billing"
	"backend/internal/config"
	"backend/internal/logger"
	"backend/internal/metrics"
	"backend/internal/user"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// PeriodLinker 账期联动接口（由 billing.Service 实现）
// 用量写入时把积分消耗同事务记入进行中的账期
type PeriodLinker interface {
	CheckUserBillingPeriod(ctx context.Context, userID string) (*billing.BillingPeriod, error)
	ApplyUsageTx(ctx context.Context, tx *gorm.DB, periodID string, credits float64) error
	GetPeriod(ctx context.Context, periodID string) (*billing.BillingPeriod, error)
}

// Service 用量计量服务
// 所有 Log* 操作只返回成功标志：计费失败绝不能把流程引擎打挂，
// 缺失用户、缺失台账、持久化失败都记日志并返回 false
type Service struct {
	db       *gorm.DB
	cfg      *config.MeteringConfig
	pricer   *Pricer
	resolver *SessionResolver
	dedupe   *DedupeCache
	users    *user.Service
	periods  PeriodLinker
	tracer   trace.Tracer
}

// NewService 创建计量服务
// periods 可为 nil，此时用量只记台账不联动配额
func NewService(db *gorm.DB, cfg *config.MeteringConfig, users *user.Service, periods PeriodLinker) *Service {
	return &Service{
		db:       db,
		cfg:      cfg,
		pricer:   NewPricer(cfg),
		resolver: NewSessionResolver(db),
		dedupe:   NewDedupeCache(cfg.DedupeTTL()),
		users:    users,
		periods:  periods,
		tracer:   otel.Tracer("metering"),
	}
}

// AutoMigrate 自动迁移表结构
func (s *Service) AutoMigrate() error {
	return s.db.AutoMigrate(
		&UsageRecord{},
		&TokenUsageDetail{},
		&ToolUsageDetail{},
		&KBUsageDetail{},
		&SessionMapping{},
	)
}

// Pricer 暴露成本计算器（成本预览接口用）
func (s *Service) Pricer() *Pricer {
	return s.pricer
}

// ============ 运行生命周期 ============

// StartRun 流程运行开始：建台账、预置固定成本、挂接进行中账期
// 没有进行中账期时挂接为空，用量仍被记录但不计入配额
func (s *Service) StartRun(ctx context.Context, flowID, sessionID, userID string) (*UsageRecord, error) {
	ctx, span := s.tracer.Start(ctx, "metering.StartRun",
		trace.WithAttributes(attribute.String("user_id", userID)))
	defer span.End()

	if userID == "" {
		return nil, errors.New("缺少用户标识")
	}
	if _, err := s.users.GetUser(ctx, userID); err != nil {
		return nil, err
	}

	// 每日运行计数，跨 UTC 日界自动归零
	if err := s.users.IncrementDailyRuns(ctx, userID); err != nil {
		logger.WithContext(ctx).Warn("更新每日运行计数失败", zap.Error(err))
	}

	var periodID *string
	if s.periods != nil {
		period, err := s.periods.CheckUserBillingPeriod(ctx, userID)
		if err != nil {
			logger.WithContext(ctx).Warn("检查账期失败，本次运行不计入配额",
				zap.String("user_id", userID),
				zap.Error(err),
			)
		} else if period != nil {
			periodID = &period.ID
		}
	}

	record := &UsageRecord{
		UserID:          userID,
		FlowID:          flowID,
		SessionID:       sessionID,
		BillingPeriodID: periodID,
		FixedCost:       s.cfg.FixedRunCost,
		TotalCost:       s.cfg.FixedRunCost,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(record).Error; err != nil {
			return fmt.Errorf("创建用量记录失败: %w", err)
		}
		if periodID != nil && record.FixedCost > 0 {
			return s.periods.ApplyUsageTx(ctx, tx, *periodID, record.FixedCost)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.UsageEventsTotal.WithLabelValues("run_start", "ok").Inc()
	ctx = logger.WithRun(ctx, record.ID, userID)
	logger.WithContext(ctx).Info("流程运行开始",
		zap.String("record_id", record.ID),
		zap.String("flow_id", flowID),
		zap.String("session_id", sessionID),
	)
	return record, nil
}

// ============ 用量上报 ============

// LogTokenUsage 记录一次模型调用的 token 用量
func (s *Service) LogTokenUsage(ctx context.Context, runID, modelName string, inputTokens, outputTokens int, userID string) bool {
	ctx, span := s.tracer.Start(ctx, "metering.LogTokenUsage",
		trace.WithAttributes(attribute.String("model", modelName)))
	defer span.End()

	if runID == "" || userID == "" {
		logger.WithContext(ctx).Warn("token 用量上报缺少标识",
			zap.String("run_id", runID), zap.String("user_id", userID))
		metrics.UsageEventsTotal.WithLabelValues("token", "invalid").Inc()
		return false
	}

	record, err := s.resolver.Resolve(ctx, userID, runID)
	if err != nil {
		s.logResolveFailure(ctx, "token", runID, userID, err)
		return false
	}

	key := s.dedupe.Key("token", record.ID, modelName, joinInts(inputTokens, outputTokens))
	if s.dedupe.Seen(key) {
		metrics.DedupeHitsTotal.WithLabelValues("memory").Inc()
		return true
	}
	if s.hasRecentTokenDetail(ctx, record.ID, modelName, inputTokens, outputTokens) {
		metrics.DedupeHitsTotal.WithLabelValues("database").Inc()
		s.dedupe.Mark(key)
		return true
	}

	cost := s.pricer.TokenCost(modelName, inputTokens, outputTokens)
	detail := &TokenUsageDetail{
		UsageRecordID: record.ID,
		ModelName:     modelName,
		InputTokens:   inputTokens,
		OutputTokens:  outputTokens,
		Cost:          cost,
	}

	if !s.appendDetail(ctx, record, detail, "llm_cost", cost) {
		metrics.UsageEventsTotal.WithLabelValues("token", "error").Inc()
		return false
	}

	s.dedupe.Mark(key)
	metrics.UsageEventsTotal.WithLabelValues("token", "ok").Inc()
	metrics.UsageCreditsTotal.WithLabelValues("token").Add(cost)
	return true
}

// LogToolUsage 记录工具调用用量
func (s *Service) LogToolUsage(ctx context.Context, runID, toolName string, count int, userID string) bool {
	ctx, span := s.tracer.Start(ctx, "metering.LogToolUsage",
		trace.WithAttributes(attribute.String("tool", toolName)))
	defer span.End()

	if runID == "" || userID == "" {
		logger.WithContext(ctx).Warn("工具用量上报缺少标识",
			zap.String("run_id", runID), zap.String("user_id", userID))
		metrics.UsageEventsTotal.WithLabelValues("tool", "invalid").Inc()
		return false
	}

	record, err := s.resolver.Resolve(ctx, userID, runID)
	if err != nil {
		s.logResolveFailure(ctx, "tool", runID, userID, err)
		return false
	}

	key := s.dedupe.Key("tool", record.ID, toolName, strconv.Itoa(count))
	if s.dedupe.Seen(key) {
		metrics.DedupeHitsTotal.WithLabelValues("memory").Inc()
		return true
	}
	if s.hasRecentToolDetail(ctx, record.ID, toolName, count) {
		metrics.DedupeHitsTotal.WithLabelValues("database").Inc()
		s.dedupe.Mark(key)
		return true
	}

	cost, isPremium := s.pricer.ToolCost(toolName, count)
	detail := &ToolUsageDetail{
		UsageRecordID: record.ID,
		ToolName:      toolName,
		Count:         count,
		IsPremium:     isPremium,
		Cost:          cost,
	}

	if !s.appendDetail(ctx, record, detail, "tools_cost", cost) {
		metrics.UsageEventsTotal.WithLabelValues("tool", "error").Inc()
		return false
	}

	s.dedupe.Mark(key)
	metrics.UsageEventsTotal.WithLabelValues("tool", "ok").Inc()
	metrics.UsageCreditsTotal.WithLabelValues("tool").Add(cost)
	return true
}

// LogKBUsage 记录知识库查询用量，同时递增用户每日查询计数
func (s *Service) LogKBUsage(ctx context.Context, runID, kbName string, count int, userID string) bool {
	ctx, span := s.tracer.Start(ctx, "metering.LogKBUsage",
		trace.WithAttributes(attribute.String("kb", kbName)))
	defer span.End()

	if runID == "" || userID == "" {
		logger.WithContext(ctx).Warn("知识库用量上报缺少标识",
			zap.String("run_id", runID), zap.String("user_id", userID))
		metrics.UsageEventsTotal.WithLabelValues("kb", "invalid").Inc()
		return false
	}

	record, err := s.resolver.Resolve(ctx, userID, runID)
	if err != nil {
		s.logResolveFailure(ctx, "kb", runID, userID, err)
		return false
	}

	key := s.dedupe.Key("kb", record.ID, kbName, strconv.Itoa(count))
	if s.dedupe.Seen(key) {
		metrics.DedupeHitsTotal.WithLabelValues("memory").Inc()
		return true
	}
	if s.hasRecentKBDetail(ctx, record.ID, kbName, count) {
		metrics.DedupeHitsTotal.WithLabelValues("database").Inc()
		s.dedupe.Mark(key)
		return true
	}

	cost := s.pricer.KBCost(count)
	detail := &KBUsageDetail{
		UsageRecordID: record.ID,
		KBName:        kbName,
		Count:         count,
		Cost:          cost,
	}

	if !s.appendDetail(ctx, record, detail, "kb_cost", cost) {
		metrics.UsageEventsTotal.WithLabelValues("kb", "error").Inc()
		return false
	}

	if err := s.users.IncrementDailyKBQueries(ctx, userID); err != nil {
		logger.WithContext(ctx).Warn("更新每日知识库查询计数失败", zap.Error(err))
	}

	s.dedupe.Mark(key)
	metrics.UsageEventsTotal.WithLabelValues("kb", "ok").Inc()
	metrics.UsageCreditsTotal.WithLabelValues("kb").Add(cost)
	return true
}

// appendDetail 明细写入、台账小计累加、账期记账在同一事务内提交
func (s *Service) appendDetail(ctx context.Context, record *UsageRecord, detail interface{}, subtotalCol string, cost float64) bool {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(detail).Error; err != nil {
			return fmt.Errorf("写入用量明细失败: %w", err)
		}
		if err := tx.Model(&UsageRecord{}).
			Where("id = ?", record.ID).
			Updates(map[string]interface{}{
				subtotalCol:  gorm.Expr(subtotalCol+" + ?", cost),
				"total_cost": gorm.Expr("total_cost + ?", cost),
			}).Error; err != nil {
			return fmt.Errorf("累加台账成本失败: %w", err)
		}
		if record.BillingPeriodID != nil && s.periods != nil {
			return s.periods.ApplyUsageTx(ctx, tx, *record.BillingPeriodID, cost)
		}
		return nil
	})
	if err != nil {
		logger.WithContext(ctx).Error("用量写入失败",
			zap.String("record_id", record.ID),
			zap.String("user_id", record.UserID),
			zap.Float64("cost", cost),
			zap.Error(err),
		)
		return false
	}
	return true
}

func (s *Service) logResolveFailure(ctx context.Context, kind, runID, userID string, err error) {
	logger.WithContext(ctx).Warn("运行标识解析失败，丢弃用量事件",
		zap.String("kind", kind),
		zap.String("run_id", runID),
		zap.String("user_id", userID),
		zap.Error(err),
	)
	metrics.UsageEventsTotal.WithLabelValues(kind, "unresolved").Inc()
}

// ============ 落库去重复核 ============
// 进程内缓存之外的第二层：同窗口内已有完全相同的明细行视为重复，
// 覆盖进程重启与多 worker 场景。查询失败按未重复处理（漏判可容忍）

func (s *Service) hasRecentTokenDetail(ctx context.Context, recordID, modelName string, inputTokens, outputTokens int) bool {
	cutoff := time.Now().UTC().Add(-s.dedupe.TTL())
	var count int64
	err := s.db.WithContext(ctx).Model(&TokenUsageDetail{}).
		Where("usage_record_id = ? AND model_name = ? AND input_tokens = ? AND output_tokens = ? AND created_at > ?",
			recordID, modelName, inputTokens, outputTokens, cutoff).
		Count(&count).Error
	return err == nil && count > 0
}

func (s *Service) hasRecentToolDetail(ctx context.Context, recordID, toolName string, toolCount int) bool {
	cutoff := time.Now().UTC().Add(-s.dedupe.TTL())
	var count int64
	err := s.db.WithContext(ctx).Model(&ToolUsageDetail{}).
		Where("usage_record_id = ? AND tool_name = ? AND count = ? AND created_at > ?",
			recordID, toolName, toolCount, cutoff).
		Count(&count).Error
	return err == nil && count > 0
}

func (s *Service) hasRecentKBDetail(ctx context.Context, recordID, kbName string, kbCount int) bool {
	cutoff := time.Now().UTC().Add(-s.dedupe.TTL())
	var count int64
	err := s.db.WithContext(ctx).Model(&KBUsageDetail{}).
		Where("usage_record_id = ? AND kb_name = ? AND count = ? AND created_at > ?",
			recordID, kbName, kbCount, cutoff).
		Count(&count).Error
	return err == nil && count > 0
}

// ============ 结算 ============

// QuotaSnapshot 结算时的账期配额快照
type QuotaSnapshot struct {
	PeriodID       string  `json:"period_id"`
	QuotaUsed      float64 `json:"quota_used"`
	QuotaRemaining float64 `json:"quota_remaining"`
	OverageCredits float64 `json:"overage_credits"`
	OverageCost    float64 `json:"overage_cost"`
}

// RunSummary 运行结算汇总
type RunSummary struct {
	RecordID         string             `json:"record_id"`
	FlowID           string             `json:"flow_id"`
	SessionID        string             `json:"session_id"`
	FixedCost        float64            `json:"fixed_cost"`
	LLMCost          float64            `json:"llm_cost"`
	ToolsCost        float64            `json:"tools_cost"`
	KBCost           float64            `json:"kb_cost"`
	TotalCost        float64            `json:"total_cost"`
	TokenDetails     []TokenUsageDetail `json:"token_details"`
	ToolDetails      []ToolUsageDetail  `json:"tool_details"`
	KBDetails        []KBUsageDetail    `json:"kb_details"`
	Quota            *QuotaSnapshot     `json:"quota,omitempty"`
	FinalizedAt      time.Time          `json:"finalized_at"`
	AlreadyFinalized bool               `json:"already_finalized"`
}

// FinalizeRun 结算一次运行：扣减用户余额并返回完整成本拆解
// finalized_at 非空则为重复调用，直接返回已有快照，不再扣减
func (s *Service) FinalizeRun(ctx context.Context, runID, userID string) (*RunSummary, error) {
	ctx, span := s.tracer.Start(ctx, "metering.FinalizeRun")
	defer span.End()

	if runID == "" || userID == "" {
		return nil, errors.New("缺少运行或用户标识")
	}

	record, err := s.resolver.Resolve(ctx, userID, runID)
	if err != nil {
		return nil, err
	}

	debited := false
	if record.FinalizedAt == nil {
		now := time.Now().UTC()
		// 抢占结算权与余额扣减同事务提交：扣减失败则回滚标记，留给下次重试
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			result := tx.Model(&UsageRecord{}).
				Where("id = ? AND finalized_at IS NULL", record.ID).
				Update("finalized_at", now)
			if result.Error != nil {
				return fmt.Errorf("标记结算失败: %w", result.Error)
			}
			// 并发重复 finalize 只有一个抢到结算权
			if result.RowsAffected == 0 {
				return nil
			}
			if err := s.users.AddCreditsTx(ctx, tx, userID, -record.TotalCost); err != nil {
				return fmt.Errorf("扣减用户余额失败: %w", err)
			}
			debited = true
			return nil
		})
		if err != nil {
			logger.WithContext(ctx).Error("运行结算失败",
				zap.String("record_id", record.ID),
				zap.Float64("total_cost", record.TotalCost),
				zap.Error(err),
			)
			metrics.UsageEventsTotal.WithLabelValues("run_finalize", "error").Inc()
			return nil, err
		}
		if debited {
			record.FinalizedAt = &now
			metrics.UsageEventsTotal.WithLabelValues("run_finalize", "ok").Inc()
		}
	}

	return s.buildSummary(ctx, record.ID, !debited)
}

func (s *Service) buildSummary(ctx context.Context, recordID string, alreadyFinalized bool) (*RunSummary, error) {
	// 重新读台账，拿到并发累加后的最终值
	var fresh UsageRecord
	if err := s.db.WithContext(ctx).Where("id = ?", recordID).First(&fresh).Error; err != nil {
		return nil, fmt.Errorf("读取用量记录失败: %w", err)
	}

	summary := &RunSummary{
		RecordID:         fresh.ID,
		FlowID:           fresh.FlowID,
		SessionID:        fresh.SessionID,
		FixedCost:        fresh.FixedCost,
		LLMCost:          fresh.LLMCost,
		ToolsCost:        fresh.ToolsCost,
		KBCost:           fresh.KBCost,
		TotalCost:        fresh.TotalCost,
		AlreadyFinalized: alreadyFinalized,
	}
	if fresh.FinalizedAt != nil {
		summary.FinalizedAt = *fresh.FinalizedAt
	}

	if err := s.db.WithContext(ctx).
		Where("usage_record_id = ?", fresh.ID).
		Find(&summary.TokenDetails).Error; err != nil {
		return nil, fmt.Errorf("读取 token 明细失败: %w", err)
	}
	if err := s.db.WithContext(ctx).
		Where("usage_record_id = ?", fresh.ID).
		Find(&summary.ToolDetails).Error; err != nil {
		return nil, fmt.Errorf("读取工具明细失败: %w", err)
	}
	if err := s.db.WithContext(ctx).
		Where("usage_record_id = ?", fresh.ID).
		Find(&summary.KBDetails).Error; err != nil {
		return nil, fmt.Errorf("读取知识库明细失败: %w", err)
	}

	if fresh.BillingPeriodID != nil && s.periods != nil {
		period, err := s.periods.GetPeriod(ctx, *fresh.BillingPeriodID)
		if err == nil {
			summary.Quota = &QuotaSnapshot{
				PeriodID:       period.ID,
				QuotaUsed:      period.QuotaUsed,
				QuotaRemaining: period.QuotaRemaining,
				OverageCredits: period.OverageCredits,
				OverageCost:    period.OverageCost,
			}
		}
	}
	return summary, nil
}
