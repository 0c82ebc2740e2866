package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"backend/internal/logger"
	"backend/internal/metrics"
	"backend/internal/user"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ============ 账期出账 ============

// GenerateInvoiceForPeriod 为账期生成发票
// 已出账的账期直接返回成功；金额为零只落本地发票，不触碰外部处理方；
// 失败以结构化结果返回，账期保持未出账状态等待下一轮清算
func (s *Service) GenerateInvoiceForPeriod(ctx context.Context, period *BillingPeriod, u *user.User) *InvoiceResult {
	if period.Invoiced {
		return &InvoiceResult{Success: true, Skipped: true}
	}

	plan, err := s.plans.GetPlan(ctx, period.SubscriptionPlanID)
	if err != nil {
		return &InvoiceResult{Error: fmt.Sprintf("找不到账期对应的订阅计划: %v", err)}
	}

	baseAmount := plan.PriceMonthlyUSD
	if period.IsPlanChange {
		// 截断账期按实际天数折算
		elapsedDays := period.EndDate.Sub(period.StartDate).Hours() / 24
		totalDays := s.periodLength().Hours() / 24
		if elapsedDays < 0 {
			elapsedDays = 0
		}
		if elapsedDays > totalDays {
			elapsedDays = totalDays
		}
		baseAmount = plan.PriceMonthlyUSD * elapsedDays / totalDays
	}

	overageAmount := period.OverageCredits * plan.OveragePricePerCredit
	if period.IsOverageLimited && overageAmount > period.OverageLimitUSD {
		overageAmount = period.OverageLimitUSD
	}

	total := baseAmount + overageAmount
	// 零金额不触外部处理方，先于客户标识校验：免费用户无需支付客户也能出账
	if total <= 0 {
		return s.persistZeroInvoice(ctx, period, u)
	}

	if u.StripeCustomerID == nil || *u.StripeCustomerID == "" {
		return &InvoiceResult{Error: "用户缺少支付处理方客户标识"}
	}
	if s.stripe == nil {
		return &InvoiceResult{Error: "支付处理方未配置"}
	}

	lineItems := []InvoiceLineItem{}
	if baseAmount > 0 {
		desc := fmt.Sprintf("%s 订阅费 (%s ~ %s)", plan.Name,
			period.StartDate.Format("2006-01-02"), period.EndDate.Format("2006-01-02"))
		if err := s.stripe.CreateInvoiceItem(ctx, *u.StripeCustomerID, desc, baseAmount); err != nil {
			metrics.InvoicesGeneratedTotal.WithLabelValues("failed").Inc()
			return &InvoiceResult{Error: err.Error()}
		}
		lineItems = append(lineItems, InvoiceLineItem{Description: desc, AmountUSD: baseAmount})
	}
	if overageAmount > 0 {
		desc := fmt.Sprintf("超额用量 %.0f 积分", period.OverageCredits)
		if err := s.stripe.CreateInvoiceItem(ctx, *u.StripeCustomerID, desc, overageAmount); err != nil {
			metrics.InvoicesGeneratedTotal.WithLabelValues("failed").Inc()
			return &InvoiceResult{Error: err.Error()}
		}
		lineItems = append(lineItems, InvoiceLineItem{Description: desc, AmountUSD: overageAmount})
	}

	extID, err := s.stripe.CreateInvoice(ctx, *u.StripeCustomerID, fmt.Sprintf("账期 %s 账单", period.ID))
	if err != nil {
		metrics.InvoicesGeneratedTotal.WithLabelValues("failed").Inc()
		return &InvoiceResult{Error: err.Error()}
	}
	ext, err := s.stripe.FinalizeInvoice(ctx, extID)
	if err != nil {
		metrics.InvoicesGeneratedTotal.WithLabelValues("failed").Inc()
		return &InvoiceResult{Error: err.Error()}
	}

	itemsJSON, _ := json.Marshal(lineItems)
	inv := &Invoice{
		UserID:           u.ID,
		BillingPeriodID:  &period.ID,
		AmountUSD:        total,
		Status:           mapExternalStatus(ext.Status),
		StripeInvoiceID:  &ext.ID,
		StripeInvoiceURL: &ext.HostedURL,
		Description:      fmt.Sprintf("账期 %s 账单", period.ID),
		LineItems:        itemsJSON,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(inv).Error; err != nil {
			return fmt.Errorf("保存发票失败: %w", err)
		}
		return s.markInvoiced(tx, period.ID)
	})
	if err != nil {
		return &InvoiceResult{Error: err.Error()}
	}

	metrics.InvoicesGeneratedTotal.WithLabelValues("stripe").Inc()
	metrics.InvoiceAmountUSD.Observe(total)
	logger.WithContext(ctx).Info("账期出账完成",
		zap.String("period_id", period.ID),
		zap.String("invoice_id", inv.ID),
		zap.Float64("amount_usd", total),
	)
	return &InvoiceResult{Success: true, InvoiceID: inv.ID, AmountUSD: total, Invoice: inv}
}

// persistZeroInvoice 零金额账期：本地发票直接记为已支付，不调用外部接口
func (s *Service) persistZeroInvoice(ctx context.Context, period *BillingPeriod, u *user.User) *InvoiceResult {
	now := time.Now().UTC()
	inv := &Invoice{
		UserID:          u.ID,
		BillingPeriodID: &period.ID,
		AmountUSD:       0,
		Status:          InvoiceStatusPaid,
		Description:     fmt.Sprintf("账期 %s 零金额账单", period.ID),
		PaidAt:          &now,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(inv).Error; err != nil {
			return fmt.Errorf("保存零金额发票失败: %w", err)
		}
		return s.markInvoiced(tx, period.ID)
	})
	if err != nil {
		return &InvoiceResult{Error: err.Error()}
	}
	metrics.InvoicesGeneratedTotal.WithLabelValues("local_zero").Inc()
	metrics.InvoiceAmountUSD.Observe(0)
	return &InvoiceResult{Success: true, InvoiceID: inv.ID, AmountUSD: 0, Invoice: inv}
}

// markInvoiced 出账标记 false→true，只允许发生一次
func (s *Service) markInvoiced(tx *gorm.DB, periodID string) error {
	result := tx.Model(&BillingPeriod{}).
		Where("id = ? AND invoiced = ?", periodID, false).
		Update("invoiced", true)
	if result.Error != nil {
		return fmt.Errorf("标记出账失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("账期已被并发出账")
	}
	return nil
}

// mapExternalStatus 外部发票状态映射到本地枚举
func mapExternalStatus(status string) string {
	switch status {
	case "paid":
		return InvoiceStatusPaid
	case "open":
		return InvoiceStatusOpen
	case "uncollectible":
		return InvoiceStatusUncollectible
	default:
		return InvoiceStatusPending
	}
}

// ============ 未支付发票处置 ============

// HandleUnpaidInvoices 处置逾期未支付发票
// 超过宽限期先向外部处理方复核（覆盖线下支付的场景），
// 仍未支付则降级订阅状态，二次超期后取消外部订阅；
// 单张发票的失败只计入统计
func (s *Service) HandleUnpaidInvoices(ctx context.Context) (*UnpaidStats, error) {
	now := time.Now().UTC()
	graceDays := s.cfg.UnpaidGraceDays
	if graceDays <= 0 {
		graceDays = 7
	}
	cancelDays := s.cfg.UnpaidCancelDays
	if cancelDays <= 0 {
		cancelDays = 30
	}
	graceCutoff := now.AddDate(0, 0, -graceDays)
	cancelCutoff := now.AddDate(0, 0, -cancelDays)

	var unpaid []Invoice
	err := s.db.WithContext(ctx).
		Where("status IN ? AND created_at < ?",
			[]string{InvoiceStatusPending, InvoiceStatusOpen, InvoiceStatusUncollectible}, graceCutoff).
		Find(&unpaid).Error
	if err != nil {
		return nil, fmt.Errorf("查询未支付发票失败: %w", err)
	}

	stats := &UnpaidStats{Details: []string{}}
	for i := range unpaid {
		inv := &unpaid[i]
		stats.Checked++
		if err := s.handleOneUnpaidInvoice(ctx, inv, cancelCutoff, stats); err != nil {
			stats.Errors++
			stats.Details = append(stats.Details,
				fmt.Sprintf("发票 %s 处置失败: %v", inv.ID, err))
			logger.WithContext(ctx).Error("未支付发票处置失败",
				zap.String("invoice_id", inv.ID),
				zap.String("user_id", inv.UserID),
				zap.Error(err),
			)
		}
	}
	return stats, nil
}

func (s *Service) handleOneUnpaidInvoice(ctx context.Context, inv *Invoice, cancelCutoff time.Time, stats *UnpaidStats) error {
	// 先复核外部状态，可能已经线下支付
	if inv.StripeInvoiceID != nil && s.stripe != nil {
		ext, err := s.stripe.GetInvoice(ctx, *inv.StripeInvoiceID)
		if err == nil && ext.Status == "paid" {
			now := time.Now().UTC()
			if err := s.db.WithContext(ctx).Model(&Invoice{}).
				Where("id = ?", inv.ID).
				Updates(map[string]interface{}{
					"status":  InvoiceStatusPaid,
					"paid_at": now,
				}).Error; err != nil {
				return fmt.Errorf("对账更新发票失败: %w", err)
			}
			stats.Reconciled++
			return nil
		}
	}

	u, err := s.users.GetUser(ctx, inv.UserID)
	if err != nil {
		return err
	}

	switch u.SubscriptionStatus {
	case user.SubscriptionStatusActive:
		if err := s.users.SetSubscriptionStatus(ctx, u.ID, user.SubscriptionStatusPastDue); err != nil {
			return err
		}
		stats.PastDue++
		metrics.UnpaidInvoiceActionsTotal.WithLabelValues("past_due").Inc()
		logger.WithContext(ctx).Warn("订阅因欠费降级",
			zap.String("user_id", u.ID),
			zap.String("invoice_id", inv.ID),
		)
	case user.SubscriptionStatusPastDue:
		if inv.CreatedAt.After(cancelCutoff) {
			return nil
		}
		// 二次超期：取消外部订阅
		if u.StripeSubscriptionID != nil && *u.StripeSubscriptionID != "" && s.stripe != nil {
			if err := s.stripe.CancelSubscription(ctx, *u.StripeSubscriptionID); err != nil {
				return err
			}
		}
		if err := s.users.SetSubscriptionStatus(ctx, u.ID, user.SubscriptionStatusCanceled); err != nil {
			return err
		}
		stats.Canceled++
		metrics.UnpaidInvoiceActionsTotal.WithLabelValues("canceled").Inc()
		logger.WithContext(ctx).Warn("订阅因长期欠费取消",
			zap.String("user_id", u.ID),
			zap.String("invoice_id", inv.ID),
		)
	}
	return nil
}

// ============ 临时收费 ============

// ManuallyGenerateInvoice 生成不挂账期的临时发票（客服/一次性收费）
func (s *Service) ManuallyGenerateInvoice(ctx context.Context, userID, description string, items []InvoiceLineItem) *InvoiceResult {
	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return &InvoiceResult{Error: err.Error()}
	}

	total := 0.0
	for _, item := range items {
		total += item.AmountUSD
	}
	if total <= 0 {
		return &InvoiceResult{Error: "发票金额必须为正"}
	}
	if u.StripeCustomerID == nil || *u.StripeCustomerID == "" {
		return &InvoiceResult{Error: "用户缺少支付处理方客户标识"}
	}
	if s.stripe == nil {
		return &InvoiceResult{Error: "支付处理方未配置"}
	}

	for _, item := range items {
		if item.AmountUSD <= 0 {
			continue
		}
		if err := s.stripe.CreateInvoiceItem(ctx, *u.StripeCustomerID, item.Description, item.AmountUSD); err != nil {
			return &InvoiceResult{Error: err.Error()}
		}
	}
	extID, err := s.stripe.CreateInvoice(ctx, *u.StripeCustomerID, description)
	if err != nil {
		return &InvoiceResult{Error: err.Error()}
	}
	ext, err := s.stripe.FinalizeInvoice(ctx, extID)
	if err != nil {
		return &InvoiceResult{Error: err.Error()}
	}

	itemsJSON, _ := json.Marshal(items)
	inv := &Invoice{
		UserID:           userID,
		AmountUSD:        total,
		Status:           mapExternalStatus(ext.Status),
		StripeInvoiceID:  &ext.ID,
		StripeInvoiceURL: &ext.HostedURL,
		Description:      description,
		LineItems:        itemsJSON,
	}
	if err := s.db.WithContext(ctx).Create(inv).Error; err != nil {
		return &InvoiceResult{Error: fmt.Sprintf("保存发票失败: %v", err)}
	}

	metrics.InvoicesGeneratedTotal.WithLabelValues("stripe").Inc()
	metrics.InvoiceAmountUSD.Observe(total)
	return &InvoiceResult{Success: true, InvoiceID: inv.ID, AmountUSD: total, Invoice: inv}
}

// ListUserInvoices 列出用户发票（新到旧）
func (s *Service) ListUserInvoices(ctx context.Context, userID string, limit int) ([]Invoice, error) {
	if limit <= 0 {
		limit = 50
	}
	var invoices []Invoice
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&invoices).Error
	if err != nil {
		return nil, fmt.Errorf("查询发票列表失败: %w", err)
	}
	return invoices, nil
}
