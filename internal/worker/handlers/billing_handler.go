package handlers

import (
	"context"

	"backend/internal/billing"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// BillingHandler 计费后台任务处理器
// 与进程内清算循环调用同一套服务方法，幂等保护（已出账标记、
// 清算锁、去重）保证多 worker 重复执行无副作用
type BillingHandler struct {
	svc    *billing.Service
	logger *zap.Logger
}

// NewBillingHandler 创建计费任务处理器
func NewBillingHandler(svc *billing.Service, logger *zap.Logger) *BillingHandler {
	return &BillingHandler{svc: svc, logger: logger}
}

// HandleSweep 清算到期账期
func (h *BillingHandler) HandleSweep(ctx context.Context, t *asynq.Task) error {
	stats, err := h.svc.ProcessExpiredBillingPeriods(ctx)
	if err != nil {
		return err
	}
	h.logger.Info("账期清算任务完成",
		zap.Int("processed", stats.Processed),
		zap.Int("renewed", stats.Renewed),
		zap.Int("invoiced", stats.Invoiced),
		zap.Int("errors", stats.Errors),
	)
	return nil
}

// HandleUnpaid 处置未支付发票
func (h *BillingHandler) HandleUnpaid(ctx context.Context, t *asynq.Task) error {
	stats, err := h.svc.HandleUnpaidInvoices(ctx)
	if err != nil {
		return err
	}
	h.logger.Info("未支付发票处置任务完成",
		zap.Int("checked", stats.Checked),
		zap.Int("reconciled", stats.Reconciled),
		zap.Int("past_due", stats.PastDue),
		zap.Int("canceled", stats.Canceled),
		zap.Int("errors", stats.Errors),
	)
	return nil
}
