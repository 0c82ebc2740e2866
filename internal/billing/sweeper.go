package billing

import (
	"context"
	"sync"
	"time"

	"backend/internal/config"
	"backend/internal/logger"
	"backend/internal/metrics"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const sweepLockKey = "billing:sweep:lock"

// Sweeper 到期账期后台清算循环
// 固定间隔执行 ProcessExpiredBillingPeriods + HandleUnpaidInvoices，
// 进程内互斥 + 可选 Redis 锁防止多实例重复清算；
// 异常后按较短的退避间隔重试，循环只因取消而终止
type Sweeper struct {
	svc *Service
	cfg *config.BillingConfig
	rdb *redis.Client

	running sync.Mutex // 防止同进程内清算重叠

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewSweeper 创建清算循环
// rdb 可为 nil，此时只有进程内互斥
func NewSweeper(svc *Service, cfg *config.BillingConfig, rdb *redis.Client) *Sweeper {
	return &Sweeper{svc: svc, cfg: cfg, rdb: rdb}
}

// Start 启动后台循环
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		interval := s.cfg.SweepIntervalDuration()
		backoff := s.cfg.SweepErrorBackoffDuration()

		logger.Info("账期清算循环启动", zap.Duration("interval", interval))

		timer := time.NewTimer(interval)
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("账期清算循环退出")
				return
			case <-timer.C:
			}

			wait := interval
			if err := s.RunOnce(ctx); err != nil {
				logger.Error("账期清算异常，稍后重试",
					zap.Error(err),
					zap.Duration("backoff", backoff),
				)
				wait = backoff
			}
			timer.Reset(wait)
		}
	}()
}

// Stop 停止循环并等待在途清算结束
// 每个账期/发票独立提交，取消最多丢失一个在途单元
func (s *Sweeper) Stop() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.done != nil {
			<-s.done
		}
	})
}

// RunOnce 执行一轮清算（后台循环与手动触发共用）
func (s *Sweeper) RunOnce(ctx context.Context) error {
	if !s.running.TryLock() {
		logger.Warn("上一轮清算仍在进行，跳过本轮")
		metrics.SweepRunsTotal.WithLabelValues("skipped").Inc()
		return nil
	}
	defer s.running.Unlock()

	release, acquired := s.acquireDistributedLock(ctx)
	if !acquired {
		logger.Info("其他实例正在清算，跳过本轮")
		metrics.SweepRunsTotal.WithLabelValues("skipped").Inc()
		return nil
	}
	defer release()

	periodStats, err := s.svc.ProcessExpiredBillingPeriods(ctx)
	if err != nil {
		metrics.SweepRunsTotal.WithLabelValues("error").Inc()
		return err
	}
	unpaidStats, err := s.svc.HandleUnpaidInvoices(ctx)
	if err != nil {
		metrics.SweepRunsTotal.WithLabelValues("error").Inc()
		return err
	}

	status := "ok"
	if periodStats.Errors > 0 || unpaidStats.Errors > 0 {
		status = "partial"
	}
	metrics.SweepRunsTotal.WithLabelValues(status).Inc()

	logger.Info("账期清算完成",
		zap.Int("processed", periodStats.Processed),
		zap.Int("renewed", periodStats.Renewed),
		zap.Int("invoiced", periodStats.Invoiced),
		zap.Int("period_errors", periodStats.Errors),
		zap.Int("unpaid_checked", unpaidStats.Checked),
		zap.Int("unpaid_errors", unpaidStats.Errors),
	)
	return nil
}

// acquireDistributedLock 跨实例清算锁（Redis SetNX）
// 未启用或 Redis 不可用时退化为仅进程内互斥，清算本身是幂等的
func (s *Sweeper) acquireDistributedLock(ctx context.Context) (func(), bool) {
	noop := func() {}
	if !s.cfg.EnableDistributedLock || s.rdb == nil {
		return noop, true
	}

	ttl := s.cfg.SweepIntervalDuration() / 2
	if ttl < time.Minute {
		ttl = time.Minute
	}
	ok, err := s.rdb.SetNX(ctx, sweepLockKey, time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		logger.Warn("获取清算锁失败，退化为进程内互斥", zap.Error(err))
		return noop, true
	}
	if !ok {
		return noop, false
	}
	return func() {
		if err := s.rdb.Del(context.WithoutCancel(ctx), sweepLockKey).Err(); err != nil {
			logger.Warn("释放清算锁失败", zap.Error(err))
		}
	}, true
}
