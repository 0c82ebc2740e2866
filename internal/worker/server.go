package worker

import (
	"context"
	"fmt"

	"backend/internal/billing"
	"backend/internal/config"
	"backend/internal/worker/handlers"
	"backend/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

type Server struct {
	server    *asynq.Server
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux
	logger    *zap.Logger
}

// NewServer 创建计费任务 worker
// 周期任务由 asynq.Scheduler 按 cron 表达式入队，
// 与进程内清算循环互为冗余：两边共享幂等保护，重复执行无副作用
func NewServer(
	cfg config.RedisConfig,
	billingSvc *billing.Service,
	logger *zap.Logger,
) (*Server, error) {
	redisOpt := asynq.RedisClientOpt{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	}

	srv := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: 4,
			Queues: map[string]int{
				"billing": 5,
				"default": 1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("任务执行失败",
					zap.String("type", task.Type()),
					zap.Error(err),
				)
			}),
		},
	)

	mux := asynq.NewServeMux()
	billingHandler := handlers.NewBillingHandler(billingSvc, logger)
	mux.HandleFunc(tasks.TypeBillingSweep, billingHandler.HandleSweep)
	mux.HandleFunc(tasks.TypeBillingUnpaid, billingHandler.HandleUnpaid)

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{})

	// 每日清算，失败的账期/发票在下一轮自动重试
	if _, err := scheduler.Register("0 2 * * *",
		asynq.NewTask(tasks.TypeBillingSweep, nil, asynq.Queue("billing"))); err != nil {
		return nil, fmt.Errorf("注册清算任务失败: %w", err)
	}
	if _, err := scheduler.Register("30 2 * * *",
		asynq.NewTask(tasks.TypeBillingUnpaid, nil, asynq.Queue("billing"))); err != nil {
		return nil, fmt.Errorf("注册欠费处置任务失败: %w", err)
	}

	return &Server{
		server:    srv,
		scheduler: scheduler,
		mux:       mux,
		logger:    logger,
	}, nil
}

// Start 非阻塞启动 worker 与调度器
func (s *Server) Start() error {
	s.logger.Info("Worker 服务器启动中 (后台)...")
	if err := s.server.Start(s.mux); err != nil {
		return err
	}
	if err := s.scheduler.Start(); err != nil {
		s.server.Shutdown()
		return err
	}
	return nil
}

// Shutdown 停止 worker 与调度器
func (s *Server) Shutdown() {
	s.logger.Info("Worker 服务器停止中...")
	s.scheduler.Shutdown()
	s.server.Shutdown()
}
