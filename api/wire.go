package api

import (
	billingHandlers "backend/api/handlers/billing"
	plansHandlers "backend/api/handlers/plans"
	usageHandlers "backend/api/handlers/usage"
	"backend/internal/billing"
	"backend/internal/config"
	"backend/internal/metering"
	"backend/internal/subscription"
	"backend/internal/user"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// AppContainer 汇集所有领域服务，统一依赖注入
type AppContainer struct {
	DB  *gorm.DB
	Cfg *config.Config

	Users    *user.Service
	Plans    *subscription.Service
	Billing  *billing.Service
	Metering *metering.Service
	Sweeper  *billing.Sweeper
}

// Handlers 汇集所有 HTTP 处理器
type Handlers struct {
	Usage   *usageHandlers.Handler
	Billing *billingHandlers.Handler
	Plans   *plansHandlers.Handler
}

// BuildContainer 构建服务容器并执行各服务的表迁移
func BuildContainer(db *gorm.DB, rdb *redis.Client, cfg *config.Config) (*AppContainer, error) {
	userSvc := user.NewService(db)
	planSvc := subscription.NewService(db)

	// 未配置密钥时不接支付处理方，计费服务走本地发票模式
	var stripeClient billing.StripeClient
	if cfg.Stripe.SecretKey != "" {
		stripeClient = billing.NewStripeClient(&cfg.Stripe)
	}
	billingSvc := billing.NewService(db, userSvc, planSvc, stripeClient, &cfg.Billing, &cfg.Stripe)
	meteringSvc := metering.NewService(db, &cfg.Metering, userSvc, billingSvc)

	if cfg.Database.AutoMigrate {
		for _, migrate := range []func() error{
			userSvc.AutoMigrate,
			planSvc.AutoMigrate,
			billingSvc.AutoMigrate,
			meteringSvc.AutoMigrate,
		} {
			if err := migrate(); err != nil {
				return nil, err
			}
		}
	}

	return &AppContainer{
		DB:       db,
		Cfg:      cfg,
		Users:    userSvc,
		Plans:    planSvc,
		Billing:  billingSvc,
		Metering: meteringSvc,
		Sweeper:  billing.NewSweeper(billingSvc, &cfg.Billing, rdb),
	}, nil
}

// BuildHandlers 构建 HTTP 处理器
func BuildHandlers(container *AppContainer) *Handlers {
	return &Handlers{
		Usage:   usageHandlers.NewHandler(container.Metering),
		Billing: billingHandlers.NewHandler(container.Billing),
		Plans:   plansHandlers.NewHandler(container.Plans),
	}
}
