package api

import (
	"backend/internal/config"
	"backend/internal/logger"
	middlewarepkg "backend/internal/middleware"
	"backend/internal/metrics"
	"backend/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// SetupRouter 设置并返回 Gin 路由、服务容器和 Worker 服务器
func SetupRouter(db *gorm.DB, rdb *redis.Client, cfg *config.Config) (*gin.Engine, *AppContainer, *worker.Server, error) {
	router := gin.New()

	// 全局中间件
	router.Use(gin.Recovery())
	router.Use(middlewarepkg.RequestIDMiddleware())
	router.Use(RequestLogger())
	router.Use(CORS())

	// Prometheus 指标收集中间件
	router.Use(metrics.PrometheusMiddleware())

	// 公开端点
	router.GET("/health", HealthCheck(db))
	router.GET("/ready", ReadinessCheck(db))

	// Prometheus 指标端点
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	container, err := BuildContainer(db, rdb, cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	handlers := BuildHandlers(container)
	RegisterRoutes(router, handlers)

	workerServer, err := worker.NewServer(cfg.Redis, container.Billing, logger.Get())
	if err != nil {
		return nil, nil, nil, err
	}

	return router, container, workerServer, nil
}
