package api

import (
	middlewarepkg "backend/internal/middleware"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes 注册所有 API 路由
func RegisterRoutes(router *gin.Engine, handlers *Handlers) {
	// 用量上报端点共享一个限流器，/api 与 /api/v1 计同一份额度
	usageLimiter := middlewarepkg.NewRateLimiter(nil)

	// 主 API 组（向后兼容）
	api := router.Group("/api")
	registerAPIRoutes(api, handlers, usageLimiter)

	// 版本化 API 组
	apiV1 := router.Group("/api/v1")
	registerAPIRoutes(apiV1, handlers, usageLimiter)
}

func registerAPIRoutes(apiGroup *gin.RouterGroup, h *Handlers, usageLimiter *middlewarepkg.RateLimiter) {
	// 用量计量 API（上报热路径，按调用方限流）
	usageGroup := apiGroup.Group("/usage")
	usageGroup.Use(middlewarepkg.RateLimitMiddleware(usageLimiter))
	{
		usageGroup.POST("/runs", h.Usage.StartRun)
		usageGroup.POST("/tokens", h.Usage.LogTokens)
		usageGroup.POST("/tools", h.Usage.LogTool)
		usageGroup.POST("/kb", h.Usage.LogKB)
		usageGroup.POST("/finalize", h.Usage.Finalize)
		usageGroup.POST("/estimate", h.Usage.EstimateTokens)
		usageGroup.POST("/reports", h.Usage.Report)
		usageGroup.GET("/export", h.Usage.Export)
	}

	// 账期与发票 API
	billingGroup := apiGroup.Group("/billing")
	{
		billingGroup.GET("/users/:id/period", h.Billing.GetCurrentPeriod)
		billingGroup.GET("/users/:id/periods", h.Billing.ListPeriods)
		billingGroup.GET("/users/:id/invoices", h.Billing.ListInvoices)
		billingGroup.POST("/users/:id/renew", h.Billing.RenewPeriod)
		billingGroup.POST("/plan-change", h.Billing.ChangePlan)
		billingGroup.POST("/invoices", h.Billing.GenerateInvoice)
		billingGroup.POST("/sweep", h.Billing.TriggerSweep)
		billingGroup.POST("/unpaid", h.Billing.TriggerUnpaidCheck)
	}

	// 套餐管理 API
	plansGroup := apiGroup.Group("/plans")
	{
		plansGroup.GET("", h.Plans.ListPlans)
		plansGroup.GET("/default", h.Plans.GetDefaultPlan)
		plansGroup.GET("/:id", h.Plans.GetPlan)
		plansGroup.POST("", h.Plans.CreatePlan)
		plansGroup.PUT("/:id", h.Plans.UpdatePlan)
		plansGroup.DELETE("/:id", h.Plans.DeletePlan)
	}
}
