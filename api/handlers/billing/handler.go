package billing

import (
	"net/http"
	"strconv"

	response "backend/api/handlers/common"
	"backend/internal/billing"

	"github.com/gin-gonic/gin"
)

// Handler 账期与发票管理 API 处理器
type Handler struct {
	service *billing.Service
}

// NewHandler 创建处理器
func NewHandler(service *billing.Service) *Handler {
	return &Handler{service: service}
}

// ============================================================================
// 账期管理
// ============================================================================

// GetCurrentPeriod 获取用户当前账期
// @Summary 获取用户当前账期（过期自动续期）
// @Tags Billing
// @Produce json
// @Param id path string true "用户ID"
// @Success 200 {object} response.APIResponse{data=billing.BillingPeriod}
// @Router /api/billing/users/{id}/period [get]
func (h *Handler) GetCurrentPeriod(c *gin.Context) {
	userID := c.Param("id")

	period, err := h.service.CheckUserBillingPeriod(c.Request.Context(), userID)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, err.Error())
		return
	}
	if period == nil {
		// 未订阅用户没有账期
		response.SuccessMessage(c, "用户未订阅任何套餐", nil)
		return
	}

	response.Success(c, period)
}

// ListPeriods 获取用户账期历史
// @Summary 获取用户账期历史
// @Tags Billing
// @Produce json
// @Param id path string true "用户ID"
// @Param limit query int false "数量上限" default(50)
// @Success 200 {object} response.APIResponse{data=[]billing.BillingPeriod}
// @Router /api/billing/users/{id}/periods [get]
func (h *Handler) ListPeriods(c *gin.Context) {
	userID := c.Param("id")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	periods, err := h.service.ListUserPeriods(c.Request.Context(), userID, limit)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, err.Error())
		return
	}

	response.Success(c, periods)
}

// RenewPeriod 手动续期
// @Summary 手动为用户开启新账期
// @Tags Billing
// @Produce json
// @Param id path string true "用户ID"
// @Success 200 {object} response.APIResponse{data=billing.BillingPeriod}
// @Router /api/billing/users/{id}/renew [post]
func (h *Handler) RenewPeriod(c *gin.Context) {
	userID := c.Param("id")

	period, err := h.service.ManuallyRenewUserBillingPeriod(c.Request.Context(), userID)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, err.Error())
		return
	}

	response.Success(c, period)
}

// ChangePlanRequest 切换套餐请求
type ChangePlanRequest struct {
	UserID    string `json:"user_id" binding:"required"`
	NewPlanID string `json:"new_plan_id" binding:"required"`
}

// ChangePlan 切换套餐
// @Summary 切换用户套餐（升级全量重置，降级按剩余比例折算）
// @Tags Billing
// @Accept json
// @Produce json
// @Param request body ChangePlanRequest true "切换请求"
// @Success 200 {object} response.APIResponse{data=billing.PlanChangeResult}
// @Router /api/billing/plan-change [post]
func (h *Handler) ChangePlan(c *gin.Context) {
	var req ChangePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.service.ChangeUserPlan(c.Request.Context(), req.UserID, req.NewPlanID)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, err.Error())
		return
	}

	response.Success(c, result)
}

// ============================================================================
// 发票管理
// ============================================================================

// ListInvoices 获取用户发票列表
// @Summary 获取用户发票列表
// @Tags Billing
// @Produce json
// @Param id path string true "用户ID"
// @Param limit query int false "数量上限" default(50)
// @Success 200 {object} response.APIResponse{data=[]billing.Invoice}
// @Router /api/billing/users/{id}/invoices [get]
func (h *Handler) ListInvoices(c *gin.Context) {
	userID := c.Param("id")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	invoices, err := h.service.ListUserInvoices(c.Request.Context(), userID, limit)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, err.Error())
		return
	}

	response.Success(c, invoices)
}

// GenerateInvoiceRequest 手动开票请求
type GenerateInvoiceRequest struct {
	UserID      string                    `json:"user_id" binding:"required"`
	Description string                    `json:"description"`
	Items       []billing.InvoiceLineItem `json:"items" binding:"required,min=1"`
}

// GenerateInvoice 手动开票
// @Summary 手动为用户创建发票
// @Tags Billing
// @Accept json
// @Produce json
// @Param request body GenerateInvoiceRequest true "开票请求"
// @Success 200 {object} response.APIResponse{data=billing.InvoiceResult}
// @Router /api/billing/invoices [post]
func (h *Handler) GenerateInvoice(c *gin.Context) {
	var req GenerateInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}

	result := h.service.ManuallyGenerateInvoice(c.Request.Context(), req.UserID, req.Description, req.Items)
	if !result.Success {
		response.Error(c, http.StatusInternalServerError, result.Error)
		return
	}

	response.Success(c, result)
}

// ============================================================================
// 手动触发
// ============================================================================

// TriggerSweep 手动触发账期清算
// @Summary 手动触发到期账期清算
// @Tags Billing
// @Produce json
// @Success 200 {object} response.APIResponse{data=billing.SweepStats}
// @Router /api/billing/sweep [post]
func (h *Handler) TriggerSweep(c *gin.Context) {
	stats, err := h.service.ProcessExpiredBillingPeriods(c.Request.Context())
	if err != nil {
		response.Error(c, http.StatusInternalServerError, err.Error())
		return
	}

	response.Success(c, stats)
}

// TriggerUnpaidCheck 手动触发未支付发票处置
// @Summary 手动触发未支付发票处置
// @Tags Billing
// @Produce json
// @Success 200 {object} response.APIResponse{data=billing.UnpaidStats}
// @Router /api/billing/unpaid [post]
func (h *Handler) TriggerUnpaidCheck(c *gin.Context) {
	stats, err := h.service.HandleUnpaidInvoices(c.Request.Context())
	if err != nil {
		response.Error(c, http.StatusInternalServerError, err.Error())
		return
	}

	response.Success(c, stats)
}
