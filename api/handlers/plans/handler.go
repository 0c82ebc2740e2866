package plans

import (
	"errors"
	"net/http"

	response "backend/api/handlers/common"
	"backend/internal/subscription"

	"github.com/gin-gonic/gin"
)

// Handler 套餐管理 API 处理器
type Handler struct {
	service *subscription.Service
}

// NewHandler 创建处理器
func NewHandler(service *subscription.Service) *Handler {
	return &Handler{service: service}
}

// ListPlans 获取套餐列表
// @Summary 获取套餐列表
// @Tags Plans
// @Produce json
// @Param all query bool false "包含已停用套餐"
// @Success 200 {object} response.APIResponse{data=[]subscription.SubscriptionPlan}
// @Router /api/plans [get]
func (h *Handler) ListPlans(c *gin.Context) {
	activeOnly := c.Query("all") != "true"

	plans, err := h.service.ListPlans(c.Request.Context(), activeOnly)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, err.Error())
		return
	}

	response.Success(c, plans)
}

// GetPlan 获取套餐详情
// @Summary 获取套餐详情
// @Tags Plans
// @Produce json
// @Param id path string true "套餐ID"
// @Success 200 {object} response.APIResponse{data=subscription.SubscriptionPlan}
// @Router /api/plans/{id} [get]
func (h *Handler) GetPlan(c *gin.Context) {
	plan, err := h.service.GetPlan(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, subscription.ErrPlanNotFound) {
			response.Error(c, http.StatusNotFound, err.Error())
			return
		}
		response.Error(c, http.StatusInternalServerError, err.Error())
		return
	}

	response.Success(c, plan)
}

// GetDefaultPlan 获取默认套餐
// @Summary 获取默认套餐
// @Tags Plans
// @Produce json
// @Success 200 {object} response.APIResponse{data=subscription.SubscriptionPlan}
// @Router /api/plans/default [get]
func (h *Handler) GetDefaultPlan(c *gin.Context) {
	plan, err := h.service.GetDefaultPlan(c.Request.Context())
	if err != nil {
		if errors.Is(err, subscription.ErrNoDefaultPlan) {
			response.Error(c, http.StatusNotFound, err.Error())
			return
		}
		response.Error(c, http.StatusInternalServerError, err.Error())
		return
	}

	response.Success(c, plan)
}

// CreatePlan 创建套餐
// @Summary 创建套餐
// @Tags Plans
// @Accept json
// @Produce json
// @Param request body subscription.SubscriptionPlan true "套餐信息"
// @Success 200 {object} response.APIResponse{data=subscription.SubscriptionPlan}
// @Router /api/plans [post]
func (h *Handler) CreatePlan(c *gin.Context) {
	var plan subscription.SubscriptionPlan
	if err := c.ShouldBindJSON(&plan); err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.service.CreatePlan(c.Request.Context(), &plan); err != nil {
		if errors.Is(err, subscription.ErrPlanCodeExists) {
			response.Error(c, http.StatusConflict, err.Error())
			return
		}
		response.Error(c, http.StatusInternalServerError, err.Error())
		return
	}

	response.Success(c, plan)
}

// UpdatePlan 更新套餐
// @Summary 更新套餐
// @Tags Plans
// @Accept json
// @Produce json
// @Param id path string true "套餐ID"
// @Param request body map[string]interface{} true "更新字段"
// @Success 200 {object} response.APIResponse{data=subscription.SubscriptionPlan}
// @Router /api/plans/{id} [put]
func (h *Handler) UpdatePlan(c *gin.Context) {
	var updates map[string]interface{}
	if err := c.ShouldBindJSON(&updates); err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}

	plan, err := h.service.UpdatePlan(c.Request.Context(), c.Param("id"), updates)
	if err != nil {
		if errors.Is(err, subscription.ErrPlanNotFound) {
			response.Error(c, http.StatusNotFound, err.Error())
			return
		}
		response.Error(c, http.StatusInternalServerError, err.Error())
		return
	}

	response.Success(c, plan)
}

// DeletePlan 停用套餐
// @Summary 停用套餐（软删除）
// @Tags Plans
// @Param id path string true "套餐ID"
// @Success 200 {object} response.APIResponse
// @Router /api/plans/{id} [delete]
func (h *Handler) DeletePlan(c *gin.Context) {
	if err := h.service.DeletePlan(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, subscription.ErrPlanNotFound) {
			response.Error(c, http.StatusNotFound, err.Error())
			return
		}
		response.Error(c, http.StatusInternalServerError, err.Error())
		return
	}

	response.Success(c, nil)
}
