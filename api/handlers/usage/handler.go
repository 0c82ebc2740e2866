package usage

import (
	"net/http"
	"time"

	response "backend/api/handlers/common"
	"backend/internal/metering"

	"github.com/gin-gonic/gin"
)

// Handler 用量计量 API 处理器
// 与流程引擎的进程内调用走同一套服务方法，HTTP 面向管理端与集成测试
type Handler struct {
	service *metering.Service
}

// NewHandler 创建处理器
func NewHandler(service *metering.Service) *Handler {
	return &Handler{service: service}
}

// ============================================================================
// 运行生命周期
// ============================================================================

// StartRunRequest 开始运行请求
type StartRunRequest struct {
	UserID    string `json:"user_id" binding:"required"`
	FlowID    string `json:"flow_id" binding:"required"`
	SessionID string `json:"session_id"`
}

// StartRun 开始一次流程运行计量
// @Summary 开始流程运行计量
// @Tags Usage
// @Accept json
// @Produce json
// @Param request body StartRunRequest true "运行信息"
// @Success 200 {object} response.APIResponse{data=metering.UsageRecord}
// @Router /api/usage/runs [post]
func (h *Handler) StartRun(c *gin.Context) {
	var req StartRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}

	record, err := h.service.StartRun(c.Request.Context(), req.FlowID, req.SessionID, req.UserID)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, err.Error())
		return
	}

	response.Success(c, record)
}

// LogTokensRequest Token 用量上报请求
type LogTokensRequest struct {
	RunID        string `json:"run_id" binding:"required"`
	UserID       string `json:"user_id" binding:"required"`
	ModelName    string `json:"model_name" binding:"required"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// LogTokens 上报 Token 用量
// @Summary 上报 Token 用量
// @Tags Usage
// @Accept json
// @Produce json
// @Param request body LogTokensRequest true "Token 用量"
// @Success 200 {object} response.APIResponse
// @Router /api/usage/tokens [post]
func (h *Handler) LogTokens(c *gin.Context) {
	var req LogTokensRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}

	accepted := h.service.LogTokenUsage(c.Request.Context(),
		req.RunID, req.ModelName, req.InputTokens, req.OutputTokens, req.UserID)
	response.Success(c, gin.H{"accepted": accepted})
}

// LogToolRequest 工具用量上报请求
type LogToolRequest struct {
	RunID    string `json:"run_id" binding:"required"`
	UserID   string `json:"user_id" binding:"required"`
	ToolName string `json:"tool_name" binding:"required"`
	Count    int    `json:"count"`
}

// LogTool 上报工具调用用量
// @Summary 上报工具调用用量
// @Tags Usage
// @Accept json
// @Produce json
// @Param request body LogToolRequest true "工具用量"
// @Success 200 {object} response.APIResponse
// @Router /api/usage/tools [post]
func (h *Handler) LogTool(c *gin.Context) {
	var req LogToolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}

	accepted := h.service.LogToolUsage(c.Request.Context(),
		req.RunID, req.ToolName, req.Count, req.UserID)
	response.Success(c, gin.H{"accepted": accepted})
}

// LogKBRequest 知识库查询用量上报请求
type LogKBRequest struct {
	RunID  string `json:"run_id" binding:"required"`
	UserID string `json:"user_id" binding:"required"`
	KBName string `json:"kb_name" binding:"required"`
	Count  int    `json:"count"`
}

// LogKB 上报知识库查询用量
// @Summary 上报知识库查询用量
// @Tags Usage
// @Accept json
// @Produce json
// @Param request body LogKBRequest true "知识库用量"
// @Success 200 {object} response.APIResponse
// @Router /api/usage/kb [post]
func (h *Handler) LogKB(c *gin.Context) {
	var req LogKBRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}

	accepted := h.service.LogKBUsage(c.Request.Context(),
		req.RunID, req.KBName, req.Count, req.UserID)
	response.Success(c, gin.H{"accepted": accepted})
}

// FinalizeRequest 结算请求
type FinalizeRequest struct {
	RunID  string `json:"run_id" binding:"required"`
	UserID string `json:"user_id" binding:"required"`
}

// Finalize 结算一次运行并扣减余额
// @Summary 结算流程运行
// @Tags Usage
// @Accept json
// @Produce json
// @Param request body FinalizeRequest true "结算请求"
// @Success 200 {object} response.APIResponse{data=metering.RunSummary}
// @Router /api/usage/finalize [post]
func (h *Handler) Finalize(c *gin.Context) {
	var req FinalizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}

	summary, err := h.service.FinalizeRun(c.Request.Context(), req.RunID, req.UserID)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, err.Error())
		return
	}

	response.Success(c, summary)
}

// ============================================================================
// 预估
// ============================================================================

// EstimateRequest Token 数预估请求
type EstimateRequest struct {
	ModelName string `json:"model_name" binding:"required"`
	Text      string `json:"text" binding:"required"`
}

// EstimateTokens 预估文本的 Token 数与成本
// @Summary 预估 Token 数与成本
// @Tags Usage
// @Accept json
// @Produce json
// @Param request body EstimateRequest true "预估请求"
// @Success 200 {object} response.APIResponse
// @Router /api/usage/estimate [post]
func (h *Handler) EstimateTokens(c *gin.Context) {
	var req EstimateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}

	tokens := h.service.Pricer().EstimateTokens(req.ModelName, req.Text)
	cost := h.service.Pricer().TokenCost(req.ModelName, tokens, 0)
	response.Success(c, gin.H{
		"model_name":     req.ModelName,
		"input_tokens":   tokens,
		"estimated_cost": cost,
	})
}

// ============================================================================
// 报表与导出
// ============================================================================

// Report 生成用户用量报表
// @Summary 生成用户用量报表
// @Tags Usage
// @Accept json
// @Produce json
// @Param request body metering.UsageReportQuery true "查询条件"
// @Success 200 {object} response.APIResponse{data=metering.UsageReport}
// @Router /api/usage/reports [post]
func (h *Handler) Report(c *gin.Context) {
	var query metering.UsageReportQuery
	if err := c.ShouldBindJSON(&query); err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}

	report, err := h.service.GenerateUsageReport(c.Request.Context(), &query)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, err.Error())
		return
	}

	response.Success(c, report)
}

// Export 导出用量台账CSV
// @Summary 导出用量台账为CSV
// @Tags Usage
// @Param userId query string true "用户ID"
// @Param startTime query string false "开始时间"
// @Param endTime query string false "结束时间"
// @Produce text/csv
// @Success 200 {string} string "CSV内容"
// @Router /api/usage/export [get]
func (h *Handler) Export(c *gin.Context) {
	userID := c.Query("userId")
	if userID == "" {
		response.Error(c, http.StatusBadRequest, "userId参数必填")
		return
	}

	query := &metering.UsageReportQuery{UserID: userID}
	if startStr := c.Query("startTime"); startStr != "" {
		if t, err := time.Parse("2006-01-02", startStr); err == nil {
			query.StartTime = &t
		}
	}
	if endStr := c.Query("endTime"); endStr != "" {
		if t, err := time.Parse("2006-01-02", endStr); err == nil {
			end := t.AddDate(0, 0, 1)
			query.EndTime = &end
		}
	}

	csvContent, err := h.service.ExportUsageCSV(c.Request.Context(), query)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, err.Error())
		return
	}

	filename := "usage_" + time.Now().Format("20060102150405") + ".csv"
	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", "attachment; filename="+filename)
	// 添加 BOM 以支持 Excel 打开
	c.String(http.StatusOK, "\xEF\xBB\xBF"+csvContent)
}
