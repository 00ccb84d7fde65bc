package handlers

import (
	"errors"
	"net/http"
	"strings"

	"adpilot/internal/middleware"
	"adpilot/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ActorHeader 未启用 JWT 时用于标识审批人
const ActorHeader = "X-Actor"

// AutomationHandler 自动化规则、审批日志与 kill switch
type AutomationHandler struct {
	rules      *services.RuleService
	logs       *services.AutomationLogService
	executor   *services.ExecutionService
	automation *services.AutomationService
	settings   *services.TenantSettingsService
	logger     *logrus.Logger
}

func NewAutomationHandler(rules *services.RuleService, logs *services.AutomationLogService, executor *services.ExecutionService, automation *services.AutomationService, settings *services.TenantSettingsService, logger *logrus.Logger) *AutomationHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &AutomationHandler{
		rules:      rules,
		logs:       logs,
		executor:   executor,
		automation: automation,
		settings:   settings,
		logger:     logger,
	}
}

// ListRules 获取租户的自动化规则
// @Summary 获取自动化规则列表
// @Tags 自动化
// @Produce json
// @Success 200 {array} models.AutomationRule
// @Router /api/v1/automation/rules [get]
func (h *AutomationHandler) ListRules(c *gin.Context) {
	rules, err := h.rules.ListRules(c.Request.Context(), tenantID(c))
	if err != nil {
		h.logger.Errorf("Failed to list rules: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list rules", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, rules)
}

// CreateRule 创建规则
// @Summary 创建自动化规则
// @Tags 自动化
// @Accept json
// @Produce json
// @Param rule body services.AutomationRuleRequest true "规则"
// @Success 201 {object} models.AutomationRule
// @Failure 400 {object} ErrorResponse
// @Router /api/v1/automation/rules [post]
func (h *AutomationHandler) CreateRule(c *gin.Context) {
	var req services.AutomationRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Message: err.Error()})
		return
	}
	rule, err := h.rules.CreateRule(c.Request.Context(), tenantID(c), &req)
	if err != nil {
		h.ruleError(c, "Failed to create rule", err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

func (h *AutomationHandler) GetRule(c *gin.Context) {
	id, ok := parseID(c, "rule")
	if !ok {
		return
	}
	rule, err := h.rules.GetRule(c.Request.Context(), tenantID(c), id)
	if err != nil {
		h.ruleError(c, "Failed to get rule", err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (h *AutomationHandler) UpdateRule(c *gin.Context) {
	id, ok := parseID(c, "rule")
	if !ok {
		return
	}
	var req services.AutomationRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Message: err.Error()})
		return
	}
	rule, err := h.rules.UpdateRule(c.Request.Context(), tenantID(c), id, &req)
	if err != nil {
		h.ruleError(c, "Failed to update rule", err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

type setEnabledRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// SetRuleEnabled 启用/停用规则
func (h *AutomationHandler) SetRuleEnabled(c *gin.Context) {
	id, ok := parseID(c, "rule")
	if !ok {
		return
	}
	var req setEnabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Message: err.Error()})
		return
	}
	rule, err := h.rules.SetEnabled(c.Request.Context(), tenantID(c), id, *req.Enabled)
	if err != nil {
		h.ruleError(c, "Failed to update rule", err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (h *AutomationHandler) DeleteRule(c *gin.Context) {
	id, ok := parseID(c, "rule")
	if !ok {
		return
	}
	if err := h.rules.DeleteRule(c.Request.Context(), tenantID(c), id); err != nil {
		h.ruleError(c, "Failed to delete rule", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "Rule deleted"})
}

func (h *AutomationHandler) ruleError(c *gin.Context, title string, err error) {
	switch {
	case errors.Is(err, services.ErrRuleNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Rule not found", Message: err.Error()})
	case errors.Is(err, services.ErrInvalidRule):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid rule", Message: err.Error()})
	default:
		h.logger.Errorf("%s: %v", title, err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: title, Message: err.Error()})
	}
}

// ListLogs 分页获取审计日志
// @Summary 获取自动化审计日志
// @Tags 自动化
// @Produce json
// @Param page query int false "页码"
// @Param page_size query int false "每页数量"
// @Param status query string false "状态"
// @Param rule_id query int false "规则ID"
// @Success 200 {object} PaginatedResponse
// @Router /api/v1/automation/logs [get]
func (h *AutomationHandler) ListLogs(c *gin.Context) {
	var req services.AutomationLogListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid query parameters", Message: err.Error()})
		return
	}
	logs, total, err := h.logs.List(c.Request.Context(), tenantID(c), &req)
	if err != nil {
		h.logger.Errorf("Failed to list automation logs: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list logs", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, newPaginated(logs, total, req.Page, req.PageSize))
}

func (h *AutomationHandler) GetLog(c *gin.Context) {
	id, ok := parseID(c, "log")
	if !ok {
		return
	}
	log, err := h.logs.Get(c.Request.Context(), tenantID(c), id)
	if err != nil {
		h.logError(c, "Failed to get log", err)
		return
	}
	c.JSON(http.StatusOK, log)
}

type decisionRequest struct {
	Actor string `json:"actor"`
}

// resolveActor 优先使用 JWT subject，其次是请求头或请求体
func resolveActor(c *gin.Context) string {
	if actor := c.GetString(middleware.ActorKey); actor != "" {
		return actor
	}
	if actor := strings.TrimSpace(c.GetHeader(ActorHeader)); actor != "" {
		return actor
	}
	var req decisionRequest
	if c.Request.ContentLength != 0 {
		_ = c.ShouldBindJSON(&req)
	}
	return strings.TrimSpace(req.Actor)
}

// ApproveLog 审批通过并执行
// @Summary 审批通过待执行动作
// @Description 领取待审批日志、执行动作，并记录 executed 或 failed
// @Tags 自动化
// @Produce json
// @Param id path int true "日志ID"
// @Success 200 {object} models.AutomationLog
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/v1/automation/logs/{id}/approve [post]
func (h *AutomationHandler) ApproveLog(c *gin.Context) {
	id, ok := parseID(c, "log")
	if !ok {
		return
	}
	actor := resolveActor(c)
	if actor == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Missing actor", Message: "an approver identity is required"})
		return
	}
	log, err := h.executor.Approve(c.Request.Context(), tenantID(c), id, actor)
	if err != nil {
		h.logError(c, "Failed to approve log", err)
		return
	}
	c.JSON(http.StatusOK, log)
}

func (h *AutomationHandler) RejectLog(c *gin.Context) {
	id, ok := parseID(c, "log")
	if !ok {
		return
	}
	actor := resolveActor(c)
	if actor == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Missing actor", Message: "a reviewer identity is required"})
		return
	}
	log, err := h.executor.Reject(c.Request.Context(), tenantID(c), id, actor)
	if err != nil {
		h.logError(c, "Failed to reject log", err)
		return
	}
	c.JSON(http.StatusOK, log)
}

func (h *AutomationHandler) logError(c *gin.Context, title string, err error) {
	switch {
	case errors.Is(err, services.ErrLogNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Log not found", Message: err.Error()})
	case errors.Is(err, services.ErrInvalidTransition):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "Invalid status transition", Message: err.Error()})
	default:
		h.logger.Errorf("%s: %v", title, err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: title, Message: err.Error()})
	}
}

// Evaluate 手动触发一次评估
func (h *AutomationHandler) Evaluate(c *gin.Context) {
	res, err := h.automation.RunPass(c.Request.Context(), tenantID(c))
	if err != nil {
		h.logger.Errorf("Manual evaluation failed: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Evaluation failed", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *AutomationHandler) GetSettings(c *gin.Context) {
	st, err := h.settings.Get(c.Request.Context(), tenantID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to load settings", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}

type killSwitchRequest struct {
	Active *bool  `json:"active" binding:"required"`
	Reason string `json:"reason"`
}

// SetKillSwitch 开关租户 kill switch
func (h *AutomationHandler) SetKillSwitch(c *gin.Context) {
	var req killSwitchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Message: err.Error()})
		return
	}
	st, err := h.settings.SetKillSwitch(c.Request.Context(), tenantID(c), *req.Active, req.Reason)
	if err != nil {
		h.logger.Errorf("Failed to set kill switch: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to set kill switch", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}

type brandContextRequest struct {
	BrandContext string `json:"brand_context"`
}

func (h *AutomationHandler) SetBrandContext(c *gin.Context) {
	var req brandContextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Message: err.Error()})
		return
	}
	st, err := h.settings.SetBrandContext(c.Request.Context(), tenantID(c), strings.TrimSpace(req.BrandContext))
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to save brand context", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}

func RegisterAutomationRoutes(r *gin.RouterGroup, handler *AutomationHandler) {
	rules := r.Group("/automation/rules")
	{
		rules.GET("", handler.ListRules)
		rules.POST("", handler.CreateRule)
		rules.GET(":id", handler.GetRule)
		rules.PUT(":id", handler.UpdateRule)
		rules.PUT(":id/enabled", handler.SetRuleEnabled)
		rules.DELETE(":id", handler.DeleteRule)
	}
	logs := r.Group("/automation/logs")
	{
		logs.GET("", handler.ListLogs)
		logs.GET(":id", handler.GetLog)
		logs.POST(":id/approve", handler.ApproveLog)
		logs.POST(":id/reject", handler.RejectLog)
	}
	r.POST("/automation/evaluate", handler.Evaluate)
	settings := r.Group("/automation/settings")
	{
		settings.GET("", handler.GetSettings)
		settings.PUT("kill-switch", handler.SetKillSwitch)
		settings.PUT("brand-context", handler.SetBrandContext)
	}
}
