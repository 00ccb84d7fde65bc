package handlers

import (
	"errors"
	"net/http"

	"adpilot/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// DeadLetterHandler 死信队列运维接口
type DeadLetterHandler struct {
	dlq    *services.DeadLetterService
	logger *logrus.Logger
}

func NewDeadLetterHandler(dlq *services.DeadLetterService, logger *logrus.Logger) *DeadLetterHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &DeadLetterHandler{dlq: dlq, logger: logger}
}

// RetryResponse 重试结果；Error 非空表示本次重新处理失败
type RetryResponse struct {
	Item     interface{} `json:"item"`
	Resolved bool        `json:"resolved"`
	Error    string      `json:"error,omitempty"`
}

// List 分页获取死信
// @Summary 获取死信列表
// @Tags 死信队列
// @Produce json
// @Param status query string false "pending/resolved/abandoned"
// @Param source query string false "来源"
// @Success 200 {object} PaginatedResponse
// @Router /api/v1/dead-letters [get]
func (h *DeadLetterHandler) List(c *gin.Context) {
	var req services.DeadLetterListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid query parameters", Message: err.Error()})
		return
	}
	items, total, err := h.dlq.List(c.Request.Context(), tenantID(c), &req)
	if err != nil {
		h.logger.Errorf("Failed to list dead letters: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list dead letters", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, newPaginated(items, total, req.Page, req.PageSize))
}

func (h *DeadLetterHandler) Get(c *gin.Context) {
	id, ok := parseID(c, "dead letter")
	if !ok {
		return
	}
	item, err := h.dlq.Get(c.Request.Context(), tenantID(c), id)
	if err != nil {
		h.writeError(c, "Failed to get dead letter", err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// Retry 使用原始 payload 重新处理
// @Summary 重试死信
// @Tags 死信队列
// @Produce json
// @Param id path int true "死信ID"
// @Success 200 {object} RetryResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/v1/dead-letters/{id}/retry [post]
func (h *DeadLetterHandler) Retry(c *gin.Context) {
	id, ok := parseID(c, "dead letter")
	if !ok {
		return
	}
	item, err := h.dlq.Retry(c.Request.Context(), tenantID(c), id)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, RetryResponse{Item: item, Resolved: true})
	case errors.Is(err, services.ErrDeadLetterNotFound), errors.Is(err, services.ErrRetryNotAllowed):
		h.writeError(c, "Failed to retry dead letter", err)
	case item != nil:
		// 重新处理失败，item 已记录新的错误和重试次数
		c.JSON(http.StatusOK, RetryResponse{Item: item, Error: err.Error()})
	default:
		h.writeError(c, "Failed to retry dead letter", err)
	}
}

func (h *DeadLetterHandler) Abandon(c *gin.Context) {
	id, ok := parseID(c, "dead letter")
	if !ok {
		return
	}
	item, err := h.dlq.Abandon(c.Request.Context(), tenantID(c), id)
	if err != nil {
		h.writeError(c, "Failed to abandon dead letter", err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *DeadLetterHandler) writeError(c *gin.Context, title string, err error) {
	switch {
	case errors.Is(err, services.ErrDeadLetterNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Dead letter not found", Message: err.Error()})
	case errors.Is(err, services.ErrRetryNotAllowed):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "Operation not allowed", Message: err.Error()})
	default:
		h.logger.Errorf("%s: %v", title, err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: title, Message: err.Error()})
	}
}

func RegisterDeadLetterRoutes(r *gin.RouterGroup, handler *DeadLetterHandler) {
	dlq := r.Group("/dead-letters")
	{
		dlq.GET("", handler.List)
		dlq.GET(":id", handler.Get)
		dlq.POST(":id/retry", handler.Retry)
		dlq.POST(":id/abandon", handler.Abandon)
	}
}
