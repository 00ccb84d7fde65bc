package handlers

import (
	"errors"
	"net/http"

	"adpilot/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// NotificationHandler 站内通知与 WebSocket 推送
type NotificationHandler struct {
	notifications *services.NotificationService
	hub           *services.NotificationHub
	logger        *logrus.Logger
}

func NewNotificationHandler(notifications *services.NotificationService, hub *services.NotificationHub, logger *logrus.Logger) *NotificationHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &NotificationHandler{notifications: notifications, hub: hub, logger: logger}
}

func (h *NotificationHandler) List(c *gin.Context) {
	var req services.NotificationListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid query parameters", Message: err.Error()})
		return
	}
	items, total, err := h.notifications.List(c.Request.Context(), tenantID(c), &req)
	if err != nil {
		h.logger.Errorf("Failed to list notifications: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list notifications", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, newPaginated(items, total, req.Page, req.PageSize))
}

func (h *NotificationHandler) MarkRead(c *gin.Context) {
	id, ok := parseID(c, "notification")
	if !ok {
		return
	}
	if err := h.notifications.MarkRead(c.Request.Context(), tenantID(c), id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "Notification not found", Message: err.Error()})
			return
		}
		h.logger.Errorf("Failed to mark notification read: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to mark notification read", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "Notification marked as read"})
}

// WebSocket 升级为推送连接
func (h *NotificationHandler) WebSocket(c *gin.Context) {
	h.hub.HandleWebSocket(c)
}

func RegisterNotificationRoutes(r *gin.RouterGroup, handler *NotificationHandler) {
	n := r.Group("/notifications")
	{
		n.GET("", handler.List)
		n.PUT(":id/read", handler.MarkRead)
	}
}
