package handlers

import (
	"io"
	"net/http"

	"adpilot/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DeliveryIDHeader 上游投递 ID，缺省时生成 uuid
const DeliveryIDHeader = "X-Delivery-ID"

// maxWebhookBody 超出部分由死信队列截断，这里只防止无界读取
const maxWebhookBody = 1 << 20

// WebhookHandler 接收广告平台与 Stripe 的 webhook
type WebhookHandler struct {
	ingest *services.WebhookIngestService
	dlq    *services.DeadLetterService
	logger *logrus.Logger
}

func NewWebhookHandler(ingest *services.WebhookIngestService, dlq *services.DeadLetterService, logger *logrus.Logger) *WebhookHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &WebhookHandler{ingest: ingest, dlq: dlq, logger: logger}
}

// Receive 处理一次投递；处理失败时写入死信队列并返回 202
// @Summary 接收 webhook
// @Tags Webhook
// @Accept json
// @Produce json
// @Param source path string true "meta/instagram/google/stripe"
// @Success 200 {object} map[string]interface{}
// @Success 202 {object} map[string]interface{}
// @Failure 404 {object} ErrorResponse
// @Router /api/v1/webhooks/{source} [post]
func (h *WebhookHandler) Receive(c *gin.Context) {
	source := c.Param("source")
	if !services.IsKnownSource(source) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Unknown webhook source", Message: source})
		return
	}
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Failed to read body", Message: err.Error()})
		return
	}

	tenant := tenantID(c)
	deliveryID := c.GetHeader(DeliveryIDHeader)
	if deliveryID == "" {
		deliveryID = uuid.NewString()
	}

	procErr := h.ingest.Process(c.Request.Context(), tenant, source, payload)
	if procErr == nil {
		c.JSON(http.StatusOK, gin.H{"status": "processed", "delivery_id": deliveryID})
		return
	}

	log := h.logger.WithFields(logrus.Fields{"tenant_id": tenant, "source": source, "delivery_id": deliveryID})
	log.Warnf("webhook processing failed: %v", procErr)
	item, err := h.dlq.Enqueue(c.Request.Context(), tenant, source, deliveryID, payload, procErr)
	if err != nil {
		log.Errorf("failed to dead-letter webhook: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to process webhook", Message: procErr.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"status":         "dead_lettered",
		"delivery_id":    deliveryID,
		"dead_letter_id": item.ID,
		"error":          procErr.Error(),
	})
}

func RegisterWebhookRoutes(r *gin.RouterGroup, handler *WebhookHandler) {
	r.POST("/webhooks/:source", handler.Receive)
}
