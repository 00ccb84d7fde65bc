package handlers

import (
	"fmt"
	"net/http"
	"testing"

	"adpilot/internal/models"
	"adpilot/internal/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotificationHandler_ListAndMarkRead(t *testing.T) {
	s := newTestServer(t)
	s.seedPendingLog(t, "t1")

	w := s.do(t, "GET", "/api/v1/notifications?unread_only=true", "t1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var page struct {
		Data  []models.InAppNotification `json:"data"`
		Total int64                      `json:"total"`
	}
	decode(t, w, &page)
	require.Equal(t, int64(1), page.Total)
	note := page.Data[0]
	assert.Equal(t, services.NotificationApprovalRequired, note.Type)
	assert.False(t, note.Read)

	w = s.do(t, "PUT", fmt.Sprintf("/api/v1/notifications/%d/read", note.ID), "t2", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, "PUT", fmt.Sprintf("/api/v1/notifications/%d/read", note.ID), "t1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, "GET", "/api/v1/notifications?unread_only=true", "t1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &page)
	assert.Equal(t, int64(0), page.Total)
}
