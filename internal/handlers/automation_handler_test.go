package handlers

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"adpilot/internal/middleware"
	"adpilot/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAutomationHandler_RuleCRUD(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, "POST", "/api/v1/automation/rules", "t1", map[string]interface{}{
		"name":    "Pause low ROAS",
		"trigger": map[string]interface{}{"metric": "roas", "operator": "<", "value": 1.0},
		"action":  map[string]interface{}{"type": "pause_ads", "target_level": "campaign"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created models.AutomationRule
	decode(t, w, &created)
	assert.Equal(t, "t1", created.TenantID)
	assert.True(t, created.Enabled)

	w = s.do(t, "GET", "/api/v1/automation/rules", "t1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var rules []models.AutomationRule
	decode(t, w, &rules)
	assert.Len(t, rules, 1)

	// 其他租户不可见
	w = s.do(t, "GET", fmt.Sprintf("/api/v1/automation/rules/%d", created.ID), "t2", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, "PUT", fmt.Sprintf("/api/v1/automation/rules/%d/enabled", created.ID), "t1", map[string]bool{"enabled": false})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var disabled models.AutomationRule
	decode(t, w, &disabled)
	assert.False(t, disabled.Enabled)

	w = s.do(t, "DELETE", fmt.Sprintf("/api/v1/automation/rules/%d", created.ID), "t1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = s.do(t, "GET", fmt.Sprintf("/api/v1/automation/rules/%d", created.ID), "t1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAutomationHandler_CreateRuleValidation(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, "POST", "/api/v1/automation/rules", "t1", `{"name":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, "POST", "/api/v1/automation/rules", "t1", map[string]interface{}{
		"name":    "bad operator",
		"trigger": map[string]interface{}{"metric": "roas", "operator": "~", "value": 1.0},
		"action":  map[string]interface{}{"type": "pause_ads"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	var body ErrorResponse
	decode(t, w, &body)
	assert.Equal(t, "Invalid rule", body.Error)

	w = s.do(t, "GET", "/api/v1/automation/rules/abc", "t1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAutomationHandler_MissingTenant(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, "GET", "/api/v1/automation/rules", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAutomationHandler_ApproveAndConflict(t *testing.T) {
	s := newTestServer(t)
	log := s.seedPendingLog(t, "t1")
	path := fmt.Sprintf("/api/v1/automation/logs/%d/approve", log.ID)

	w := s.do(t, "POST", path, "t1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, "approver identity required")

	w = s.do(t, "POST", path, "t1", nil, ActorHeader, "alice")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var executed models.AutomationLog
	decode(t, w, &executed)
	assert.Equal(t, models.LogStatusExecuted, executed.Status)
	assert.Equal(t, "alice", executed.DecidedBy)
	require.NotNil(t, executed.Execution)
	assert.True(t, executed.Execution.Success)

	// 终态不可再次审批
	w = s.do(t, "POST", path, "t1", map[string]string{"actor": "bob"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, "POST", fmt.Sprintf("/api/v1/automation/logs/%d/reject", log.ID), "t1", nil, ActorHeader, "bob")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAutomationHandler_RejectWithBodyActor(t *testing.T) {
	s := newTestServer(t)
	log := s.seedPendingLog(t, "t1")

	w := s.do(t, "POST", fmt.Sprintf("/api/v1/automation/logs/%d/reject", log.ID), "t2", map[string]string{"actor": "bob"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, "POST", fmt.Sprintf("/api/v1/automation/logs/%d/reject", log.ID), "t1", map[string]string{"actor": "bob"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var rejected models.AutomationLog
	decode(t, w, &rejected)
	assert.Equal(t, models.LogStatusRejected, rejected.Status)
	assert.Equal(t, "bob", rejected.DecidedBy)
	assert.Nil(t, rejected.Execution)
}

func TestResolveActor_PrefersTokenSubject(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/x", func(c *gin.Context) {
		c.Set(middleware.ActorKey, "jwt-user")
		c.String(http.StatusOK, resolveActor(c))
	})
	s := &testServer{router: r}
	w := s.do(t, "POST", "/x", "", map[string]string{"actor": "body-user"}, ActorHeader, "header-user")
	assert.Equal(t, "jwt-user", w.Body.String())
}

func TestAutomationHandler_ListLogsPaginated(t *testing.T) {
	s := newTestServer(t)
	s.seedPendingLog(t, "t1")

	w := s.do(t, "GET", "/api/v1/automation/logs?status=pending_approval&page_size=5", "t1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var page struct {
		Data     []models.AutomationLog `json:"data"`
		Total    int64                  `json:"total"`
		PageSize int                    `json:"page_size"`
		Pages    int                    `json:"pages"`
	}
	decode(t, w, &page)
	assert.Equal(t, int64(1), page.Total)
	assert.Equal(t, 5, page.PageSize)
	assert.Equal(t, 1, page.Pages)
	require.Len(t, page.Data, 1)

	w = s.do(t, "GET", fmt.Sprintf("/api/v1/automation/logs/%d", page.Data[0].ID), "t1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = s.do(t, "GET", "/api/v1/automation/logs/999", "t1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAutomationHandler_EvaluateAndKillSwitch(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	_, err := s.snapshots.UpsertCurrentMetrics(ctx, "t1", "funnel-1", map[string]float64{"roas": 0.5}, nil)
	require.NoError(t, err)
	w := s.do(t, "POST", "/api/v1/automation/rules", "t1", map[string]interface{}{
		"name":    "Pause low ROAS",
		"trigger": map[string]interface{}{"metric": "roas", "operator": "<", "value": 1.0},
		"action":  map[string]interface{}{"type": "pause_ads"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = s.do(t, "PUT", "/api/v1/automation/settings/kill-switch", "t1", map[string]interface{}{"active": true, "reason": "launch freeze"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var st models.TenantSettings
	decode(t, w, &st)
	assert.True(t, st.KillSwitchActive)

	w = s.do(t, "POST", "/api/v1/automation/evaluate", "t1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res map[string]interface{}
	decode(t, w, &res)
	assert.Equal(t, float64(0), res["created"])
	assert.NotEmpty(t, res["skipped"])

	w = s.do(t, "PUT", "/api/v1/automation/settings/kill-switch", "t1", map[string]interface{}{"active": false})
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, "POST", "/api/v1/automation/evaluate", "t1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res = nil
	decode(t, w, &res)
	assert.Equal(t, float64(1), res["created"])

	// kill switch 缺少 active 字段
	w = s.do(t, "PUT", "/api/v1/automation/settings/kill-switch", "t1", map[string]interface{}{"reason": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAutomationHandler_BrandContext(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, "PUT", "/api/v1/automation/settings/brand-context", "t1", map[string]string{"brand_context": "  Premium skincare, never discount.  "})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, "GET", "/api/v1/automation/settings", "t1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var st models.TenantSettings
	decode(t, w, &st)
	assert.Equal(t, "Premium skincare, never discount.", st.BrandContext)
}
