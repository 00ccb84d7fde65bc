package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"adpilot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pendingLog(tenantID string, ruleID uint, entity string) *models.AutomationLog {
	return &models.AutomationLog{
		TenantID:      tenantID,
		RuleID:        ruleID,
		RuleName:      "Pause low ROAS",
		EntityID:      entity,
		ActionSummary: "Pause ads on " + entity,
		Action:        models.AutomationAction{Type: models.ActionPauseAds},
		Context: models.AutomationLogContext{
			EntityID: entity,
			Metrics:  map[string]float64{"roas": 0.8},
		},
	}
}

func TestAutomationLogService_CreateNotifies(t *testing.T) {
	notifier := &recordingNotifier{}
	s := NewAutomationLogService(newTestDB(t), notifier, quietLogger())
	ctx := context.Background()

	log := pendingLog("t1", 1, "all:account")
	log.Context.Consensus = &models.CouncilDebateResult{Confidence: 83, Verdict: "Pause it"}
	require.NoError(t, s.Create(ctx, log))
	assert.NotZero(t, log.ID)
	assert.False(t, log.FiredAt.IsZero())

	got, err := s.Get(ctx, "t1", log.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LogStatusPendingApproval, got.Status)
	assert.Equal(t, 0.8, got.Context.Metrics["roas"])
	require.NotNil(t, got.Context.Consensus)
	assert.Equal(t, 83, got.Context.Consensus.Confidence)

	require.Len(t, notifier.items, 1)
	n := notifier.items[0]
	assert.Equal(t, NotificationApprovalRequired, n.Type)
	assert.Equal(t, "t1", n.TenantID)
	assert.Equal(t, 83, n.Data["confidence"])
	assert.Equal(t, "Pause it", n.Data["verdict"])
}

func TestAutomationLogService_RejectsNonPendingCreate(t *testing.T) {
	s := NewAutomationLogService(newTestDB(t), nil, quietLogger())
	log := pendingLog("t1", 1, "all:account")
	log.Status = models.LogStatusExecuted
	assert.ErrorIs(t, s.Create(context.Background(), log), ErrInvalidTransition)
}

func TestAutomationLogService_DuplicatePending(t *testing.T) {
	s := NewAutomationLogService(newTestDB(t), nil, quietLogger())
	ctx := context.Background()

	first := pendingLog("t1", 1, "all:account")
	require.NoError(t, s.Create(ctx, first))
	assert.ErrorIs(t, s.Create(ctx, pendingLog("t1", 1, "all:account")), ErrDuplicatePending)

	// 不同实体不受影响
	require.NoError(t, s.Create(ctx, pendingLog("t1", 1, "meta:campaign")))

	// 决策后同一 (rule, entity) 可以再次待审批
	_, err := s.Transition(ctx, "t1", first.ID, models.LogStatusRejected, "alice", nil)
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, pendingLog("t1", 1, "all:account")))
}

func TestAutomationLogService_FailingNotifierKeepsWrite(t *testing.T) {
	notifier := &recordingNotifier{err: errors.New("hub offline")}
	s := NewAutomationLogService(newTestDB(t), notifier, quietLogger())
	ctx := context.Background()

	log := pendingLog("t1", 1, "all:account")
	require.NoError(t, s.Create(ctx, log))
	_, err := s.Get(ctx, "t1", log.ID)
	assert.NoError(t, err)
}

func TestAutomationLogService_Transitions(t *testing.T) {
	s := NewAutomationLogService(newTestDB(t), nil, quietLogger())
	ctx := context.Background()
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	log := pendingLog("t1", 1, "all:account")
	require.NoError(t, s.Create(ctx, log))

	_, err := s.Transition(ctx, "t1", log.ID, models.LogStatusPendingApproval, "alice", nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	exec := &models.ExecutionResult{Success: true, ExternalID: "ext-1", Platform: "meta", Timestamp: fixed}
	done, err := s.Transition(ctx, "t1", log.ID, models.LogStatusExecuted, "alice", exec)
	require.NoError(t, err)
	assert.Equal(t, models.LogStatusExecuted, done.Status)
	assert.Equal(t, "alice", done.DecidedBy)
	require.NotNil(t, done.Execution)
	assert.Equal(t, "ext-1", done.Execution.ExternalID)
	require.NotNil(t, done.ExecutedAt)
	assert.Nil(t, done.PendingKey)

	for _, to := range []string{models.LogStatusRejected, models.LogStatusFailed, models.LogStatusExecuted} {
		_, err := s.Transition(ctx, "t1", log.ID, to, "alice", nil)
		assert.ErrorIs(t, err, ErrInvalidTransition, to)
	}

	_, err = s.Transition(ctx, "t2", log.ID, models.LogStatusRejected, "bob", nil)
	assert.ErrorIs(t, err, ErrLogNotFound)
	_, err = s.Transition(ctx, "t1", 9999, models.LogStatusRejected, "bob", nil)
	assert.ErrorIs(t, err, ErrLogNotFound)
}

func TestAutomationLogService_ClaimConflict(t *testing.T) {
	s := NewAutomationLogService(newTestDB(t), nil, quietLogger())
	ctx := context.Background()

	log := pendingLog("t1", 1, "all:account")
	require.NoError(t, s.Create(ctx, log))

	claimed, err := s.Claim(ctx, "t1", log.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", claimed.DecidedBy)
	assert.Equal(t, models.LogStatusPendingApproval, claimed.Status)

	_, err = s.Claim(ctx, "t1", log.ID, "bob")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = s.Transition(ctx, "t1", log.ID, models.LogStatusRejected, "bob", nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = s.Transition(ctx, "t1", log.ID, models.LogStatusFailed, "alice", &models.ExecutionResult{Error: "boom"})
	require.NoError(t, err)
}

func TestAutomationLogService_ListRecentAndList(t *testing.T) {
	s := NewAutomationLogService(newTestDB(t), nil, quietLogger())
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, entity := range []string{"a:account", "b:account", "c:account"} {
		l := pendingLog("t1", uint(i+1), entity)
		l.FiredAt = base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, s.Create(ctx, l))
	}
	require.NoError(t, s.Create(ctx, pendingLog("t2", 1, "a:account")))

	recent, err := s.ListRecent(ctx, "t1", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "c:account", recent[0].EntityID)
	assert.Equal(t, "b:account", recent[1].EntityID)

	logs, total, err := s.List(ctx, "t1", &AutomationLogListRequest{RuleID: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, logs, 1)
	assert.Equal(t, "b:account", logs[0].EntityID)
}

func TestAutomationLogService_ImpactSelection(t *testing.T) {
	s := NewAutomationLogService(newTestDB(t), nil, quietLogger())
	ctx := context.Background()
	executedAt := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return executedAt }

	log := pendingLog("t1", 1, "all:account")
	require.NoError(t, s.Create(ctx, log))
	_, err := s.Transition(ctx, "t1", log.ID, models.LogStatusExecuted, SystemActor, &models.ExecutionResult{Success: true})
	require.NoError(t, err)

	due, err := s.ListAwaitingImpact(ctx, executedAt.Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = s.ListAwaitingImpact(ctx, executedAt.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	require.NoError(t, s.AttachImpact(ctx, log.ID, &models.ImpactAnalysis{Summary: "roas +0.20 (0.80 -> 1.00)"}))
	due, err = s.ListAwaitingImpact(ctx, executedAt.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	got, err := s.Get(ctx, "t1", log.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Impact)
	assert.Equal(t, models.LogStatusExecuted, got.Status)

	pending := pendingLog("t1", 2, "all:account")
	require.NoError(t, s.Create(ctx, pending))
	assert.ErrorIs(t, s.AttachImpact(ctx, pending.ID, &models.ImpactAnalysis{}), ErrLogNotFound)
}

func TestAutomationLogService_StaleClaimCanBeTakenOver(t *testing.T) {
	s := NewAutomationLogService(newTestDB(t), nil, quietLogger())
	s.SetClaimTTL(5 * time.Minute)
	ctx := context.Background()
	claimedAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return claimedAt }

	log := pendingLog("t1", 1, "all:account")
	require.NoError(t, s.Create(ctx, log))
	_, err := s.Claim(ctx, "t1", log.ID, "alice")
	require.NoError(t, err)

	s.now = func() time.Time { return claimedAt.Add(time.Minute) }
	_, err = s.Claim(ctx, "t1", log.ID, "bob")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	s.now = func() time.Time { return claimedAt.Add(6 * time.Minute) }
	claimed, err := s.Claim(ctx, "t1", log.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", claimed.DecidedBy)

	// 原认领者的迟到结果不能覆盖接管者
	_, err = s.Transition(ctx, "t1", log.ID, models.LogStatusExecuted, "alice", &models.ExecutionResult{Success: true})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	done, err := s.Transition(ctx, "t1", log.ID, models.LogStatusRejected, "bob", nil)
	require.NoError(t, err)
	assert.Equal(t, models.LogStatusRejected, done.Status)
	assert.Nil(t, done.ClaimedAt)
}

func TestAutomationLogService_ReleaseClaim(t *testing.T) {
	s := NewAutomationLogService(newTestDB(t), nil, quietLogger())
	ctx := context.Background()

	log := pendingLog("t1", 1, "all:account")
	require.NoError(t, s.Create(ctx, log))
	_, err := s.Claim(ctx, "t1", log.ID, "alice")
	require.NoError(t, err)

	// 只有认领者本人能释放
	require.NoError(t, s.ReleaseClaim(ctx, "t1", log.ID, "bob"))
	_, err = s.Claim(ctx, "t1", log.ID, "bob")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, s.ReleaseClaim(ctx, "t1", log.ID, "alice"))
	got, err := s.Get(ctx, "t1", log.ID)
	require.NoError(t, err)
	assert.Empty(t, got.DecidedBy)
	assert.Nil(t, got.ClaimedAt)

	_, err = s.Claim(ctx, "t1", log.ID, "bob")
	require.NoError(t, err)
}
