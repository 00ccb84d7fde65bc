package services

import (
	"fmt"
	"time"

	"adpilot/internal/models"
)

// GuardrailResult 过滤结果及跳过计数
type GuardrailResult struct {
	Passed           []CandidateAction
	SkippedCooldown  int
	SkippedDuplicate int
	KillSwitchActive bool
}

type ruleEntityKey struct {
	ruleID   uint
	entityID string
}

// PendingKey 用于唯一约束：同一 (rule, entity) 最多一条待审批记录
func PendingKey(ruleID uint, entityID string) string {
	return fmt.Sprintf("%d|%s", ruleID, entityID)
}

// FilterCandidates drops candidates that are in cooldown or already awaiting
// approval. recentLogs is a bounded window; cooldowns longer than the window
// can under-detect.
func FilterCandidates(candidates []CandidateAction, recentLogs []models.AutomationLog, killSwitchActive bool, cooldownHoursByRule map[uint]int, now time.Time) GuardrailResult {
	if killSwitchActive {
		return GuardrailResult{KillSwitchActive: true}
	}

	lastFired := make(map[ruleEntityKey]time.Time, len(recentLogs))
	pending := make(map[ruleEntityKey]bool)
	for _, l := range recentLogs {
		k := ruleEntityKey{ruleID: l.RuleID, entityID: l.EntityID}
		if l.FiredAt.After(lastFired[k]) {
			lastFired[k] = l.FiredAt
		}
		if l.Status == models.LogStatusPendingApproval {
			pending[k] = true
		}
	}

	res := GuardrailResult{}
	seen := make(map[ruleEntityKey]bool, len(candidates))
	for _, c := range candidates {
		k := ruleEntityKey{ruleID: c.RuleID, entityID: c.EntityID}
		if fired, ok := lastFired[k]; ok {
			cooldown := time.Duration(cooldownHoursByRule[c.RuleID]) * time.Hour
			if cooldown > 0 && now.Sub(fired) < cooldown {
				res.SkippedCooldown++
				continue
			}
		}
		if pending[k] || seen[k] {
			res.SkippedDuplicate++
			continue
		}
		seen[k] = true
		res.Passed = append(res.Passed, c)
	}
	return res
}

// cooldownHours 汇总每条规则的冷却时间，未配置时使用默认值
func cooldownHours(rules []models.AutomationRule, defaultHours int) map[uint]int {
	out := make(map[uint]int, len(rules))
	for _, r := range rules {
		h := r.Guardrails.CooldownPeriod
		if h <= 0 {
			h = defaultHours
		}
		out[r.ID] = h
	}
	return out
}
