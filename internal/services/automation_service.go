package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"adpilot/internal/config"
	appmetrics "adpilot/internal/metrics"
	"adpilot/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// 跳过原因
const (
	PassSkippedNoMetrics  = "no_metrics"
	PassSkippedKillSwitch = "kill_switch"
)

// KillSwitchStore 每次评估只读取一次
type KillSwitchStore interface {
	IsKillSwitchActive(ctx context.Context, tenantID string) (bool, error)
}

// Consultant runs the advisory council for one candidate.
type Consultant interface {
	Consult(ctx context.Context, tenantID string, rule *models.AutomationRule, metrics map[string]float64) (*models.CouncilDebateResult, error)
}

// TenantLister 列出需要评估的租户
type TenantLister interface {
	TenantsWithEnabledRules(ctx context.Context) ([]string, error)
}

// PassResult summarises one tenant evaluation pass.
type PassResult struct {
	RunID                string    `json:"run_id"`
	TenantID             string    `json:"tenant_id"`
	Skipped              string    `json:"skipped,omitempty"`
	RulesEvaluated       int       `json:"rules_evaluated"`
	Matched              int       `json:"matched"`
	SkippedCooldown      int       `json:"skipped_cooldown"`
	SkippedDuplicate     int       `json:"skipped_duplicate"`
	ConsultationFailures int       `json:"consultation_failures"`
	Created              int       `json:"created"`
	AutoExecuted         int       `json:"auto_executed"`
	LogIDs               []uint    `json:"log_ids,omitempty"`
	Errors               []string  `json:"errors,omitempty"`
	StartedAt            time.Time `json:"started_at"`
	FinishedAt           time.Time `json:"finished_at"`
}

// AutomationServiceDeps 编排器依赖；Consultant 与 Executor 可为空
type AutomationServiceDeps struct {
	Rules      RuleStore
	Tenants    TenantLister
	Metrics    MetricsProvider
	KillSwitch KillSwitchStore
	Consultant Consultant
	Logs       *AutomationLogService
	Executor   *ExecutionService
	Automation config.AutomationConfig
	Guardrails config.GuardrailsConfig
	Logger     *logrus.Logger
}

// AutomationService is the evaluation orchestrator. Passes for different
// tenants run in parallel; the candidates of one pass are handled one at a
// time so logs are created in rule order.
type AutomationService struct {
	rules      RuleStore
	tenants    TenantLister
	metrics    MetricsProvider
	killSwitch KillSwitchStore
	consultant Consultant
	logs       *AutomationLogService
	executor   *ExecutionService
	matcher    *RuleMatcher
	cfg        config.AutomationConfig
	guardrails config.GuardrailsConfig
	logger     *logrus.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

func NewAutomationService(deps AutomationServiceDeps) *AutomationService {
	logger := deps.Logger
	if logger == nil {
		logger = logrus.New()
	}
	return &AutomationService{
		rules:      deps.Rules,
		tenants:    deps.Tenants,
		metrics:    deps.Metrics,
		killSwitch: deps.KillSwitch,
		consultant: deps.Consultant,
		logs:       deps.Logs,
		executor:   deps.Executor,
		matcher:    NewRuleMatcher(),
		cfg:        deps.Automation,
		guardrails: deps.Guardrails,
		logger:     logger,
		tracer:     otel.Tracer("adpilot.automation"),
		now:        time.Now,
	}
}

// RunPass evaluates one tenant: fetch metrics, match rules, apply
// guardrails, consult and persist each surviving candidate. Missing metrics
// or an active kill switch end the pass early without error.
func (s *AutomationService) RunPass(ctx context.Context, tenantID string) (*PassResult, error) {
	ctx, span := s.tracer.Start(ctx, "AutomationService.RunPass")
	defer span.End()
	span.SetAttributes(attribute.String("tenant.id", tenantID))

	res := &PassResult{RunID: uuid.NewString(), TenantID: tenantID, StartedAt: s.now()}
	logger := s.logger.WithFields(logrus.Fields{"tenant_id": tenantID, "run_id": res.RunID})
	timer := time.Now()
	defer func() {
		res.FinishedAt = s.now()
		appmetrics.EvaluationDuration.Observe(time.Since(timer).Seconds())
	}()

	fail := func(err error) (*PassResult, error) {
		span.SetStatus(codes.Error, err.Error())
		appmetrics.EvaluationPasses.WithLabelValues("error").Inc()
		return res, err
	}

	current, err := s.metrics.GetCurrentMetrics(ctx, tenantID)
	if err != nil {
		return fail(err)
	}
	if current == nil {
		res.Skipped = PassSkippedNoMetrics
		appmetrics.EvaluationPasses.WithLabelValues(PassSkippedNoMetrics).Inc()
		logger.Debug("no current metrics, nothing to evaluate")
		return res, nil
	}

	// kill switch 只在每轮开始读取一次，开启时本轮不再做任何处理
	killSwitch, err := s.killSwitch.IsKillSwitchActive(ctx, tenantID)
	if err != nil {
		return fail(err)
	}
	if killSwitch {
		res.Skipped = PassSkippedKillSwitch
		appmetrics.EvaluationPasses.WithLabelValues(PassSkippedKillSwitch).Inc()
		logger.Warn("kill switch active, automation output suppressed")
		return res, nil
	}

	rules, err := s.rules.GetEnabledRules(ctx, tenantID)
	if err != nil {
		return fail(err)
	}
	res.RulesEvaluated = len(rules)

	days := s.cfg.HistoryDays
	if w := maxTrendWindow(rules); w > days {
		days = w
	}
	history, err := s.metrics.GetHistory(ctx, tenantID, days)
	if err != nil {
		return fail(err)
	}

	candidates := s.matcher.Match(tenantID, EvaluationInput{
		Metrics: current.Metrics,
		History: history,
		Gap:     current.Gap,
	}, current.FunnelID, rules)
	res.Matched = len(candidates)
	appmetrics.Candidates.WithLabelValues("matched").Add(float64(len(candidates)))

	recent, err := s.logs.ListRecent(ctx, tenantID, s.guardrails.RecentLogLimit)
	if err != nil {
		return fail(err)
	}
	filtered := FilterCandidates(candidates, recent, false,
		cooldownHours(rules, s.guardrails.DefaultCooldownHours), s.now())
	res.SkippedCooldown = filtered.SkippedCooldown
	res.SkippedDuplicate = filtered.SkippedDuplicate
	appmetrics.Candidates.WithLabelValues("cooldown").Add(float64(filtered.SkippedCooldown))

	for i := range filtered.Passed {
		s.processCandidate(ctx, &filtered.Passed[i], res, logger)
	}
	appmetrics.Candidates.WithLabelValues("duplicate").Add(float64(res.SkippedDuplicate))
	appmetrics.Candidates.WithLabelValues("created").Add(float64(res.Created))
	appmetrics.EvaluationPasses.WithLabelValues("ok").Inc()

	logger.Infof("evaluation pass done: rules=%d matched=%d cooldown=%d duplicate=%d created=%d",
		res.RulesEvaluated, res.Matched, res.SkippedCooldown, res.SkippedDuplicate, res.Created)
	return res, nil
}

func (s *AutomationService) processCandidate(ctx context.Context, c *CandidateAction, res *PassResult, logger *logrus.Entry) {
	if s.consultant != nil {
		consensus, err := s.consultant.Consult(ctx, c.TenantID, &c.Rule, c.Context.Metrics)
		if err != nil {
			// 咨询失败不阻断审计记录
			res.ConsultationFailures++
			logger.Warnf("consultation failed for rule %d: %v", c.RuleID, err)
		} else {
			c.Context.Consensus = consensus
		}
	}

	log := &models.AutomationLog{
		TenantID:      c.TenantID,
		RuleID:        c.RuleID,
		RuleName:      c.Rule.Name,
		EntityID:      c.EntityID,
		ActionSummary: c.ActionSummary,
		Action:        c.Rule.Action,
		Status:        models.LogStatusPendingApproval,
		Context:       c.Context,
		FiredAt:       c.FiredAt,
	}
	if err := s.logs.Create(ctx, log); err != nil {
		if errors.Is(err, ErrDuplicatePending) {
			res.SkippedDuplicate++
			return
		}
		res.Errors = append(res.Errors, fmt.Sprintf("rule %d: %v", c.RuleID, err))
		logger.Errorf("failed to persist automation log for rule %d: %v", c.RuleID, err)
		return
	}
	res.Created++
	res.LogIDs = append(res.LogIDs, log.ID)

	if c.Rule.Guardrails.RequireApproval || !s.cfg.AutoExecute || s.executor == nil {
		return
	}
	if _, err := s.executor.Approve(ctx, c.TenantID, log.ID, SystemActor); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("auto-execute log %d: %v", log.ID, err))
		logger.Errorf("auto-execute of log %d failed: %v", log.ID, err)
		return
	}
	res.AutoExecuted++
}

// RunAll runs a pass for every tenant with enabled rules. A failing tenant
// is logged and reported in its result; it never stops the others.
func (s *AutomationService) RunAll(ctx context.Context) ([]*PassResult, error) {
	tenants, err := s.tenants.TenantsWithEnabledRules(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		results = make([]*PassResult, 0, len(tenants))
	)
	g, gctx := errgroup.WithContext(ctx)
	limit := s.cfg.MaxParallelTenants
	if limit <= 0 {
		limit = 4
	}
	g.SetLimit(limit)

	for _, tenantID := range tenants {
		tenantID := tenantID
		g.Go(func() error {
			passCtx := gctx
			if s.cfg.PassTimeout > 0 {
				var cancel context.CancelFunc
				passCtx, cancel = context.WithTimeout(gctx, s.cfg.PassTimeout)
				defer cancel()
			}
			res, err := s.RunPass(passCtx, tenantID)
			if err != nil {
				s.logger.Errorf("evaluation pass failed for tenant %s: %v", tenantID, err)
				if res == nil {
					res = &PassResult{TenantID: tenantID}
				}
				res.Errors = append(res.Errors, err.Error())
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].TenantID < results[j].TenantID })
	return results, nil
}
