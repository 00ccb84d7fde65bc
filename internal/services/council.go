package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"adpilot/internal/config"
	appmetrics "adpilot/internal/metrics"
	"adpilot/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const (
	maxRawResponseChars = 5000
	maxVerdictChars     = 500
	defaultConfidence   = 50
	narrativeWindow     = 400

	verdictPlaceholder = "No verdict provided"
	inferredVoteReason = "inferred from narrative text"
	VoteApprove        = "approve"
	VoteReject         = "reject"
)

// Advisor 共识顾问
type Advisor struct {
	ID    string
	Name  string
	Focus string
}

// CouncilAdvisors is the fixed advisory panel.
var CouncilAdvisors = []Advisor{
	{ID: "performance", Name: "Performance Analyst", Focus: "ROAS, CPA and conversion efficiency"},
	{ID: "brand", Name: "Brand Guardian", Focus: "brand safety, reach and long-term perception"},
	{ID: "finance", Name: "Finance Controller", Focus: "budget pacing, margin and profit impact"},
	{ID: "risk", Name: "Risk Officer", Focus: "reversibility, data quality and blast radius"},
}

var (
	voteMarkerRe       = regexp.MustCompile(`(?i)\[VOTE:\s*([a-z0-9_\-]+)\s*:\s*(approve|reject)\s*:\s*([^\]]*)\]`)
	confidenceMarkerRe = regexp.MustCompile(`(?i)\[CONFIDENCE:\s*(-?\d+)\s*\]`)
	verdictHeadingRe   = regexp.MustCompile(`(?im)^[#*_\s]*verdict\b[*_\s]*:?[*_\s]*`)
	verdictEndRe       = regexp.MustCompile(`(?i)\n\s*\n|\[CONFIDENCE|\[VOTE`)
	affirmativeCueRe   = regexp.MustCompile(`(?i)\b(approve[sd]?|support(s|ing)?|agree[sd]?|endorse[sd]?|in favou?r|recommend(s)? proceeding|go ahead|yes)\b`)
	negativeCueRe      = regexp.MustCompile(`(?i)\b(reject(s|ed)?|oppose[sd]?|against|disagree[sd]?|decline[sd]?|object(s)?|veto(es)?)\b`)
	// 否定形式的赞成词按反对计，并从赞成计数中扣除
	negatedCueRe       = regexp.MustCompile(`(?i)\b(not|never|cannot|can['’]t|won['’]t|don['’]t|doesn['’]t)\s+(approve[sd]?|support(s|ing)?|agree[sd]?|endorse[sd]?|be in favou?r)\b`)
)

// BrandContextProvider 提供租户品牌上下文（可选）
type BrandContextProvider interface {
	BrandContext(ctx context.Context, tenantID string) (string, error)
}

// CouncilConsultant runs one consensus consultation per candidate.
type CouncilConsultant struct {
	generator TextGenerator
	brand     BrandContextProvider
	limiter   *rate.Limiter
	breaker   *CircuitBreaker
	opts      GenerateOptions
	logger    *logrus.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

func NewCouncilConsultant(generator TextGenerator, brand BrandContextProvider, cfg config.CouncilConfig, logger *logrus.Logger) *CouncilConsultant {
	if logger == nil {
		logger = logrus.New()
	}
	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Limit(float64(cfg.RequestsPerMinute) / 60.0)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	c := &CouncilConsultant{
		generator: generator,
		brand:     brand,
		limiter:   rate.NewLimiter(limit, burst),
		opts:      GenerateOptions{Model: cfg.Model, Temperature: cfg.Temperature},
		logger:    logger,
		tracer:    otel.Tracer("adpilot.council"),
		now:       time.Now,
	}
	if cfg.CircuitBreaker.Enabled {
		c.breaker = NewCircuitBreaker(cfg.CircuitBreaker)
	}
	return c
}

// Consult 构建提示词、调用文本能力并解析投票；调用失败返回错误，解析从不失败
func (c *CouncilConsultant) Consult(ctx context.Context, tenantID string, rule *models.AutomationRule, metrics map[string]float64) (*models.CouncilDebateResult, error) {
	ctx, span := c.tracer.Start(ctx, "council.consult")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.Int64("rule.id", int64(rule.ID)),
	)

	brandContext := ""
	if c.brand != nil {
		bc, err := c.brand.BrandContext(ctx, tenantID)
		if err != nil {
			c.logger.Warnf("council: brand context unavailable for tenant %s: %v", tenantID, err)
		} else {
			brandContext = bc
		}
	}
	prompt := BuildCouncilPrompt(rule, metrics, brandContext)

	if err := c.limiter.Wait(ctx); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("council rate limit: %w", err)
	}

	var text string
	call := func() error {
		var err error
		text, err = c.generator.Generate(ctx, prompt, c.opts)
		return err
	}
	var err error
	if c.breaker != nil {
		err = c.breaker.Execute(call)
	} else {
		err = call()
	}
	if err != nil {
		span.RecordError(err)
		appmetrics.CouncilConsultations.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("council consultation: %w", err)
	}

	result := ParseCouncilResponse(text)
	result.ConsultedAt = c.now()
	if result.FallbackUsed {
		appmetrics.CouncilConsultations.WithLabelValues("fallback").Inc()
	} else {
		appmetrics.CouncilConsultations.WithLabelValues("markers").Inc()
	}
	span.SetAttributes(
		attribute.Int("council.votes", len(result.Votes)),
		attribute.Int("council.confidence", result.Confidence),
		attribute.Bool("council.fallback", result.FallbackUsed),
	)
	return &result, nil
}

// BreakerStats 熔断器状态（未启用时返回 nil）
func (c *CouncilConsultant) BreakerStats() map[string]interface{} {
	if c.breaker == nil {
		return nil
	}
	return c.breaker.Stats()
}

// BuildCouncilPrompt renders the natural-language brief sent to the council.
func BuildCouncilPrompt(rule *models.AutomationRule, metrics map[string]float64, brandContext string) string {
	var b strings.Builder
	b.WriteString("You are moderating an advisory council that reviews a proposed marketing automation action.\n\n")
	fmt.Fprintf(&b, "Rule: %s\n", rule.Name)
	fmt.Fprintf(&b, "Trigger: %s\n", DescribeTrigger(rule))

	a := rule.Action
	fmt.Fprintf(&b, "Proposed action: %s\n", a.Type)
	fmt.Fprintf(&b, "Platform: %s\n", orDefault(a.Platform, "all"))
	fmt.Fprintf(&b, "Target level: %s\n", orDefault(a.TargetLevel, "account"))
	if a.AdjustmentValue != 0 {
		fmt.Fprintf(&b, "Adjustment: %s%%\n", formatMetric(a.AdjustmentValue))
	}

	b.WriteString("\nCurrent metrics:\n")
	keys := make([]string, 0, len(metrics))
	for k, v := range metrics {
		if v == 0 {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		b.WriteString("(no non-zero metrics)\n")
	}
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %s\n", k, formatMetric(metrics[k]))
	}

	if strings.TrimSpace(brandContext) != "" {
		b.WriteString("\nBrand context:\n")
		b.WriteString(strings.TrimSpace(brandContext))
		b.WriteString("\n")
	}

	b.WriteString("\nCouncil members:\n")
	for _, adv := range CouncilAdvisors {
		fmt.Fprintf(&b, "- %s (%s): %s\n", adv.ID, adv.Name, adv.Focus)
	}
	b.WriteString("\nLet each member argue briefly from their focus, then cast exactly one vote on its own line using:\n")
	b.WriteString("[VOTE:<member_id>:<approve|reject>:<one-sentence reason>]\n")
	b.WriteString("Then write a section headed \"Verdict:\" summarising the council's decision in two sentences or fewer.\n")
	b.WriteString("Finish with the council's overall confidence as an integer from 0 to 100:\n")
	b.WriteString("[CONFIDENCE:<0-100>]\n")
	return b.String()
}

// DescribeTrigger 生成规则触发条件的可读描述
func DescribeTrigger(rule *models.AutomationRule) string {
	conds := rule.Conditions
	logic := strings.ToUpper(rule.LogicOperator)
	if len(conds) == 0 {
		conds = []models.AutomationCondition{rule.Trigger.AsCondition()}
	}
	if logic != models.LogicOR {
		logic = models.LogicAND
	}
	parts := make([]string, 0, len(conds))
	for _, c := range conds {
		parts = append(parts, describeCondition(c))
	}
	return strings.Join(parts, " "+logic+" ")
}

func describeCondition(c models.AutomationCondition) string {
	switch c.Type {
	case models.ConditionAutopsyGap:
		if c.StepType != "" {
			return fmt.Sprintf("funnel gap at step %q", c.StepType)
		}
		return "any funnel gap"
	case models.ConditionTrend:
		return fmt.Sprintf("%s %s by %s %s over %d days", c.Metric, c.TrendDirection, c.Operator, formatMetric(c.Value), c.TrendPeriodDays)
	default:
		metric := c.Metric
		if metric == "" {
			metric = c.Type
		}
		return fmt.Sprintf("%s %s %s", metric, c.Operator, formatMetric(c.Value))
	}
}

// ParseCouncilResponse extracts votes, confidence and verdict from free text.
// It never fails: malformed input degrades to defaults.
func ParseCouncilResponse(text string) models.CouncilDebateResult {
	result := models.CouncilDebateResult{
		RawResponse: truncateRunes(text, maxRawResponseChars),
		Votes:       ParseVoteMarkers(text),
		Verdict:     ExtractVerdict(text),
		Confidence:  ParseConfidence(text),
	}
	if len(result.Votes) == 0 {
		result.Votes = InferVotesFromNarrative(text)
		result.FallbackUsed = true
	}
	return result
}

// ParseVoteMarkers 严格解析 [VOTE:id:approve|reject:reason]，同一顾问只取第一票
func ParseVoteMarkers(text string) []models.CouncilVote {
	matches := voteMarkerRe.FindAllStringSubmatch(text, -1)
	votes := make([]models.CouncilVote, 0, len(matches))
	seen := make(map[string]bool, len(matches))
	for _, m := range matches {
		id := strings.ToLower(strings.TrimSpace(m[1]))
		if seen[id] {
			continue
		}
		seen[id] = true
		votes = append(votes, models.CouncilVote{
			AgentID:   id,
			AgentName: advisorName(id),
			Vote:      strings.ToLower(m[2]),
			Reason:    strings.TrimSpace(m[3]),
		})
	}
	return votes
}

// ParseConfidence 解析 [CONFIDENCE:n]，缺失时为 50，并限制在 [0,100]
func ParseConfidence(text string) int {
	m := confidenceMarkerRe.FindStringSubmatch(text)
	if m == nil {
		return defaultConfidence
	}
	n, err := strconv.Atoi(m[1])
	if errors.Is(err, strconv.ErrRange) {
		if strings.HasPrefix(m[1], "-") {
			return 0
		}
		return 100
	}
	if err != nil {
		return defaultConfidence
	}
	return clampConfidence(n)
}

func clampConfidence(n int) int {
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}

// ExtractVerdict returns the text under a "Verdict" heading, capped at 500
// characters, or a placeholder.
func ExtractVerdict(text string) string {
	loc := verdictHeadingRe.FindStringIndex(text)
	if loc == nil {
		return verdictPlaceholder
	}
	rest := text[loc[1]:]
	if end := verdictEndRe.FindStringIndex(rest); end != nil {
		rest = rest[:end[0]]
	}
	verdict := strings.Join(strings.Fields(rest), " ")
	if verdict == "" {
		return verdictPlaceholder
	}
	return truncateRunes(verdict, maxVerdictChars)
}

// InferVotesFromNarrative is the heuristic pass used when no vote markers are
// present: each advisor's name is located and the text that follows it is
// scanned for affirmative or negative cues.
func InferVotesFromNarrative(text string) []models.CouncilVote {
	lower := strings.ToLower(text)

	positions := make(map[string]int, len(CouncilAdvisors))
	for _, adv := range CouncilAdvisors {
		positions[adv.ID] = strings.Index(lower, strings.ToLower(adv.Name))
	}

	var votes []models.CouncilVote
	for _, adv := range CouncilAdvisors {
		start := positions[adv.ID]
		if start < 0 {
			continue
		}
		start += len(adv.Name)
		end := start + narrativeWindow
		if end > len(lower) {
			end = len(lower)
		}
		// 窗口截止到下一位顾问出现的位置
		for id, pos := range positions {
			if id != adv.ID && pos >= start && pos < end {
				end = pos
			}
		}
		window := lower[start:end]

		negated := len(negatedCueRe.FindAllStringIndex(window, -1))
		aff := len(affirmativeCueRe.FindAllStringIndex(window, -1)) - negated
		neg := len(negativeCueRe.FindAllStringIndex(window, -1)) + negated
		var vote string
		switch {
		case aff == 0 && neg == 0:
			continue
		case aff > neg:
			vote = VoteApprove
		default:
			vote = VoteReject
		}
		votes = append(votes, models.CouncilVote{
			AgentID:   adv.ID,
			AgentName: adv.Name,
			Vote:      vote,
			Reason:    inferredVoteReason,
		})
	}
	return votes
}

func advisorName(id string) string {
	for _, adv := range CouncilAdvisors {
		if adv.ID == id {
			return adv.Name
		}
	}
	return id
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}

func formatMetric(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
