package services

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"

	"adpilot/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := "file:services_" + name + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(models.AllModels()...))
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fakeGenerator struct {
	mu      sync.Mutex
	text    string
	err     error
	calls   int
	prompts []string
}

func (g *fakeGenerator) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.prompts = append(g.prompts, prompt)
	return g.text, g.err
}

type fakePlatform struct {
	mu      sync.Mutex
	id      string
	err     error
	applied []models.AutomationAction
}

func (p *fakePlatform) Apply(ctx context.Context, tenantID string, action models.AutomationAction) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applied = append(p.applied, action)
	return p.id, p.err
}

type recordingNotifier struct {
	mu    sync.Mutex
	items []models.InAppNotification
	err   error
}

func (n *recordingNotifier) Notify(ctx context.Context, note *models.InAppNotification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.items = append(n.items, *note)
	return n.err
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.items))
	for _, it := range n.items {
		out = append(out, it.Type)
	}
	return out
}

type fakeProcessor struct {
	err      error
	calls    int
	payloads [][]byte
}

func (p *fakeProcessor) Process(ctx context.Context, tenantID, source string, payload []byte) error {
	p.calls++
	p.payloads = append(p.payloads, payload)
	return p.err
}

type memKillSwitchCache struct {
	mu     sync.Mutex
	values map[string]bool
	gets   int
	err    error
}

func (c *memKillSwitchCache) Get(ctx context.Context, tenantID string) (bool, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	if c.err != nil {
		return false, false, c.err
	}
	v, ok := c.values[tenantID]
	return v, ok, nil
}

func (c *memKillSwitchCache) Set(ctx context.Context, tenantID string, active bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.values == nil {
		c.values = map[string]bool{}
	}
	c.values[tenantID] = active
	return nil
}

const fullCouncilResponse = `Performance Analyst: ROAS is well below break-even.
[VOTE:performance:approve:ROAS of 0.8 burns budget]
Brand Guardian: pausing one campaign has little reach impact.
[VOTE:brand:approve:limited brand exposure]
Finance Controller: every day costs margin.
[VOTE:finance:approve:stops the loss]
Risk Officer: the action is reversible, but data is only one day old.
[VOTE:risk:reject:wait for another day of data]

Verdict: Pause the campaign now and review it tomorrow.

[CONFIDENCE:83]`
