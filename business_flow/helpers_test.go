package businessflow_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/amirphl/wa-campaign-dispatcher/app/services"
	businessflow "github.com/amirphl/wa-campaign-dispatcher/business_flow"
	"github.com/amirphl/wa-campaign-dispatcher/config"
	"github.com/amirphl/wa-campaign-dispatcher/models"
	"github.com/amirphl/wa-campaign-dispatcher/queue"
	"github.com/amirphl/wa-campaign-dispatcher/repository"
	testingutil "github.com/amirphl/wa-campaign-dispatcher/testing"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeClock is a settable clock shared by every flow of a test
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// firstRandom always draws zero: first variant, shortest delay, stable shuffles
type firstRandom struct{}

func (firstRandom) IntN(int) int { return 0 }

type sentMessage struct {
	Instance string
	Number   string
	Text     string
	MediaURL string
}

// fakeProvider records calls; sendErrs are consumed in order, then every send succeeds
type fakeProvider struct {
	mu        sync.Mutex
	sent      []sentMessage
	sendErrs  []error
	created   []services.CreateInstanceRequest
	deleted   []string
	createErr error
	numbers   map[string]bool
	seq       int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{numbers: make(map[string]bool)}
}

func (p *fakeProvider) FailNext(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sendErrs = append(p.sendErrs, errs...)
}

func (p *fakeProvider) Sent() []sentMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]sentMessage, len(p.sent))
	copy(out, p.sent)
	return out
}

func (p *fakeProvider) send(msg sentMessage) (*services.SendResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sendErrs) > 0 {
		err := p.sendErrs[0]
		p.sendErrs = p.sendErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	p.seq++
	p.sent = append(p.sent, msg)
	return &services.SendResult{MessageID: fmt.Sprintf("msg-%d", p.seq), Status: "PENDING"}, nil
}

func (p *fakeProvider) CreateInstance(_ context.Context, req services.CreateInstanceRequest) (*services.CreateInstanceResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return nil, p.createErr
	}
	p.created = append(p.created, req)
	return &services.CreateInstanceResult{InstanceID: "inst-" + req.Name, InstanceName: req.Name, Status: "created"}, nil
}

func (p *fakeProvider) Connect(context.Context, string) (*services.ConnectResult, error) {
	return &services.ConnectResult{QRCode: "data:image/png;base64,AAAA", PairingCode: "ABCD1234"}, nil
}

func (p *fakeProvider) ConnectionState(context.Context, string) (string, error) {
	return "open", nil
}

func (p *fakeProvider) SendText(_ context.Context, name, number, text string) (*services.SendResult, error) {
	return p.send(sentMessage{Instance: name, Number: number, Text: text})
}

func (p *fakeProvider) SendMedia(_ context.Context, name, number, mediaURL, caption string) (*services.SendResult, error) {
	return p.send(sentMessage{Instance: name, Number: number, Text: caption, MediaURL: mediaURL})
}

func (p *fakeProvider) WhatsAppNumbers(_ context.Context, _ string, numbers []string) ([]services.NumberStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]services.NumberStatus, 0, len(numbers))
	for _, n := range numbers {
		out = append(out, services.NumberStatus{Number: n, Exists: p.numbers[n]})
	}
	return out, nil
}

func (p *fakeProvider) DeleteInstance(_ context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = append(p.deleted, name)
	return nil
}

func (p *fakeProvider) RestartInstance(context.Context, string) error {
	return nil
}

type enqueued struct {
	Task  queue.Task
	Delay time.Duration
}

// recordingQueue keeps every enqueued task with its delay
type recordingQueue struct {
	mu    sync.Mutex
	tasks []enqueued
}

func (q *recordingQueue) Enqueue(_ context.Context, task queue.Task, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, enqueued{Task: task, Delay: delay})
	return nil
}

func (q *recordingQueue) Claim(context.Context, time.Time, int) ([]queue.Task, error) { return nil, nil }
func (q *recordingQueue) Ack(context.Context, queue.Task) error                       { return nil }
func (q *recordingQueue) RequeueExpired(context.Context, time.Time) (int, error)      { return 0, nil }

func (q *recordingQueue) Len(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.tasks)), nil
}

func (q *recordingQueue) OfKind(kind queue.Kind) []enqueued {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []enqueued
	for _, e := range q.tasks {
		if e.Task.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (q *recordingQueue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []services.OutcomeEvent
}

func (p *recordingPublisher) Publish(_ context.Context, event services.OutcomeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

// testEnv wires every flow over one set of in-memory partitions
type testEnv struct {
	DB        *testingutil.TestDB
	Fixtures  *testingutil.TestFixtures
	Clock     *fakeClock
	Provider  *fakeProvider
	Queue     *recordingQueue
	Publisher *recordingPublisher

	SenderRepo   repository.SenderRepository
	UsageRepo    repository.SenderUsageRepository
	TargetRepo   repository.TargetRepository
	CampaignRepo repository.CampaignRepository
	ConvRepo     repository.ConversationRepository
	HistoryRepo  repository.PhoneHistoryRepository
	SettingsRepo repository.CampaignSettingsRepository

	Pool     businessflow.SenderPool
	Campaign businessflow.CampaignFlow
	Dispatch businessflow.DispatchFlow
	Inbound  businessflow.InboundFlow
	Senders  businessflow.SenderFlow
	Settings businessflow.SettingsFlow
}

var testNow = time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := testingutil.SetupTestDB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.TeardownTestDB() })

	fx := testingutil.NewTestFixtures(db)
	fx.Now = testNow
	clock := &fakeClock{now: testNow}
	logger := zap.NewNop()

	env := &testEnv{
		DB:           db,
		Fixtures:     fx,
		Clock:        clock,
		Provider:     newFakeProvider(),
		Queue:        &recordingQueue{},
		Publisher:    &recordingPublisher{},
		SenderRepo:   repository.NewSenderRepository(),
		UsageRepo:    repository.NewSenderUsageRepository(),
		TargetRepo:   repository.NewTargetRepository(),
		CampaignRepo: repository.NewCampaignRepository(),
		ConvRepo:     repository.NewConversationRepository(),
		HistoryRepo:  repository.NewPhoneHistoryRepository(),
		SettingsRepo: repository.NewCampaignSettingsRepository(db.Control),
	}
	templateRepo := repository.NewTemplateRepository()
	audienceRepo := repository.NewAudienceRepository()

	env.Pool = businessflow.NewSenderPool(env.SenderRepo, env.UsageRepo, firstRandom{}, clock.Now, logger)
	env.Campaign = businessflow.NewCampaignFlow(db.Registry, env.CampaignRepo, env.TargetRepo, templateRepo, audienceRepo,
		env.SenderRepo, env.SettingsRepo, env.Queue, env.Publisher, config.DispatcherConfig{
			JanitorStuckAfter:  10 * time.Minute,
			BatchRecoveryGrace: 5 * time.Minute,
		}, firstRandom{}, clock.Now, logger)
	env.Dispatch = businessflow.NewDispatchFlow(db.Registry, env.CampaignRepo, env.TargetRepo, templateRepo, env.HistoryRepo,
		env.SettingsRepo, env.Pool, env.Provider, env.Queue, env.Publisher, firstRandom{}, clock.Now, logger)
	env.Inbound = businessflow.NewInboundFlow(db.Registry, env.SenderRepo, env.ConvRepo, env.TargetRepo,
		repository.NewWebhookEventRepository(), env.Provider, env.Publisher, clock.Now, logger)
	env.Senders = businessflow.NewSenderFlow(db.Registry, env.SenderRepo, env.UsageRepo, env.HistoryRepo, env.Provider,
		config.ProviderConfig{MaxSenders: 2},
		config.ServerConfig{SiteURL: "https://dispatcher.example.com"},
		config.WebhookConfig{Path: "/api/v1/webhooks/evolution", SecretHeader: "X-Webhook-Secret"},
		clock.Now, logger)
	env.Settings = businessflow.NewSettingsFlow(env.SettingsRepo, logger)

	return env
}

// tenant creates a tenant on the given partition
func (e *testEnv) tenant(t *testing.T, partition string) *models.Tenant {
	t.Helper()
	tenant, err := e.Fixtures.CreateTestTenant("tenant-"+partition, partition)
	require.NoError(t, err)
	return tenant
}

// settings stores a permissive policy so quota tests control every limit explicitly
func (e *testEnv) settings(t *testing.T, tenantID uint, mutate func(*models.TenantCampaignSettings)) *models.TenantCampaignSettings {
	t.Helper()
	s := &models.TenantCampaignSettings{
		TenantID:             tenantID,
		SelectionStrategy:    models.SelectionRoundRobin,
		MaxPerHour:           100,
		MaxPerDay:            1000,
		MinDelaySeconds:      0,
		MaxDelaySeconds:      0,
		UseJitter:            false,
		RotateAfterNMessages: 0,
		CooldownMinutes:      15,
		AutoDisableOnFailure: false,
		FailureThreshold:     5,
	}
	if mutate != nil {
		mutate(s)
	}
	require.NoError(t, e.Fixtures.CreateTestSettings(s))
	return s
}

// runningCampaign creates a template and a running campaign with one queued target per
// phone -> name pair, targets ordered by phone
func (e *testEnv) runningCampaign(t *testing.T, tenantID uint, content string, members map[string]string) (*models.Campaign, []*models.Target) {
	t.Helper()
	tpl, err := e.Fixtures.CreateTestTemplate(tenantID, content)
	require.NoError(t, err)
	audience, err := e.Fixtures.CreateTestAudience(tenantID, members)
	require.NoError(t, err)
	campaign, err := e.Fixtures.CreateTestCampaign(tenantID, tpl, audience, 100)
	require.NoError(t, err)

	phones := make([]string, 0, len(members))
	for phone := range members {
		phones = append(phones, phone)
	}
	sort.Strings(phones)

	targets := make([]*models.Target, 0, len(phones))
	for _, phone := range phones {
		target, err := e.Fixtures.CreateTestTarget(campaign, phone, models.TargetStateQueued, map[string]string{"name": members[phone]})
		require.NoError(t, err)
		targets = append(targets, target)
	}
	return campaign, targets
}

func (e *testEnv) reloadTarget(t *testing.T, target *models.Target) *models.Target {
	t.Helper()
	out, err := e.Fixtures.ReloadTarget(target)
	require.NoError(t, err)
	return out
}

func (e *testEnv) reloadCampaign(t *testing.T, campaign *models.Campaign) *models.Campaign {
	t.Helper()
	out, err := e.Fixtures.ReloadCampaign(campaign)
	require.NoError(t, err)
	return out
}

func (e *testEnv) reloadUsage(t *testing.T, tenantID uint, name string) *models.SenderUsage {
	t.Helper()
	out, err := e.Fixtures.ReloadUsage(tenantID, name)
	require.NoError(t, err)
	return out
}
