package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"distributor/internal/bus"
	"distributor/internal/channel"
	"distributor/internal/config"
	"distributor/internal/domain"
	"distributor/internal/queue"
	"distributor/internal/rules"
	"distributor/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeProvider struct {
	name    string
	channel domain.Channel

	mu      sync.Mutex
	err     error
	testErr error
	calls   int
	last    domain.Message
}

func (f *fakeProvider) Name() string            { return f.name }
func (f *fakeProvider) Channel() domain.Channel { return f.channel }
func (f *fakeProvider) Configured() bool        { return true }

func (f *fakeProvider) Test(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.testErr
}

func (f *fakeProvider) Send(_ context.Context, msg domain.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = msg
	if f.err != nil {
		return "", f.err
	}
	return f.name + "-id", nil
}

func (f *fakeProvider) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeProvider) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeProvider) Last() domain.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

type eventLog struct {
	mu     sync.Mutex
	events []bus.Event
}

func (l *eventLog) record(e bus.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	for i, e := range l.events {
		out[i] = e.Type
	}
	return out
}

func (l *eventLog) has(eventType string) bool {
	for _, t := range l.types() {
		if t == eventType {
			return true
		}
	}
	return false
}

type testEnv struct {
	o       *Orchestrator
	store   *store.SQLiteStore
	primary *fakeProvider
	backup  *fakeProvider
	sms     *fakeProvider
	events  *eventLog
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := testLogger()
	st, err := store.Open(filepath.Join(t.TempDir(), "distributor.db"), logger)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	env := &testEnv{
		store:   st,
		primary: &fakeProvider{name: "primary", channel: domain.ChannelEmail},
		backup:  &fakeProvider{name: "backup", channel: domain.ChannelEmail},
		sms:     &fakeProvider{name: "sms-gw", channel: domain.ChannelSMS},
		events:  &eventLog{},
	}
	registry := channel.NewRegistry(channel.RegistryConfig{
		Providers: []domain.Provider{env.primary, env.backup, env.sms},
		Fallback:  map[domain.Channel][]string{domain.ChannelEmail: {"primary", "backup"}},
		Logger:    logger,
	})
	evaluator, err := rules.NewEvaluator(rules.Options{Logger: logger})
	if err != nil {
		t.Fatal(err)
	}
	resolver, err := NewTemplateResolver(config.Defaults().Templates)
	if err != nil {
		t.Fatal(err)
	}
	events := bus.NewEventBus(100, logger)
	events.On("*", env.events.record)

	o, err := New(Config{
		Rules:       st,
		Assignments: st,
		Registry:    registry,
		Evaluator:   evaluator,
		Content:     resolver,
		Recipients:  resolver,
		Events:      events,
		Queue: queue.Config{
			MaxRetries:   3,
			BaseDelay:    time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			PollInterval: 5 * time.Millisecond,
		},
		Concurrency:   2,
		DefaultTenant: "t1",
		Logger:        logger,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		o.Stop(ctx)
	})
	env.o = o
	return env
}

func (e *testEnv) start(t *testing.T) {
	t.Helper()
	if err := e.o.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func testDocument() domain.Document {
	return domain.Document{
		ID:       "inv-1",
		TenantID: "t1",
		Number:   "2024-001",
		Amount:   500,
		Currency: "EUR",
		DueDate:  time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC),
		Customer: domain.Customer{
			ID:      "c1",
			Name:    "Acme",
			Email:   "billing@acme.test",
			Phone:   "+15550100",
			Segment: "enterprise",
		},
	}
}

func (e *testEnv) rule(t *testing.T, name string, rt domain.RuleType, cond string, ch domain.Channel, priority int) *domain.Rule {
	t.Helper()
	r, err := e.o.CreateRule(context.Background(), domain.Rule{
		TenantID:      "t1",
		Name:          name,
		RuleType:      rt,
		Conditions:    json.RawMessage(cond),
		TargetChannel: ch,
		Priority:      priority,
		IsActive:      true,
	})
	if err != nil {
		t.Fatalf("CreateRule %s: %v", name, err)
	}
	return r
}

func (e *testEnv) manual(t *testing.T, doc domain.Document, ch domain.Channel) *domain.Assignment {
	t.Helper()
	a, err := e.o.CreateAssignment(context.Background(), ManualAssignment(doc, ch, ""))
	if err != nil {
		t.Fatalf("CreateAssignment: %v", err)
	}
	return a
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDistribute_HigherPriorityWins(t *testing.T) {
	env := newTestEnv(t)
	env.rule(t, "large invoices", domain.RuleAmount, `{"minAmount":100}`, domain.ChannelSMS, 30)
	enterprise := env.rule(t, "enterprise", domain.RuleCustomer, `{"segments":["Enterprise"]}`, domain.ChannelEmail, 90)

	a, err := env.o.Distribute(context.Background(), testDocument())
	if err != nil {
		t.Fatalf("Distribute: %v", err)
	}
	if a == nil {
		t.Fatal("expected an assignment")
	}
	if a.AssignedChannel != domain.ChannelEmail || a.RuleID == nil || *a.RuleID != enterprise.ID {
		t.Errorf("assignment = %+v, want enterprise rule on email", a)
	}
	if a.Status != domain.StatusPending {
		t.Errorf("status = %s", a.Status)
	}
	if !strings.Contains(a.Reason, "enterprise") {
		t.Errorf("reason = %q", a.Reason)
	}

	stored, err := env.o.GetAssignment(context.Background(), "t1", a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if evals, ok := stored.Metadata["evaluation"].([]any); !ok || len(evals) != 2 {
		t.Errorf("evaluation snapshot = %v", stored.Metadata["evaluation"])
	}
	if _, ok := stored.Metadata["document"]; !ok {
		t.Error("document snapshot missing")
	}
	if !env.events.has(bus.EventAssignmentCreated) {
		t.Error("assignment.created not published")
	}
}

func TestDistribute_NoMatchCreatesNothing(t *testing.T) {
	env := newTestEnv(t)
	env.rule(t, "huge", domain.RuleAmount, `{"minAmount":10000}`, domain.ChannelEmail, 50)

	a, err := env.o.Distribute(context.Background(), testDocument())
	if err != nil || a != nil {
		t.Fatalf("Distribute = %+v, %v; want nil, nil", a, err)
	}
	_, total, err := env.o.ListAssignments(context.Background(), domain.ListFilter{TenantID: "t1"})
	if err != nil || total != 0 {
		t.Errorf("assignments = %d, %v", total, err)
	}
	if !env.events.has(bus.EventDistributionNoMatch) {
		t.Error("no-match event not published")
	}
}

func TestDistribute_RejectsInvalidDocument(t *testing.T) {
	env := newTestEnv(t)
	doc := testDocument()
	doc.Customer.ID = ""
	if _, err := env.o.Distribute(context.Background(), doc); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

func TestDistribute_IgnoresDeletedRule(t *testing.T) {
	env := newTestEnv(t)
	r := env.rule(t, "all", domain.RuleAmount, `{"minAmount":1}`, domain.ChannelEmail, 10)
	ctx := context.Background()
	if err := env.o.DeleteRule(ctx, "t1", r.ID); err != nil {
		t.Fatal(err)
	}
	if err := env.o.DeleteRule(ctx, "t1", r.ID); err != nil {
		t.Errorf("second delete = %v, want nil", err)
	}
	deletes := 0
	for _, typ := range env.events.types() {
		if typ == bus.EventRuleDeleted {
			deletes++
		}
	}
	if deletes != 1 {
		t.Errorf("rule.deleted published %d times, want 1", deletes)
	}
	if a, err := env.o.Distribute(ctx, testDocument()); err != nil || a != nil {
		t.Errorf("Distribute after delete = %+v, %v", a, err)
	}
}

func TestCreateRule_Validation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.o.CreateRule(context.Background(), domain.Rule{
		TenantID:      "t1",
		Name:          "empty",
		RuleType:      domain.RuleCustomer,
		Conditions:    json.RawMessage(`{}`),
		TargetChannel: domain.ChannelEmail,
		IsActive:      true,
	})
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
	if env.events.has(bus.EventRuleCreated) {
		t.Error("rule.created published for a rejected rule")
	}
}

func TestImportRules_PerItemResults(t *testing.T) {
	env := newTestEnv(t)
	res := env.o.ImportRules(context.Background(), []domain.Rule{
		{TenantID: "t1", Name: "ok", RuleType: domain.RuleIndustry, Conditions: json.RawMessage(`{"industries":["retail"]}`), TargetChannel: domain.ChannelEmail, IsActive: true},
		{TenantID: "t1", Name: "bad", RuleType: domain.RuleIndustry, Conditions: json.RawMessage(`{"industries":[]}`), TargetChannel: domain.ChannelEmail, IsActive: true},
	})
	if res[0].Rule == nil || res[0].Error != "" {
		t.Errorf("valid rule rejected: %+v", res[0])
	}
	if res[1].Rule != nil || res[1].Error == "" {
		t.Errorf("invalid rule accepted: %+v", res[1])
	}
}

func TestImportRules_ReimportKeepsDeletedRulesDeleted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	set := []domain.Rule{{
		TenantID:      "t1",
		Name:          "big",
		RuleType:      domain.RuleAmount,
		Conditions:    json.RawMessage(`{"minAmount":1000}`),
		TargetChannel: domain.ChannelEmail,
		Priority:      50,
		IsActive:      true,
	}}

	first := env.o.ImportRules(ctx, set)
	if first[0].Action != ImportCreated || first[0].Rule == nil {
		t.Fatalf("first import = %+v", first[0])
	}
	id := first[0].Rule.ID
	if id != rules.StableRuleID("t1", "big") {
		t.Errorf("id = %q, want the derived id", id)
	}

	again := env.o.ImportRules(ctx, set)
	if again[0].Action != ImportUnchanged || again[0].Rule.ID != id {
		t.Errorf("re-import = %+v", again[0])
	}

	if err := env.o.DeleteRule(ctx, "t1", id); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		res := env.o.ImportRules(ctx, set)
		if res[0].Action != ImportSkipped || res[0].Error != "" {
			t.Errorf("import after delete #%d = %+v", i, res[0])
		}
	}

	live, total, err := env.o.ListRules(ctx, domain.ListFilter{TenantID: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	if total != 0 || len(live) != 0 {
		t.Errorf("live rules after re-import = %d", total)
	}
	doc := testDocument()
	doc.Amount = 5000
	if a, err := env.o.Distribute(ctx, doc); err != nil || a != nil {
		t.Errorf("deleted rule still routes: %+v, %v", a, err)
	}
}

func TestImportRules_UpdatesChangedRule(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	r := domain.Rule{
		TenantID:      "t1",
		Name:          "big",
		RuleType:      domain.RuleAmount,
		Conditions:    json.RawMessage(`{"minAmount":1000}`),
		TargetChannel: domain.ChannelEmail,
		Priority:      50,
		IsActive:      true,
	}
	env.o.ImportRules(ctx, []domain.Rule{r})

	r.Priority = 70
	res := env.o.ImportRules(ctx, []domain.Rule{r})
	if res[0].Action != ImportUpdated || res[0].Rule.Priority != 70 {
		t.Errorf("import = %+v", res[0])
	}
	if _, total, _ := env.o.ListRules(ctx, domain.ListFilter{TenantID: "t1"}); total != 1 {
		t.Errorf("total = %d, want 1", total)
	}
}

func TestProcess_ImmediateFallsBack(t *testing.T) {
	env := newTestEnv(t)
	env.primary.setErr(errors.New("smtp 421"))
	a := env.manual(t, testDocument(), domain.ChannelEmail)

	res, err := env.o.Process(context.Background(), "t1", a.ID, ProcessOptions{Mode: domain.ModeImmediate})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !res.Success || res.Status != domain.StatusSent || res.Result.ProviderName != "backup" {
		t.Errorf("result = %+v", res)
	}

	stored, _ := env.o.GetAssignment(context.Background(), "t1", a.ID)
	if stored.SentAt == nil || stored.Metadata["providerMessageId"] != "backup-id" {
		t.Errorf("stored = %+v", stored)
	}
	if _, ok := stored.Metadata["providerErrors"]; !ok {
		t.Error("failed attempt of primary not recorded")
	}
	msg := env.backup.Last()
	if msg.To != "billing@acme.test" || msg.Subject != "Invoice 2024-001" || !strings.Contains(msg.Body, "500.00 EUR") {
		t.Errorf("message = %+v", msg)
	}
	if msg.HTMLBody == "" {
		t.Error("html body not rendered")
	}
}

func TestProcess_ImmediateAllProvidersFail(t *testing.T) {
	env := newTestEnv(t)
	env.primary.setErr(errors.New("smtp 421"))
	env.backup.setErr(errors.New("sendgrid 503"))
	a := env.manual(t, testDocument(), domain.ChannelEmail)

	res, err := env.o.Process(context.Background(), "t1", a.ID, ProcessOptions{Mode: domain.ModeImmediate})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Success || res.Status != domain.StatusFailed || !strings.Contains(res.Error, "sendgrid 503") {
		t.Errorf("result = %+v", res)
	}
	stored, _ := env.o.GetAssignment(context.Background(), "t1", a.ID)
	if stored.Status != domain.StatusFailed || stored.SentAt == nil || stored.Error == "" {
		t.Errorf("stored = %+v", stored)
	}
	if !env.events.has(bus.EventAssignmentFailed) {
		t.Error("assignment.failed not published")
	}
}

func TestProcess_MissingRecipientFailsAssignment(t *testing.T) {
	env := newTestEnv(t)
	doc := testDocument()
	doc.Customer.Phone = ""
	a := env.manual(t, doc, domain.ChannelSMS)

	res, err := env.o.Process(context.Background(), "t1", a.ID, ProcessOptions{Mode: domain.ModeImmediate})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Success || res.Status != domain.StatusFailed || !strings.Contains(res.Error, "phone") {
		t.Errorf("result = %+v", res)
	}
	if env.sms.Calls() != 0 {
		t.Error("provider called without a recipient")
	}
}

func TestProcess_OnlyPending(t *testing.T) {
	env := newTestEnv(t)
	a := env.manual(t, testDocument(), domain.ChannelEmail)
	ctx := context.Background()
	if _, err := env.o.Process(ctx, "t1", a.ID, ProcessOptions{Mode: domain.ModeImmediate}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.o.Process(ctx, "t1", a.ID, ProcessOptions{Mode: domain.ModeImmediate}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("second Process = %v, want ErrInvalidTransition", err)
	}
	if _, err := env.o.Process(ctx, "t2", a.ID, ProcessOptions{}); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("foreign tenant = %v, want ErrNotFound", err)
	}
}

func TestProcess_QueuedRecordsProviderOutcome(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)
	a := env.manual(t, testDocument(), domain.ChannelEmail)

	res, err := env.o.Process(context.Background(), "t1", a.ID, ProcessOptions{})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !res.Success || res.Mode != domain.ModeQueued || res.JobID == "" || res.Status != domain.StatusSent {
		t.Errorf("result = %+v", res)
	}

	waitFor(t, "provider message id", func() bool {
		got, err := env.o.GetAssignment(context.Background(), "t1", a.ID)
		return err == nil && got.Metadata["providerMessageId"] == "primary-id"
	})
	got, _ := env.o.GetAssignment(context.Background(), "t1", a.ID)
	if got.Status != domain.StatusSent || got.Metadata["jobId"] != res.JobID {
		t.Errorf("stored = %+v", got)
	}
}

func TestProcess_QueuedRetryExhaustionFailsAssignment(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)
	env.sms.setErr(errors.New("twilio 500"))
	a := env.manual(t, testDocument(), domain.ChannelSMS)

	if _, err := env.o.Process(context.Background(), "t1", a.ID, ProcessOptions{}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	waitFor(t, "assignment failed", func() bool {
		got, err := env.o.GetAssignment(context.Background(), "t1", a.ID)
		return err == nil && got.Status == domain.StatusFailed
	})
	if n := env.sms.Calls(); n != 3 {
		t.Errorf("provider calls = %d, want 3", n)
	}
	got, _ := env.o.GetAssignment(context.Background(), "t1", a.ID)
	if !strings.Contains(got.Error, "twilio 500") {
		t.Errorf("error = %q", got.Error)
	}
	if !env.events.has(bus.EventDispatchRetry) {
		t.Error("retry event not published")
	}
}

func TestProcessBatch_IsolatesFailures(t *testing.T) {
	env := newTestEnv(t)
	a := env.manual(t, testDocument(), domain.ChannelEmail)
	b := env.manual(t, testDocument(), domain.ChannelSMS)

	res := env.o.ProcessBatch(context.Background(), "t1", []string{a.ID, "missing", b.ID}, ProcessOptions{Mode: domain.ModeImmediate})
	if len(res) != 3 {
		t.Fatalf("results = %d", len(res))
	}
	if !res[0].Success || !res[2].Success {
		t.Errorf("valid items failed: %+v", res)
	}
	if res[1].Success || res[1].Error == "" || res[1].Mode != domain.ModeImmediate {
		t.Errorf("missing item = %+v", res[1])
	}
}

func TestCreateAssignments_BatchIsolation(t *testing.T) {
	env := newTestEnv(t)
	bad := ManualAssignment(testDocument(), domain.ChannelEmail, "")
	bad.CustomerID = ""
	res := env.o.CreateAssignments(context.Background(), []domain.NewAssignment{
		ManualAssignment(testDocument(), domain.ChannelEmail, ""),
		bad,
		ManualAssignment(testDocument(), domain.ChannelPostal, "print run"),
	})
	if !res[0].Success || res[1].Success || !res[2].Success {
		t.Errorf("results = %+v", res)
	}
	if res[2].Assignment.Reason != "print run" {
		t.Errorf("reason = %q", res[2].Assignment.Reason)
	}
}

func TestReportDelivery(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.manual(t, testDocument(), domain.ChannelEmail)
	if _, err := env.o.Process(ctx, "t1", a.ID, ProcessOptions{Mode: domain.ModeImmediate}); err != nil {
		t.Fatal(err)
	}

	if _, err := env.o.ReportDelivery(ctx, "t1", a.ID, domain.StatusSent, ""); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("report sent = %v, want ErrValidation", err)
	}
	got, err := env.o.ReportDelivery(ctx, "t1", a.ID, domain.StatusDelivered, "")
	if err != nil {
		t.Fatalf("ReportDelivery: %v", err)
	}
	if got.DeliveredAt == nil || got.DeliveredAt.Before(*got.SentAt) {
		t.Errorf("timestamps = sent %v delivered %v", got.SentAt, got.DeliveredAt)
	}
	if _, err := env.o.ReportDelivery(ctx, "t1", a.ID, domain.StatusBounced, "mailbox full"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("report after delivered = %v, want ErrInvalidTransition", err)
	}
}

func TestHandleDeliveryReport_ByProviderMessageID(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.manual(t, testDocument(), domain.ChannelSMS)
	if _, err := env.o.Process(ctx, "t1", a.ID, ProcessOptions{Mode: domain.ModeImmediate}); err != nil {
		t.Fatal(err)
	}

	err := env.o.HandleDeliveryReport(ctx, domain.DeliveryReport{
		Provider:          "sms-gw",
		ProviderMessageID: "sms-gw-id",
		Status:            domain.StatusBounced,
		Error:             "unreachable handset",
	})
	if err != nil {
		t.Fatalf("HandleDeliveryReport: %v", err)
	}
	got, _ := env.o.GetAssignment(ctx, "t1", a.ID)
	if got.Status != domain.StatusBounced || got.Error != "unreachable handset" || got.Metadata["reportedBy"] != "sms-gw" {
		t.Errorf("stored = %+v", got)
	}
	if !env.events.has(bus.EventAssignmentBounced) {
		t.Error("assignment.bounced not published")
	}

	err = env.o.HandleDeliveryReport(ctx, domain.DeliveryReport{ProviderMessageID: "unknown", Status: domain.StatusDelivered})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown message id = %v, want ErrNotFound", err)
	}
}

func TestResend_CreatesFreshAssignment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.sms.setErr(errors.New("twilio 500"))
	a := env.manual(t, testDocument(), domain.ChannelSMS)

	if _, err := env.o.Resend(ctx, "t1", a.ID, ProcessOptions{}); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("resend of pending = %v, want ErrValidation", err)
	}
	if _, err := env.o.Process(ctx, "t1", a.ID, ProcessOptions{Mode: domain.ModeImmediate}); err != nil {
		t.Fatal(err)
	}

	env.sms.setErr(nil)
	res, err := env.o.Resend(ctx, "t1", a.ID, ProcessOptions{Mode: domain.ModeImmediate})
	if err != nil {
		t.Fatalf("Resend: %v", err)
	}
	if !res.Success || res.AssignmentID == a.ID {
		t.Errorf("result = %+v", res)
	}
	fresh, _ := env.o.GetAssignment(ctx, "t1", res.AssignmentID)
	if fresh.Metadata["resendOf"] != a.ID || fresh.Status != domain.StatusSent {
		t.Errorf("fresh = %+v", fresh)
	}
	orig, _ := env.o.GetAssignment(ctx, "t1", a.ID)
	if orig.Status != domain.StatusFailed {
		t.Errorf("original status = %s, want failed", orig.Status)
	}
}

func TestProviderHealth(t *testing.T) {
	env := newTestEnv(t)
	env.primary.testErr = errors.New("auth failed")

	report := env.o.ProviderHealth(context.Background())
	if !report.Healthy {
		t.Errorf("report unhealthy: %+v", report)
	}
	if len(report.Channels) != 2 {
		t.Fatalf("channels = %+v, want email and sms only", report.Channels)
	}
	email := report.Channels[0]
	if email.Channel != domain.ChannelEmail || !email.Healthy || email.Providers[0].Healthy {
		t.Errorf("email health = %+v", email)
	}
	if !report.Queue.Healthy || report.Queue.Stats == nil {
		t.Errorf("queue health = %+v", report.Queue)
	}

	env.sms.testErr = errors.New("bad credentials")
	if report := env.o.ProviderHealth(context.Background()); report.Healthy {
		t.Error("report healthy with no working sms provider")
	}
}

func TestReadinessAndLiveness(t *testing.T) {
	env := newTestEnv(t)
	if err := env.o.Readiness(context.Background()); err != nil {
		t.Errorf("Readiness: %v", err)
	}
	if l := env.o.Liveness(); l.Status != "ok" {
		t.Errorf("liveness = %+v", l)
	}
}
