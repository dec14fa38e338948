package usecase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dream-journal/internal/domain"
	"dream-journal/internal/integrations/openai"
	"dream-journal/internal/logger"
	"dream-journal/internal/quota"
	"dream-journal/internal/recurrence"
)

const validAnalysis = `{
	"title": "The Endless Corridor",
	"summary": "The corridor points to a transition you have not finished. Doors you cannot open suggest choices held at a distance.",
	"emoji": "🚪",
	"emotions": ["😨 fear", "🤔 curiosity", "😕 confusion"],
	"keywords": ["corridor", "door", "darkness", "running"],
	"cultural_references": {
		"Celtic 🍀": "Thresholds mark passage between worlds.",
		"Greek 🏛️": "Labyrinths stand for the search for the self."
	},
	"advice": "Name one decision you have been postponing.",
	"dall-e-prompt": "Tense and dreamlike, high-quality, cinematic lens, surrealist, an endless corridor of doors, a lone figure, dim light, evoke unease, visual journal",
	"midjourney-prompt": "endless corridor of closed doors, lone figure, dim amber light"
}`

type mockParams struct {
	vals     map[string]string
	err      error
	failOnce bool
	calls    int
	names    []string
}

func (m *mockParams) GetParameters(_ context.Context, names ...string) (map[string]string, error) {
	m.calls++
	m.names = names
	if m.failOnce {
		m.failOnce = false
		return nil, errors.New("temporary ssm failure")
	}
	if m.err != nil {
		return nil, m.err
	}
	out := make(map[string]string, len(names))
	for _, n := range names {
		if v, ok := m.vals[n]; ok {
			out[n] = v
		}
	}
	return out, nil
}

func defaultParams() *mockParams {
	return &mockParams{vals: map[string]string{
		"/prefix/config/chat_model":  "gpt-4.1",
		"/prefix/config/image_model": "dall-e-3",
	}}
}

type mockQuota struct {
	result quota.Result
	err    error
	calls  int
}

func (m *mockQuota) CheckAndConsume(_ context.Context, _ string) (quota.Result, error) {
	m.calls++
	return m.result, m.err
}

type mockMatcher struct {
	context     recurrence.PreviousDreamsContext
	recurring   *domain.RecurringDreamAnalysis
	contextUser string
	detailDream domain.Dream
}

func (m *mockMatcher) GetPreviousDreamsContext(_ context.Context, userID, _ string) recurrence.PreviousDreamsContext {
	m.contextUser = userID
	return m.context
}

func (m *mockMatcher) GenerateRecurringAnalysisForDream(_ context.Context, dream domain.Dream, _ string) *domain.RecurringDreamAnalysis {
	m.detailDream = dream
	return m.recurring
}

type mockLLM struct {
	answer    string
	err       error
	model     string
	captured  []domain.ChatMessage
	callCount int
}

func (m *mockLLM) Chat(_ context.Context, model string, msgs []domain.ChatMessage) (string, error) {
	m.callCount++
	m.model = model
	m.captured = msgs
	return m.answer, m.err
}

type mockDreamStore struct {
	dreams    map[string]domain.Dream
	created   []domain.Dream
	createErr error
	getErr    error
	listErr   error
	saveErr   error
	savedURL  string
	savedText string
	savedAt   time.Time
	deleted   int
	deleteErr error
}

func (m *mockDreamStore) CreateDream(_ context.Context, dream domain.Dream) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.created = append(m.created, dream)
	return nil
}

func (m *mockDreamStore) GetDream(_ context.Context, userID, dreamID string) (domain.Dream, error) {
	if m.getErr != nil {
		return domain.Dream{}, m.getErr
	}
	d, ok := m.dreams[dreamID]
	if !ok || d.UserID != userID {
		return domain.Dream{}, fmt.Errorf("repository: GetDream: %w", domain.ErrNotFound)
	}
	return d, nil
}

func (m *mockDreamStore) ListDreams(_ context.Context, userID string) ([]domain.Dream, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []domain.Dream
	for _, d := range m.dreams {
		if d.UserID == userID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *mockDreamStore) SaveDreamImage(_ context.Context, _, dreamID, prompt, imageURL string, at time.Time) (domain.Dream, error) {
	if m.saveErr != nil {
		return domain.Dream{}, m.saveErr
	}
	m.savedText = prompt
	m.savedURL = imageURL
	m.savedAt = at
	d := m.dreams[dreamID]
	d.ImagePrompt = prompt
	d.ImageURL = imageURL
	d.UpdatedAt = at
	return d, nil
}

func (m *mockDreamStore) DeleteUserDreams(_ context.Context, _ string) (int, error) {
	return m.deleted, m.deleteErr
}

var fixedNow = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

type dreamDeps struct {
	params  *mockParams
	quota   *mockQuota
	matcher *mockMatcher
	llm     *mockLLM
	store   *mockDreamStore
}

func newDreamDeps() *dreamDeps {
	return &dreamDeps{
		params: defaultParams(),
		quota: &mockQuota{result: quota.Result{
			Remaining: 7,
			Limit:     10,
			PeriodEnd: fixedNow.AddDate(0, 0, 12),
			Plan:      domain.PlanBasic,
		}},
		matcher: &mockMatcher{},
		llm:     &mockLLM{answer: validAnalysis},
		store:   &mockDreamStore{dreams: map[string]domain.Dream{}},
	}
}

func newTestModels(t *testing.T, p ParamBatchGetter) *ModelSettings {
	t.Helper()
	m, err := NewModelSettings(p, "/prefix")
	require.NoError(t, err)
	return m
}

func newTestDreamService(t *testing.T, d *dreamDeps, maxLen int) *DreamService {
	t.Helper()
	svc, err := NewDreamService(d.quota, d.matcher, d.llm, d.store, newTestModels(t, d.params), logger.Discard(), maxLen)
	require.NoError(t, err)
	svc.now = func() time.Time { return fixedNow }
	return svc
}

func stubDreamID(t *testing.T, id string) {
	t.Helper()
	prev := newDreamID
	newDreamID = func() string { return id }
	t.Cleanup(func() { newDreamID = prev })
}

func expectError(t *testing.T, err error, code ErrorCode, reason string) {
	t.Helper()
	var usecaseErr *Error
	require.ErrorAs(t, err, &usecaseErr)
	require.Equal(t, code, usecaseErr.Code)
	require.Equal(t, reason, usecaseErr.Reason)
}

func TestNewDreamService_ValidatesDependencies(t *testing.T) {
	d := newDreamDeps()
	models := newTestModels(t, d.params)
	log := logger.Discard()

	_, err := NewDreamService(nil, d.matcher, d.llm, d.store, models, log, 0)
	require.Error(t, err)
	_, err = NewDreamService(d.quota, nil, d.llm, d.store, models, log, 0)
	require.Error(t, err)
	_, err = NewDreamService(d.quota, d.matcher, nil, d.store, models, log, 0)
	require.Error(t, err)
	_, err = NewDreamService(d.quota, d.matcher, d.llm, nil, models, log, 0)
	require.Error(t, err)
	_, err = NewDreamService(d.quota, d.matcher, d.llm, d.store, nil, log, 0)
	require.Error(t, err)
	_, err = NewDreamService(d.quota, d.matcher, d.llm, d.store, models, nil, 0)
	require.Error(t, err)

	svc, err := NewDreamService(d.quota, d.matcher, d.llm, d.store, models, log, 0)
	require.NoError(t, err)
	require.Equal(t, defaultMaxDreamLength, svc.maxLen)
}

func TestAnalyze_HappyPath(t *testing.T) {
	stubDreamID(t, "0195a1b2-0000-7000-8000-000000000001")
	d := newDreamDeps()
	svc := newTestDreamService(t, d, 0)

	out, err := svc.Analyze(context.Background(), AnalyzeInput{UserID: "user-1", Text: "  I was running down an endless corridor.  "})

	require.NoError(t, err)
	require.Equal(t, 1, d.quota.calls)
	require.Equal(t, "user-1", d.matcher.contextUser)
	require.Equal(t, "gpt-4.1", d.llm.model)
	require.Equal(t, d.quota.result, out.Quota)
	require.Nil(t, out.Recurring)

	require.Len(t, d.store.created, 1)
	stored := d.store.created[0]
	require.Equal(t, out.Dream, stored)
	require.Equal(t, "0195a1b2-0000-7000-8000-000000000001", stored.ID)
	require.Equal(t, "user-1", stored.UserID)
	require.Equal(t, "I was running down an endless corridor.", stored.Description)
	require.Equal(t, "The Endless Corridor", stored.Title)
	require.Equal(t, []string{"😨 fear", "🤔 curiosity", "😕 confusion"}, stored.Emotions)
	require.Equal(t, []string{"corridor", "door", "darkness", "running"}, stored.Keywords)
	require.Len(t, stored.CulturalReferences, 2)
	require.Equal(t, "🚪", stored.Emoji)
	require.True(t, strings.HasPrefix(stored.ImagePrompt, "Tense and dreamlike"))
	require.NotEmpty(t, stored.MidjourneyPrompt)
	require.Equal(t, fixedNow, stored.CreatedAt)
	require.Equal(t, fixedNow, stored.UpdatedAt)
}

func TestAnalyze_PromptCarriesHistoryOnlyWhenPresent(t *testing.T) {
	d := newDreamDeps()
	svc := newTestDreamService(t, d, 0)

	_, err := svc.Analyze(context.Background(), AnalyzeInput{UserID: "user-1", Text: "I was flying."})
	require.NoError(t, err)
	require.Len(t, d.llm.captured, 2)
	require.Equal(t, "system", d.llm.captured[0].Role)
	require.Equal(t, "user", d.llm.captured[1].Role)
	require.Equal(t, "I was flying.", d.llm.captured[1].Content)

	d.matcher.context = recurrence.PreviousDreamsContext{
		DreamCount:     2,
		CompactSummary: "Previous dreams context (2 dreams):\nRecurring themes: water.",
	}
	_, err = svc.Analyze(context.Background(), AnalyzeInput{UserID: "user-1", Text: "I was swimming."})
	require.NoError(t, err)
	require.Len(t, d.llm.captured, 3)
	require.Contains(t, d.llm.captured[1].Content, "Recurring themes: water.")
	require.Contains(t, d.llm.captured[1].Content, "recurring_dream_analysis")
	require.Equal(t, "I was swimming.", d.llm.captured[2].Content)
}

func TestAnalyze_StripsMarkup(t *testing.T) {
	d := newDreamDeps()
	svc := newTestDreamService(t, d, 0)

	out, err := svc.Analyze(context.Background(), AnalyzeInput{UserID: "user-1", Text: "<b>I was flying</b> &amp; falling"})

	require.NoError(t, err)
	require.Equal(t, "I was flying & falling", out.Dream.Description)
	require.Equal(t, "I was flying & falling", d.llm.captured[len(d.llm.captured)-1].Content)
}

func TestAnalyze_ValidationErrors(t *testing.T) {
	d := newDreamDeps()
	svc := newTestDreamService(t, d, 20)

	_, err := svc.Analyze(context.Background(), AnalyzeInput{UserID: "", Text: "I was flying."})
	expectError(t, err, ErrorInvalidInput, "missing_user")

	_, err = svc.Analyze(context.Background(), AnalyzeInput{UserID: "user-1", Text: "   "})
	expectError(t, err, ErrorInvalidInput, "empty_dream")

	_, err = svc.Analyze(context.Background(), AnalyzeInput{UserID: "user-1", Text: "<p></p>"})
	expectError(t, err, ErrorInvalidInput, "empty_dream")

	_, err = svc.Analyze(context.Background(), AnalyzeInput{UserID: "user-1", Text: strings.Repeat("a", 21)})
	expectError(t, err, ErrorInvalidInput, "dream_too_long")

	require.Zero(t, d.quota.calls)
	require.Zero(t, d.llm.callCount)
}

func TestAnalyze_LengthCountsRunes(t *testing.T) {
	d := newDreamDeps()
	svc := newTestDreamService(t, d, 5)

	_, err := svc.Analyze(context.Background(), AnalyzeInput{UserID: "user-1", Text: "ééééé"})

	require.NoError(t, err)
}

func TestAnalyze_QuotaExceeded(t *testing.T) {
	d := newDreamDeps()
	resetAt := fixedNow.AddDate(0, 0, 3)
	d.quota.err = &quota.ExceededError{Limit: 10, WindowDays: 30, PeriodEnd: resetAt, Plan: domain.PlanBasic}
	svc := newTestDreamService(t, d, 0)

	_, err := svc.Analyze(context.Background(), AnalyzeInput{UserID: "user-1", Text: "I was flying."})

	expectError(t, err, ErrorQuotaExceeded, "quota_exceeded")
	var exceeded *quota.ExceededError
	require.ErrorAs(t, err, &exceeded)
	require.Equal(t, resetAt, exceeded.ResetAt())
	require.Zero(t, d.llm.callCount)
	require.Empty(t, d.store.created)
}

func TestAnalyze_QuotaStoreError(t *testing.T) {
	d := newDreamDeps()
	d.quota.err = errors.New("quota: get subscription: throttled")
	svc := newTestDreamService(t, d, 0)

	_, err := svc.Analyze(context.Background(), AnalyzeInput{UserID: "user-1", Text: "I was flying."})

	expectError(t, err, ErrorInternal, "quota_store_error")
	require.Zero(t, d.llm.callCount)
}

func TestAnalyze_SSMLoadError_IsRetriedOnNextRequest(t *testing.T) {
	d := newDreamDeps()
	d.params.failOnce = true
	svc := newTestDreamService(t, d, 0)

	_, err := svc.Analyze(context.Background(), AnalyzeInput{UserID: "user-1", Text: "I was flying."})
	expectError(t, err, ErrorInternal, "ssm_load_error")
	require.Zero(t, d.quota.calls)

	_, err = svc.Analyze(context.Background(), AnalyzeInput{UserID: "user-1", Text: "I was flying."})
	require.NoError(t, err)
	require.Equal(t, 2, d.params.calls)
}

func TestAnalyze_OpenAIErrors(t *testing.T) {
	d := newDreamDeps()
	d.llm.err = &openai.HTTPStatusError{StatusCode: http.StatusTooManyRequests}
	svc := newTestDreamService(t, d, 0)

	_, err := svc.Analyze(context.Background(), AnalyzeInput{UserID: "user-1", Text: "I was flying."})
	expectError(t, err, ErrorRateLimited, "openai_rate_limited")

	d.llm.err = &openai.HTTPStatusError{StatusCode: http.StatusInternalServerError}
	_, err = svc.Analyze(context.Background(), AnalyzeInput{UserID: "user-1", Text: "I was flying."})
	expectError(t, err, ErrorUpstream, "openai_error")

	d.llm.err = errors.New("openai: request failed: connection reset")
	_, err = svc.Analyze(context.Background(), AnalyzeInput{UserID: "user-1", Text: "I was flying."})
	expectError(t, err, ErrorUpstream, "openai_error")

	require.Equal(t, 3, d.quota.calls)
	require.Empty(t, d.store.created)
}

func TestAnalyze_ModelRejectsInput(t *testing.T) {
	d := newDreamDeps()
	d.llm.answer = `{"error": "invalid_dream"}`
	svc := newTestDreamService(t, d, 0)

	_, err := svc.Analyze(context.Background(), AnalyzeInput{UserID: "user-1", Text: "buy milk and eggs"})

	expectError(t, err, ErrorInvalidInput, "invalid_dream")
	require.Empty(t, d.store.created)
}

func TestAnalyze_MalformedOutput(t *testing.T) {
	d := newDreamDeps()
	d.llm.answer = `{"title": "Half an answer"}`
	svc := newTestDreamService(t, d, 0)

	_, err := svc.Analyze(context.Background(), AnalyzeInput{UserID: "user-1", Text: "I was flying."})

	expectError(t, err, ErrorMalformedOutput, "openai_malformed_response")
	var exceeded *quota.ExceededError
	require.False(t, errors.As(err, &exceeded))
	require.Empty(t, d.store.created)
}

func TestAnalyze_PersistError(t *testing.T) {
	d := newDreamDeps()
	d.store.createErr = errors.New("write failed")
	svc := newTestDreamService(t, d, 0)

	_, err := svc.Analyze(context.Background(), AnalyzeInput{UserID: "user-1", Text: "I was flying."})

	expectError(t, err, ErrorInternal, "dynamodb_write_error")
}

func TestAnalyze_ReturnsModelRecurringBlock(t *testing.T) {
	d := newDreamDeps()
	d.llm.answer = strings.Replace(validAnalysis, `"advice":`,
		`"recurring_dream_analysis": {"hasConnections": true, "connectedDreams": [], "patterns": ["recurring door theme"], "interpretation": "Doors keep returning."},
		"advice":`, 1)
	svc := newTestDreamService(t, d, 0)

	out, err := svc.Analyze(context.Background(), AnalyzeInput{UserID: "user-1", Text: "I found the door again."})

	require.NoError(t, err)
	require.NotNil(t, out.Recurring)
	require.True(t, out.Recurring.HasConnections)
	require.Equal(t, []string{"recurring door theme"}, out.Recurring.Patterns)
}

func TestGet_AttachesRecurringAnalysis(t *testing.T) {
	d := newDreamDeps()
	dream := domain.Dream{ID: "d-1", UserID: "user-1", Title: "Water", Keywords: []string{"water"}}
	d.store.dreams["d-1"] = dream
	d.matcher.recurring = &domain.RecurringDreamAnalysis{HasConnections: true, Patterns: []string{"recurring water theme"}}
	svc := newTestDreamService(t, d, 0)

	out, err := svc.Get(context.Background(), "user-1", "d-1")

	require.NoError(t, err)
	require.Equal(t, dream, out.Dream)
	require.Equal(t, d.matcher.recurring, out.Recurring)
	require.Equal(t, dream, d.matcher.detailDream)
}

func TestGet_NoConnections(t *testing.T) {
	d := newDreamDeps()
	d.store.dreams["d-1"] = domain.Dream{ID: "d-1", UserID: "user-1"}
	svc := newTestDreamService(t, d, 0)

	out, err := svc.Get(context.Background(), "user-1", "d-1")

	require.NoError(t, err)
	require.Nil(t, out.Recurring)
}

func TestGet_Errors(t *testing.T) {
	d := newDreamDeps()
	d.store.dreams["d-1"] = domain.Dream{ID: "d-1", UserID: "someone-else"}
	svc := newTestDreamService(t, d, 0)

	_, err := svc.Get(context.Background(), "user-1", "d-1")
	expectError(t, err, ErrorNotFound, "dream_not_found")

	_, err = svc.Get(context.Background(), "user-1", " ")
	expectError(t, err, ErrorInvalidInput, "missing_dream_id")

	_, err = svc.Get(context.Background(), "", "d-1")
	expectError(t, err, ErrorInvalidInput, "missing_user")

	d.store.getErr = errors.New("throttled")
	_, err = svc.Get(context.Background(), "user-1", "d-1")
	expectError(t, err, ErrorInternal, "dynamodb_read_error")
}

func TestList(t *testing.T) {
	d := newDreamDeps()
	d.store.dreams["d-1"] = domain.Dream{ID: "d-1", UserID: "user-1"}
	d.store.dreams["d-2"] = domain.Dream{ID: "d-2", UserID: "user-2"}
	svc := newTestDreamService(t, d, 0)

	dreams, err := svc.List(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, dreams, 1)
	require.Equal(t, "d-1", dreams[0].ID)

	d.store.listErr = errors.New("throttled")
	_, err = svc.List(context.Background(), "user-1")
	expectError(t, err, ErrorInternal, "dynamodb_read_error")

	_, err = svc.List(context.Background(), "")
	expectError(t, err, ErrorInvalidInput, "missing_user")
}

func TestNewDreamID_IsTimeOrdered(t *testing.T) {
	a := newDreamID()
	time.Sleep(2 * time.Millisecond)
	b := newDreamID()
	require.Less(t, a, b)
}
