package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sundayezeilo/linkconsole/internal/clock"
	"github.com/sundayezeilo/linkconsole/internal/errx"
	"github.com/sundayezeilo/linkconsole/internal/linkapi"
)

/*** Mocks ***/

type mockAPI struct {
	mu           sync.Mutex
	checkCalls   int
	shortenCalls []linkapi.SubmissionRequest

	CheckURLFunc func(ctx context.Context, rawURL string) (linkapi.ExistenceCheck, error)
	ShortenFunc  func(ctx context.Context, req linkapi.SubmissionRequest) (linkapi.URLRecord, error)
}

func (m *mockAPI) CheckURL(ctx context.Context, rawURL string) (linkapi.ExistenceCheck, error) {
	m.mu.Lock()
	m.checkCalls++
	m.mu.Unlock()
	if m.CheckURLFunc != nil {
		return m.CheckURLFunc(ctx, rawURL)
	}
	return linkapi.ExistenceCheck{}, nil
}

func (m *mockAPI) Shorten(ctx context.Context, req linkapi.SubmissionRequest) (linkapi.URLRecord, error) {
	m.mu.Lock()
	m.shortenCalls = append(m.shortenCalls, req)
	m.mu.Unlock()
	if m.ShortenFunc != nil {
		return m.ShortenFunc(ctx, req)
	}
	return activeRecord(req.URL, "gen123"), nil
}

func (m *mockAPI) shortens() []linkapi.SubmissionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]linkapi.SubmissionRequest(nil), m.shortenCalls...)
}

func (m *mockAPI) checks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkCalls
}

type mockCache struct {
	mu      sync.Mutex
	records []linkapi.URLRecord
}

func (c *mockCache) Upsert(rec linkapi.URLRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
}

func (c *mockCache) upserts() []linkapi.URLRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]linkapi.URLRecord(nil), c.records...)
}

func activeRecord(rawURL, code string) linkapi.URLRecord {
	return linkapi.URLRecord{
		ID:          1,
		ShortCode:   code,
		OriginalURL: rawURL,
		ShortURL:    "http://localhost:8080/" + code,
		IsActive:    true,
	}
}

type harness struct {
	api    *mockAPI
	cache  *mockCache
	clock  *clock.Mock
	r      *Reconciler
	states []State
}

func newHarness(api *mockAPI) *harness {
	h := &harness{
		api:   api,
		cache: &mockCache{},
		clock: clock.NewMock(time.UnixMilli(1_700_000_000_000)),
	}
	h.r = NewReconciler(Config{
		API:    api,
		Cache:  h.cache,
		Clock:  h.clock,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		OnTransition: func(_, to State, _ Event) {
			h.states = append(h.states, to)
		},
	})
	return h
}

const testURL = "https://example.com/some/long/path"

/*** Transition ***/

func TestTransition(t *testing.T) {
	valid := []struct {
		from State
		ev   Event
		to   State
	}{
		{Idle, OnProbe, Checking},
		{Failed, OnProbe, Checking},
		{NeedsDecision, OnProbe, Checking},
		{Idle, OnSubmit, Checking},
		{Success, OnSubmit, Checking},
		{Checking, OnProbedNew, New},
		{Checking, OnProbedActive, ActiveDuplicate},
		{Checking, OnInactive, NeedsDecision},
		{Submitting, OnInactive, NeedsDecision},
		{Checking, OnAccepted, Success},
		{Submitting, OnAccepted, Success},
		{Submitting, OnRejected, Failed},
		{NeedsDecision, OnReuse, Submitting},
		{NeedsDecision, OnCreateNew, Submitting},
		{Failed, OnReuse, Submitting},
		{Submitting, OnReset, Idle},
		{Checking, OnReset, Idle},
	}
	for _, tt := range valid {
		t.Run(tt.from.String()+"/"+tt.ev.String(), func(t *testing.T) {
			got, err := Transition(tt.from, tt.ev)
			require.NoError(t, err)
			assert.Equal(t, tt.to, got)
		})
	}

	invalid := []struct {
		from State
		ev   Event
	}{
		{Idle, OnAccepted},
		{Idle, OnReuse},
		{NeedsDecision, OnSubmit},
		{Checking, OnSubmit},
		{Submitting, OnProbe},
		{New, OnCreateNew},
		{Success, OnProbedNew},
	}
	for _, tt := range invalid {
		t.Run("invalid "+tt.from.String()+"/"+tt.ev.String(), func(t *testing.T) {
			got, err := Transition(tt.from, tt.ev)
			require.Error(t, err)
			assert.True(t, errx.Is(err, errx.Validation))
			assert.Equal(t, tt.from, got)
		})
	}
}

/*** Probe ***/

func TestProbe_InvalidURL_NoNetworkNoStateChange(t *testing.T) {
	for _, raw := range []string{"", "   ", "example.com", "ftp://example.com/file", "https://"} {
		t.Run(raw, func(t *testing.T) {
			h := newHarness(&mockAPI{})
			require.NoError(t, h.r.Edit(Form{URL: raw}))

			out, err := h.r.Probe(context.Background())
			require.Error(t, err)
			assert.True(t, errx.Is(err, errx.Validation))
			assert.Equal(t, Idle, out.State)
			assert.Zero(t, h.api.checks())
			assert.Empty(t, h.states)
		})
	}
}

func TestProbe_Outcomes(t *testing.T) {
	tests := []struct {
		name         string
		check        linkapi.ExistenceCheck
		wantState    State
		wantMessage  string
		wantDecision *Decision
	}{
		{
			name:        "new",
			check:       linkapi.ExistenceCheck{},
			wantState:   New,
			wantMessage: "URL is new, you can create a short link",
		},
		{
			name:        "active duplicate",
			check:       linkapi.ExistenceCheck{Exists: true, ShortCode: "dup001"},
			wantState:   ActiveDuplicate,
			wantMessage: "URL already exists with code: dup001",
		},
		{
			name:         "soft-deleted",
			check:        linkapi.ExistenceCheck{Exists: true, IsDeleted: true, ShortCode: "abc123"},
			wantState:    NeedsDecision,
			wantMessage:  "URL was previously deleted. Do you want to reuse 'abc123' or create new?",
			wantDecision: &Decision{ShortCode: "abc123"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(&mockAPI{
				CheckURLFunc: func(ctx context.Context, rawURL string) (linkapi.ExistenceCheck, error) {
					assert.Equal(t, testURL, rawURL)
					return tt.check, nil
				},
			})
			require.NoError(t, h.r.Edit(Form{URL: testURL}))

			out, err := h.r.Probe(context.Background())
			require.NoError(t, err)

			assert.Equal(t, tt.wantState, out.State)
			assert.Equal(t, tt.wantMessage, out.Message)
			assert.Equal(t, tt.wantDecision, out.Decision)
			require.NotNil(t, out.Check)
			assert.Equal(t, tt.check, *out.Check)
			assert.Equal(t, []State{Checking, tt.wantState}, h.states)
			assert.Empty(t, h.api.shortens(), "probe never creates anything")
		})
	}
}

func TestProbe_FailureIsReportedAndLeavesFormIntact(t *testing.T) {
	boom := errx.E("linkapi.Client.CheckURL", errx.Transient, errors.New("connection refused"))
	h := newHarness(&mockAPI{
		CheckURLFunc: func(context.Context, string) (linkapi.ExistenceCheck, error) {
			return linkapi.ExistenceCheck{}, boom
		},
	})
	require.NoError(t, h.r.Edit(Form{URL: testURL, CustomCode: "promo"}))

	out, err := h.r.Probe(context.Background())
	require.Error(t, err)
	assert.True(t, errx.Is(err, errx.Transient))
	assert.Equal(t, Failed, out.State)
	assert.Equal(t, "Failed to check URL", out.Message)
	assert.Equal(t, Form{URL: testURL, CustomCode: "promo"}, h.r.Form())
}

/*** Submit ***/

func TestSubmit_NewURL_GoesStraightToSuccess(t *testing.T) {
	h := newHarness(&mockAPI{
		CheckURLFunc: func(context.Context, string) (linkapi.ExistenceCheck, error) {
			return linkapi.ExistenceCheck{}, nil
		},
	})
	require.NoError(t, h.r.Edit(Form{URL: testURL, ExpiresInDays: 30}))

	out, err := h.r.Probe(context.Background())
	require.NoError(t, err)
	assert.False(t, out.Check.Exists)

	h.states = nil
	out, err = h.r.Submit(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Success, out.State)
	assert.Equal(t, []State{Checking, Success}, h.states)
	assert.NotContains(t, h.states, NeedsDecision)
	assert.Equal(t, "URL shortened successfully!", out.Message)
	require.NotNil(t, out.Record)
	assert.Equal(t, "gen123", out.Record.ShortCode)

	assert.Equal(t, []linkapi.SubmissionRequest{{URL: testURL, ExpiresInDays: 30}}, h.api.shortens())
	assert.Equal(t, []linkapi.URLRecord{activeRecord(testURL, "gen123")}, h.cache.upserts())
	assert.Equal(t, Form{}, h.r.Form(), "form resets after success")
}

func TestSubmit_WithoutProbe(t *testing.T) {
	h := newHarness(&mockAPI{})
	require.NoError(t, h.r.Edit(Form{URL: testURL}))

	out, err := h.r.Submit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Success, out.State)
	assert.Zero(t, h.api.checks())
}

func TestSubmit_InvalidForm(t *testing.T) {
	tests := []struct {
		name string
		form Form
	}{
		{"empty url", Form{}},
		{"relative url", Form{URL: "/path"}},
		{"custom code too long", Form{URL: testURL, CustomCode: "abcdefghijk"}},
		{"custom code bad chars", Form{URL: testURL, CustomCode: "a b"}},
		{"expiry too long", Form{URL: testURL, ExpiresInDays: 366}},
		{"negative expiry", Form{URL: testURL, ExpiresInDays: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(&mockAPI{})
			require.NoError(t, h.r.Edit(tt.form))

			out, err := h.r.Submit(context.Background())
			require.Error(t, err)
			assert.True(t, errx.Is(err, errx.Validation))
			assert.Equal(t, Idle, out.State)
			assert.Empty(t, h.api.shortens())
		})
	}
}

func TestSubmit_InactiveRecordNeedsDecision(t *testing.T) {
	h := newHarness(&mockAPI{
		ShortenFunc: func(_ context.Context, req linkapi.SubmissionRequest) (linkapi.URLRecord, error) {
			rec := activeRecord(req.URL, "abc123")
			rec.IsActive = false
			return rec, nil
		},
	})
	require.NoError(t, h.r.Edit(Form{URL: testURL}))

	out, err := h.r.Submit(context.Background())
	require.NoError(t, err)

	assert.Equal(t, NeedsDecision, out.State)
	assert.Equal(t, &Decision{ShortCode: "abc123"}, out.Decision)
	assert.Equal(t, "URL was previously deleted. Choose an option below.", out.Message)
	assert.Empty(t, h.cache.upserts(), "inactive record is not cached")
	assert.Equal(t, testURL, h.r.Form().URL, "form is kept for the decision")
}

func TestSubmit_DoubleSubmitIsRejected(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	h := newHarness(&mockAPI{
		ShortenFunc: func(_ context.Context, req linkapi.SubmissionRequest) (linkapi.URLRecord, error) {
			close(started)
			<-release
			return activeRecord(req.URL, "gen123"), nil
		},
	})
	require.NoError(t, h.r.Edit(Form{URL: testURL}))

	done := make(chan error, 1)
	go func() {
		_, err := h.r.Submit(context.Background())
		done <- err
	}()
	<-started

	_, err := h.r.Submit(context.Background())
	assert.ErrorIs(t, err, ErrInFlight)
	_, err = h.r.Probe(context.Background())
	assert.ErrorIs(t, err, ErrInFlight)
	assert.ErrorIs(t, h.r.Edit(Form{URL: "https://other.example"}), ErrInFlight)

	close(release)
	require.NoError(t, <-done)

	assert.Len(t, h.api.shortens(), 1, "second submit issued no request")
	assert.Equal(t, Success, h.r.State())
}

func TestSubmit_ServerErrorKeepsFormAndCache(t *testing.T) {
	h := newHarness(&mockAPI{
		ShortenFunc: func(context.Context, linkapi.SubmissionRequest) (linkapi.URLRecord, error) {
			return linkapi.URLRecord{}, errx.E("linkapi.Client.Shorten", errx.Transient, errors.New("bad gateway"))
		},
	})
	form := Form{URL: testURL, CustomCode: "promo", ExpiresInDays: 7}
	require.NoError(t, h.r.Edit(form))

	out, err := h.r.Submit(context.Background())
	require.Error(t, err)
	assert.True(t, errx.Is(err, errx.Transient))
	assert.Equal(t, Failed, out.State)
	assert.Equal(t, "Failed to shorten URL", out.Message)
	assert.Equal(t, form, h.r.Form())
	assert.Empty(t, h.cache.upserts())
}

/*** Decision paths ***/

func probedDeleted(t *testing.T, api *mockAPI) *harness {
	t.Helper()

	api.CheckURLFunc = func(context.Context, string) (linkapi.ExistenceCheck, error) {
		return linkapi.ExistenceCheck{Exists: true, IsDeleted: true, ShortCode: "abc123"}, nil
	}
	h := newHarness(api)
	require.NoError(t, h.r.Edit(Form{URL: testURL}))

	out, err := h.r.Probe(context.Background())
	require.NoError(t, err)
	require.Equal(t, NeedsDecision, out.State)
	return h
}

func TestReuse_ReactivatesOriginalCode(t *testing.T) {
	h := probedDeleted(t, &mockAPI{
		ShortenFunc: func(_ context.Context, req linkapi.SubmissionRequest) (linkapi.URLRecord, error) {
			rec := activeRecord(req.URL, "abc123")
			rec.ClickCount = 42
			return rec, nil
		},
	})

	out, err := h.r.Reuse(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Success, out.State)
	assert.Equal(t, "abc123", out.Record.ShortCode)
	assert.Equal(t, "URL reactivated with existing code: abc123", out.Message)
	assert.Equal(t, []linkapi.SubmissionRequest{{URL: testURL, UseExistingCode: true}}, h.api.shortens())
	require.Len(t, h.cache.upserts(), 1)
	assert.Equal(t, int64(42), h.cache.upserts()[0].ClickCount)
}

func TestReuse_SendsTypedCustomCode(t *testing.T) {
	h := probedDeleted(t, &mockAPI{
		ShortenFunc: func(_ context.Context, req linkapi.SubmissionRequest) (linkapi.URLRecord, error) {
			return activeRecord(req.URL, "abc123"), nil
		},
	})
	require.NoError(t, h.r.Edit(Form{URL: testURL, CustomCode: "mine"}))
	require.Equal(t, NeedsDecision, h.r.State(), "same URL keeps the decision")

	out, err := h.r.Reuse(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc123", out.Record.ShortCode)

	calls := h.api.shortens()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].UseExistingCode)
	assert.Equal(t, "mine", calls[0].CustomCode)
}

func TestCreateNew_FallbackCode(t *testing.T) {
	h := probedDeleted(t, &mockAPI{
		ShortenFunc: func(_ context.Context, req linkapi.SubmissionRequest) (linkapi.URLRecord, error) {
			return activeRecord(req.URL, req.CustomCode), nil
		},
	})
	h.clock.Set(time.UnixMilli(1_700_000_000_042))

	out, err := h.r.CreateNew(context.Background())
	require.NoError(t, err)

	calls := h.api.shortens()
	require.Len(t, calls, 1)
	assert.False(t, calls[0].UseExistingCode)
	assert.Equal(t, "new_0042", calls[0].CustomCode)
	assert.Regexp(t, regexp.MustCompile(`^new_\d{4}$`), out.Record.ShortCode)
	assert.NotEqual(t, "abc123", out.Record.ShortCode)
	assert.Equal(t, "New URL created with code: new_0042", out.Message)
}

func TestCreateNew_UsesTypedCustomCode(t *testing.T) {
	h := probedDeleted(t, &mockAPI{
		ShortenFunc: func(_ context.Context, req linkapi.SubmissionRequest) (linkapi.URLRecord, error) {
			return activeRecord(req.URL, req.CustomCode), nil
		},
	})
	require.NoError(t, h.r.Edit(Form{URL: testURL, CustomCode: "fresh"}))

	out, err := h.r.CreateNew(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh", out.Record.ShortCode)
}

func TestCreateNew_CollisionFailsThenRetryFromFailed(t *testing.T) {
	attempts := 0
	h := probedDeleted(t, &mockAPI{
		ShortenFunc: func(_ context.Context, req linkapi.SubmissionRequest) (linkapi.URLRecord, error) {
			attempts++
			if attempts == 1 {
				return linkapi.URLRecord{}, errx.E("linkapi.Client.Shorten", errx.Validation,
					errors.New("Short code is already taken (status 400)"))
			}
			return activeRecord(req.URL, "abc123"), nil
		},
	})

	out, err := h.r.CreateNew(context.Background())
	require.Error(t, err)
	assert.Equal(t, Failed, out.State)
	assert.Equal(t, &Decision{ShortCode: "abc123"}, out.Decision, "decision preserved")
	assert.Equal(t, testURL, h.r.Form().URL)
	assert.Empty(t, h.cache.upserts())
	assert.Len(t, h.api.shortens(), 1, "no client-side retry")

	out, err = h.r.Reuse(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Success, out.State)
}

func TestReuse_WithoutDecision(t *testing.T) {
	h := newHarness(&mockAPI{})
	require.NoError(t, h.r.Edit(Form{URL: testURL}))

	_, err := h.r.Reuse(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoDecision)
	assert.True(t, errx.Is(err, errx.Validation))
	assert.Empty(t, h.api.shortens())
}

func TestEdit_ChangingURLClearsDecision(t *testing.T) {
	h := probedDeleted(t, &mockAPI{})

	require.NoError(t, h.r.Edit(Form{URL: "https://other.example/"}))

	out := h.r.Outcome()
	assert.Equal(t, Idle, out.State)
	assert.Nil(t, out.Decision)
	assert.Nil(t, out.Check)

	_, err := h.r.Reuse(context.Background())
	assert.ErrorIs(t, err, ErrNoDecision)
}

/*** Cancellation ***/

func TestReset_DiscardsLateCompletion(t *testing.T) {
	started := make(chan struct{})
	h := newHarness(&mockAPI{
		ShortenFunc: func(ctx context.Context, req linkapi.SubmissionRequest) (linkapi.URLRecord, error) {
			close(started)
			<-ctx.Done()
			return linkapi.URLRecord{}, errx.E("linkapi.Client.Shorten", errx.Canceled, ctx.Err())
		},
	})
	require.NoError(t, h.r.Edit(Form{URL: testURL}))

	done := make(chan error, 1)
	go func() {
		_, err := h.r.Submit(context.Background())
		done <- err
	}()
	<-started

	h.r.Reset()

	err := <-done
	assert.ErrorIs(t, err, ErrSuperseded)
	assert.True(t, errx.Is(err, errx.Canceled))
	assert.Equal(t, Idle, h.r.State())
	assert.Empty(t, h.cache.upserts())
}

func TestReset_LateSuccessIsIgnored(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	h := newHarness(&mockAPI{
		ShortenFunc: func(_ context.Context, req linkapi.SubmissionRequest) (linkapi.URLRecord, error) {
			close(started)
			<-release
			return activeRecord(req.URL, "late01"), nil
		},
	})
	require.NoError(t, h.r.Edit(Form{URL: testURL}))

	done := make(chan error, 1)
	go func() {
		_, err := h.r.Submit(context.Background())
		done <- err
	}()
	<-started

	h.r.Reset()
	close(release)

	assert.ErrorIs(t, <-done, ErrSuperseded)
	assert.Equal(t, Idle, h.r.State())
	assert.Nil(t, h.r.Outcome().Record)
	assert.Empty(t, h.cache.upserts())
}

func TestFallbackCode(t *testing.T) {
	assert.Equal(t, "new_0000", FallbackCode(time.UnixMilli(1_700_000_000_000)))
	assert.Equal(t, "new_9999", FallbackCode(time.UnixMilli(1_700_000_009_999)))
	assert.Equal(t, "new_1234", FallbackCode(time.UnixMilli(51_234)))
}
