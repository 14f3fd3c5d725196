// Package reconcile drives a URL submission from the typed form to a created,
// reused, or freshly minted short code. The server is authoritative: a probe only
// predicts which path a submit will take, and a submit can still land in
// NeedsDecision when the probe was skipped or stale.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sundayezeilo/linkconsole/internal/clock"
	"github.com/sundayezeilo/linkconsole/internal/errx"
	"github.com/sundayezeilo/linkconsole/internal/linkapi"
)

var (
	// ErrInFlight is returned when an operation is attempted while a probe or
	// submission is outstanding. No request is sent.
	ErrInFlight = errors.New("a request is already in flight")

	// ErrSuperseded is returned when a request completes after Reset. Its result
	// is discarded.
	ErrSuperseded = errors.New("request superseded by reset")

	// ErrNoDecision is returned by Reuse and CreateNew when no soft-deleted
	// conflict is pending.
	ErrNoDecision = errors.New("no soft-deleted conflict to resolve")
)

// API is the part of the link API the reconciler calls.
type API interface {
	CheckURL(ctx context.Context, rawURL string) (linkapi.ExistenceCheck, error)
	Shorten(ctx context.Context, req linkapi.SubmissionRequest) (linkapi.URLRecord, error)
}

// CacheWriter receives every record the server accepts.
type CacheWriter interface {
	Upsert(rec linkapi.URLRecord)
}

// Decision is a soft-deleted conflict awaiting the user's choice between reusing
// its code and creating a new one.
type Decision struct {
	ShortCode string
}

// Outcome is a snapshot of the reconciler after an operation.
type Outcome struct {
	State    State
	Check    *linkapi.ExistenceCheck
	Record   *linkapi.URLRecord
	Decision *Decision
	Message  string
}

// Config holds configuration for the reconciler.
type Config struct {
	API    API
	Cache  CacheWriter // optional
	Clock  clock.Clock // default: clock.Real
	Logger *slog.Logger

	// OnTransition, if set, is called with the reconciler's lock held after every
	// state change. It must not call back into the reconciler.
	OnTransition func(from, to State, ev Event)
}

// Reconciler is the submission state machine for one session. It is safe for
// concurrent use; network calls are made without holding its lock.
type Reconciler struct {
	api          API
	cache        CacheWriter
	clock        clock.Clock
	logger       *slog.Logger
	onTransition func(from, to State, ev Event)

	mu       sync.Mutex
	state    State
	form     Form
	check    *linkapi.ExistenceCheck
	decision *Decision
	record   *linkapi.URLRecord
	message  string
	epoch    uint64
	cancel   context.CancelFunc
}

// NewReconciler creates a Reconciler in the Idle state.
func NewReconciler(cfg Config) *Reconciler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	return &Reconciler{
		api:          cfg.API,
		cache:        cfg.Cache,
		clock:        clk,
		logger:       logger,
		onTransition: cfg.OnTransition,
	}
}

// State returns the current state.
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Form returns the current form values.
func (r *Reconciler) Form() Form {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.form
}

// Outcome returns the current snapshot.
func (r *Reconciler) Outcome() Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcomeLocked()
}

// Edit replaces the form. Changing the URL discards any probe result and pending
// decision, since both describe the old URL.
func (r *Reconciler) Edit(form Form) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.Busy() {
		return ErrInFlight
	}

	if form.URL != r.form.URL {
		r.check = nil
		r.decision = nil
		r.message = ""
		if r.state != Idle {
			r.transitionLocked(OnReset)
		}
	}
	r.form = form
	return nil
}

// Probe asks the server whether the form's URL is already known. It is
// advisory: nothing is created. An invalid URL is rejected before any request.
func (r *Reconciler) Probe(ctx context.Context) (Outcome, error) {
	const op = "reconcile.Reconciler.Probe"

	r.mu.Lock()
	if r.state.Busy() {
		out := r.outcomeLocked()
		r.mu.Unlock()
		return out, ErrInFlight
	}
	rawURL := r.form.URL
	if err := ValidateURL(rawURL); err != nil {
		out := r.outcomeLocked()
		r.mu.Unlock()
		return out, errx.E(op, errx.Validation, err)
	}
	reqCtx, epoch, err := r.beginLocked(ctx, OnProbe)
	r.mu.Unlock()
	if err != nil {
		return r.Outcome(), errx.E(op, errx.KindOf(err), err)
	}

	check, err := r.api.CheckURL(reqCtx, rawURL)

	r.mu.Lock()
	defer r.mu.Unlock()

	if err != nil {
		if !r.finishLocked(epoch, OnRejected) {
			return r.outcomeLocked(), errx.E(op, errx.Canceled, ErrSuperseded)
		}
		r.message = "Failed to check URL"
		r.logger.WarnContext(ctx, "url probe failed", "url", rawURL, "error", err.Error())
		return r.outcomeLocked(), errx.E(op, errx.KindOf(err), err)
	}

	ev := OnProbedActive
	switch {
	case !check.Exists:
		ev = OnProbedNew
	case check.IsDeleted:
		ev = OnInactive
	}
	if !r.finishLocked(epoch, ev) {
		return r.outcomeLocked(), errx.E(op, errx.Canceled, ErrSuperseded)
	}

	r.check = &check
	r.decision = nil
	switch ev {
	case OnProbedNew:
		r.message = "URL is new, you can create a short link"
	case OnProbedActive:
		r.message = fmt.Sprintf("URL already exists with code: %s", check.ShortCode)
	case OnInactive:
		r.decision = &Decision{ShortCode: check.ShortCode}
		r.message = fmt.Sprintf("URL was previously deleted. Do you want to reuse '%s' or create new?", check.ShortCode)
	}
	return r.outcomeLocked(), nil
}

// Submit sends the form. The server may answer with an inactive record, in
// which case the outcome is NeedsDecision and the caller should offer Reuse or
// CreateNew.
func (r *Reconciler) Submit(ctx context.Context) (Outcome, error) {
	const op = "reconcile.Reconciler.Submit"

	r.mu.Lock()
	if r.state.Busy() {
		out := r.outcomeLocked()
		r.mu.Unlock()
		return out, ErrInFlight
	}
	form := r.form
	if err := form.Validate(); err != nil {
		out := r.outcomeLocked()
		r.mu.Unlock()
		return out, errx.E(op, errx.Validation, err)
	}
	reqCtx, epoch, err := r.beginLocked(ctx, OnSubmit)
	r.mu.Unlock()
	if err != nil {
		return r.Outcome(), errx.E(op, errx.KindOf(err), err)
	}

	rec, err := r.api.Shorten(reqCtx, linkapi.SubmissionRequest{
		URL:           form.URL,
		CustomCode:    form.CustomCode,
		ExpiresInDays: form.ExpiresInDays,
	})

	return r.complete(ctx, op, epoch, rec, err, "Failed to shorten URL", func(linkapi.URLRecord) string {
		return "URL shortened successfully!"
	})
}

// Reuse reactivates the soft-deleted record under its original code. A custom
// code in the form is sent along; the server keeps the original code.
func (r *Reconciler) Reuse(ctx context.Context) (Outcome, error) {
	const op = "reconcile.Reconciler.Reuse"

	reqCtx, epoch, form, err := r.beginDecision(ctx, op, OnReuse)
	if err != nil {
		return r.Outcome(), err
	}

	rec, err := r.api.Shorten(reqCtx, linkapi.SubmissionRequest{
		URL:             form.URL,
		CustomCode:      form.CustomCode,
		ExpiresInDays:   form.ExpiresInDays,
		UseExistingCode: true,
	})

	return r.complete(ctx, op, epoch, rec, err, "Failed to reuse code", func(rec linkapi.URLRecord) string {
		return fmt.Sprintf("URL reactivated with existing code: %s", rec.ShortCode)
	})
}

// CreateNew mints a new record for the URL, using the form's custom code or a
// fallback code when none was given. A collision is reported as Failed.
func (r *Reconciler) CreateNew(ctx context.Context) (Outcome, error) {
	const op = "reconcile.Reconciler.CreateNew"

	reqCtx, epoch, form, err := r.beginDecision(ctx, op, OnCreateNew)
	if err != nil {
		return r.Outcome(), err
	}

	code := form.CustomCode
	if code == "" {
		code = FallbackCode(r.clock.Now())
	}

	rec, err := r.api.Shorten(reqCtx, linkapi.SubmissionRequest{
		URL:           form.URL,
		CustomCode:    code,
		ExpiresInDays: form.ExpiresInDays,
	})

	return r.complete(ctx, op, epoch, rec, err, "Failed to create new URL", func(rec linkapi.URLRecord) string {
		return fmt.Sprintf("New URL created with code: %s", rec.ShortCode)
	})
}

// Reset abandons any in-flight request and returns to Idle with an empty form.
// A request that completes afterwards is discarded.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.epoch++
	r.form = Form{}
	r.check = nil
	r.decision = nil
	r.record = nil
	r.message = ""
	r.transitionLocked(OnReset)
}

// FallbackCode is the code minted by CreateNew when the user gave none:
// "new_" followed by the last four digits of the Unix time in milliseconds.
func FallbackCode(now time.Time) string {
	return fmt.Sprintf("new_%04d", now.UnixMilli()%10000)
}

func (r *Reconciler) beginDecision(ctx context.Context, op string, ev Event) (context.Context, uint64, Form, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.Busy() {
		return nil, 0, Form{}, ErrInFlight
	}
	if r.decision == nil {
		return nil, 0, Form{}, errx.E(op, errx.Validation, ErrNoDecision)
	}
	if err := r.form.Validate(); err != nil {
		return nil, 0, Form{}, errx.E(op, errx.Validation, err)
	}

	reqCtx, epoch, err := r.beginLocked(ctx, ev)
	if err != nil {
		return nil, 0, Form{}, errx.E(op, errx.KindOf(err), err)
	}
	return reqCtx, epoch, r.form, nil
}

func (r *Reconciler) complete(ctx context.Context, op string, epoch uint64, rec linkapi.URLRecord, err error,
	failed string, accepted func(linkapi.URLRecord) string) (Outcome, error) {
	r.mu.Lock()

	if err != nil {
		if !r.finishLocked(epoch, OnRejected) {
			out := r.outcomeLocked()
			r.mu.Unlock()
			return out, errx.E(op, errx.Canceled, ErrSuperseded)
		}
		r.message = failed
		if linkapi.StatusCode(err) != 0 {
			r.message = linkapi.Detail(err)
		}
		out := r.outcomeLocked()
		r.mu.Unlock()

		r.logger.WarnContext(ctx, "submission failed",
			"operation", op,
			"error", err.Error(),
			"error_kind", errx.KindOf(err),
		)
		return out, errx.E(op, errx.KindOf(err), err)
	}

	if !rec.IsActive {
		if !r.finishLocked(epoch, OnInactive) {
			out := r.outcomeLocked()
			r.mu.Unlock()
			return out, errx.E(op, errx.Canceled, ErrSuperseded)
		}
		r.decision = &Decision{ShortCode: rec.ShortCode}
		r.check = &linkapi.ExistenceCheck{
			Exists:    true,
			IsDeleted: true,
			ShortCode: rec.ShortCode,
			Message:   fmt.Sprintf("URL was previously deleted. Do you want to reuse '%s' or create new?", rec.ShortCode),
		}
		r.message = "URL was previously deleted. Choose an option below."
		out := r.outcomeLocked()
		r.mu.Unlock()
		return out, nil
	}

	if !r.finishLocked(epoch, OnAccepted) {
		out := r.outcomeLocked()
		r.mu.Unlock()
		return out, errx.E(op, errx.Canceled, ErrSuperseded)
	}
	r.form = Form{}
	r.check = nil
	r.decision = nil
	r.record = &rec
	r.message = accepted(rec)
	out := r.outcomeLocked()
	r.mu.Unlock()

	r.logger.InfoContext(ctx, "short link ready",
		"operation", op,
		"short_code", rec.ShortCode,
	)

	if r.cache != nil {
		r.cache.Upsert(rec)
	}
	return out, nil
}

// beginLocked moves to the in-flight state for ev and returns a request context
// tied to a new epoch.
func (r *Reconciler) beginLocked(ctx context.Context, ev Event) (context.Context, uint64, error) {
	next, err := Transition(r.state, ev)
	if err != nil {
		return nil, 0, err
	}
	r.setStateLocked(next, ev)

	r.epoch++
	reqCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.record = nil
	return reqCtx, r.epoch, nil
}

// finishLocked applies ev for a completed request. It reports false, changing
// nothing, when the request belongs to an older epoch.
func (r *Reconciler) finishLocked(epoch uint64, ev Event) bool {
	if epoch != r.epoch {
		r.logger.Debug("discarding stale completion", "event", ev.String())
		return false
	}
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.transitionLocked(ev)
	return true
}

func (r *Reconciler) transitionLocked(ev Event) {
	next, err := Transition(r.state, ev)
	if err != nil {
		r.logger.Error("unexpected transition", "state", r.state.String(), "event", ev.String())
		return
	}
	r.setStateLocked(next, ev)
}

func (r *Reconciler) setStateLocked(next State, ev Event) {
	prev := r.state
	r.state = next
	if prev != next {
		r.logger.Debug("submission state", "from", prev.String(), "to", next.String(), "event", ev.String())
	}
	if r.onTransition != nil {
		r.onTransition(prev, next, ev)
	}
}

func (r *Reconciler) outcomeLocked() Outcome {
	out := Outcome{State: r.state, Message: r.message}
	if r.check != nil {
		c := *r.check
		out.Check = &c
	}
	if r.record != nil {
		rec := *r.record
		out.Record = &rec
	}
	if r.decision != nil {
		d := *r.decision
		out.Decision = &d
	}
	return out
}
