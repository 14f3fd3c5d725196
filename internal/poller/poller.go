// Package poller keeps a session's list of links fresh. Every fetch replaces the
// cached list wholesale, a stopped poller never writes, and QR images are
// fetched at most once per short code.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sundayezeilo/linkconsole/internal/errx"
	"github.com/sundayezeilo/linkconsole/internal/linkapi"
)

const (
	DefaultInterval  = 30 * time.Second
	DefaultPageLimit = 100
)

// errStale marks a fetch whose result was dropped because the poller was
// stopped or restarted while it was in flight.
var errStale = errors.New("stale fetch discarded")

var errEmptyQR = errors.New("server returned an empty QR code")

// API is the part of the link API the poller calls.
type API interface {
	ListURLs(ctx context.Context, skip, limit int) ([]linkapi.URLRecord, error)
	DeleteURL(ctx context.Context, code string) (linkapi.DeleteReceipt, error)
	QRCode(ctx context.Context, code string) (linkapi.QRImage, error)
}

// Config holds configuration for the poller.
type Config struct {
	API       API
	PageLimit int // records per fetch (default: 100)
	Logger    *slog.Logger

	// OnError receives failures of scheduled ticks. Manual refreshes return
	// their error instead. Defaults to logging.
	OnError func(error)
}

// Handle identifies one Start call.
type Handle struct {
	generation uint64
	cancel     context.CancelFunc
	done       chan struct{}
}

// Done is closed once the polling goroutine has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Poller owns the cached list of links for one session.
type Poller struct {
	api       API
	pageLimit int
	logger    *slog.Logger
	onError   func(error)

	mu         sync.Mutex
	records    []linkapi.URLRecord
	loaded     bool
	generation uint64 // bumped by Start and Stop; guards scheduled ticks
	stops      uint64 // bumped by Stop only; guards manual refreshes and deletes
	handle     *Handle
	issued     uint64            // fetches issued so far
	tombstones map[string]uint64 // deleted code -> fetches issued before the delete was acknowledged
	qr         map[string]string
	listeners  map[int]func([]linkapi.URLRecord)
	nextID     int

	notifyMu sync.Mutex
	flight   singleflight.Group
}

// New creates a Poller with an empty cache. Nothing is fetched until Start or
// Refresh is called.
func New(cfg Config) *Poller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pageLimit := cfg.PageLimit
	if pageLimit <= 0 {
		pageLimit = DefaultPageLimit
	}

	p := &Poller{
		api:        cfg.API,
		pageLimit:  pageLimit,
		logger:     logger,
		onError:    cfg.OnError,
		tombstones: make(map[string]uint64),
		qr:         make(map[string]string),
		listeners:  make(map[int]func([]linkapi.URLRecord)),
	}
	if p.onError == nil {
		p.onError = func(err error) {
			p.logger.Warn("list refresh failed", "error", err.Error(), "error_kind", errx.KindOf(err))
		}
	}
	return p
}

// Start fetches immediately and then every interval until ctx ends or Stop is
// called. An interval of zero or less means DefaultInterval. Starting again
// stops the previous schedule first.
func (p *Poller) Start(ctx context.Context, interval time.Duration) *Handle {
	if interval <= 0 {
		interval = DefaultInterval
	}

	p.mu.Lock()
	if p.handle != nil {
		p.handle.cancel()
	}
	p.generation++
	runCtx, cancel := context.WithCancel(ctx)
	h := &Handle{generation: p.generation, cancel: cancel, done: make(chan struct{})}
	p.handle = h
	p.mu.Unlock()

	go p.run(runCtx, h, interval)
	return h
}

// Stop cancels the schedule started by h. Any fetch already in flight, scheduled
// or manual, is discarded when it arrives. Stop does not wait for the goroutine;
// use h.Done for that.
func (p *Poller) Stop(h *Handle) {
	if h == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	h.cancel()
	if p.handle == h {
		p.handle = nil
		p.generation++
		p.stops++
	}
}

// Refresh fetches now. It shares the fetch path with scheduled ticks; whichever
// response arrives last is what the cache holds. A refresh overtaken by Stop
// returns nil without touching the cache. Restarting the schedule does not
// discard it.
func (p *Poller) Refresh(ctx context.Context) error {
	const op = "poller.Poller.Refresh"

	p.mu.Lock()
	stops := p.stops
	p.mu.Unlock()

	live := func() bool { return p.stops == stops }
	if err := p.fetch(ctx, live); err != nil {
		if errors.Is(err, errStale) {
			return nil
		}
		return errx.E(op, errx.KindOf(err), err)
	}
	return nil
}

// Snapshot returns a copy of the cached list.
func (p *Poller) Snapshot() []linkapi.URLRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.records)
}

// Loaded reports whether at least one fetch has been applied.
func (p *Poller) Loaded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loaded
}

// Lookup returns the cached record for code.
func (p *Poller) Lookup(code string) (linkapi.URLRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if i := p.indexLocked(code); i >= 0 {
		return p.records[i], true
	}
	return linkapi.URLRecord{}, false
}

// OnChange registers fn to receive the new list after every cache change. The
// returned function unregisters it.
func (p *Poller) OnChange(fn func([]linkapi.URLRecord)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextID
	p.nextID++
	p.listeners[id] = fn

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.listeners, id)
	}
}

// Delete soft-deletes code on the server and, once acknowledged, removes it from
// the cache. The receipt is returned as the server sent it. On failure the cache
// is untouched.
func (p *Poller) Delete(ctx context.Context, code string) (linkapi.DeleteReceipt, error) {
	const op = "poller.Poller.Delete"

	if code == "" {
		return linkapi.DeleteReceipt{}, errx.Errorf(op, errx.Validation, "short code is required")
	}

	p.mu.Lock()
	stops := p.stops
	p.mu.Unlock()

	receipt, err := p.api.DeleteURL(ctx, code)
	if err != nil {
		return linkapi.DeleteReceipt{}, errx.E(op, errx.KindOf(err), err)
	}

	p.mu.Lock()
	if stops != p.stops {
		p.mu.Unlock()
		p.logger.Debug("skipping local removal after stop", "short_code", code)
		return receipt, nil
	}
	p.removeLocked(code)
	p.mu.Unlock()

	p.logger.Info("link deleted", "short_code", code, "backup_until", receipt.BackupUntil)
	p.notify()
	return receipt, nil
}

// Remove drops code from the cache after a delete acknowledged elsewhere, for
// example by another poller of the same session. Lists issued before the call
// cannot bring it back.
func (p *Poller) Remove(code string) {
	p.mu.Lock()
	p.removeLocked(code)
	p.mu.Unlock()

	p.notify()
}

// Upsert replaces the cached record with the same short code, or prepends rec
// when there is none. It is how accepted submissions reach the list.
func (p *Poller) Upsert(rec linkapi.URLRecord) {
	p.mu.Lock()
	delete(p.tombstones, rec.ShortCode)
	if rec.QRCode != "" {
		p.qr[rec.ShortCode] = rec.QRCode
	} else if img, ok := p.qr[rec.ShortCode]; ok {
		rec.QRCode = img
	}

	records := slices.Clone(p.records)
	if i := p.indexLocked(rec.ShortCode); i >= 0 {
		records[i] = rec
	} else {
		records = slices.Insert(records, 0, rec)
	}
	p.records = records
	p.mu.Unlock()

	p.notify()
}

// EnsureQR returns the QR image for rec. A record that already carries one, or a
// code fetched earlier in the session, costs no request. Otherwise the image is
// fetched once, however many callers ask concurrently, memoized, and patched
// into the cached record.
func (p *Poller) EnsureQR(ctx context.Context, rec linkapi.URLRecord) (string, error) {
	const op = "poller.Poller.EnsureQR"

	code := rec.ShortCode
	if code == "" {
		return "", errx.Errorf(op, errx.Validation, "short code is required")
	}

	p.mu.Lock()
	if rec.QRCode != "" {
		p.qr[code] = rec.QRCode
		p.mu.Unlock()
		return rec.QRCode, nil
	}
	if img, ok := p.qr[code]; ok {
		p.mu.Unlock()
		return img, nil
	}
	p.mu.Unlock()

	// The shared fetch ignores any one caller's cancellation; the client's
	// request timeout still bounds it.
	ch := p.flight.DoChan(code, func() (any, error) {
		img, err := p.api.QRCode(context.WithoutCancel(ctx), code)
		if err != nil {
			return "", err
		}
		if img.QRCode == "" {
			return "", errEmptyQR
		}

		p.mu.Lock()
		p.qr[code] = img.QRCode
		if i := p.indexLocked(code); i >= 0 {
			records := slices.Clone(p.records)
			records[i].QRCode = img.QRCode
			p.records = records
		}
		p.mu.Unlock()

		p.notify()
		return img.QRCode, nil
	})

	select {
	case <-ctx.Done():
		return "", errx.E(op, errx.Canceled, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			kind := errx.KindOf(res.Err)
			if errors.Is(res.Err, errEmptyQR) {
				kind = errx.Transient
			}
			return "", errx.E(op, kind, res.Err)
		}
		return res.Val.(string), nil
	}
}

func (p *Poller) run(ctx context.Context, h *Handle, interval time.Duration) {
	defer close(h.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.tick(ctx, h.generation)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx, h.generation)
		}
	}
}

func (p *Poller) tick(ctx context.Context, gen uint64) {
	err := p.fetch(ctx, func() bool { return p.generation == gen })
	if err == nil || errors.Is(err, errStale) || ctx.Err() != nil {
		return
	}
	p.onError(errx.E("poller.Poller.tick", errx.KindOf(err), err))
}

// fetch lists the first page and, if live still holds when the response
// arrives, replaces the cache with it. live is called with p.mu held.
func (p *Poller) fetch(ctx context.Context, live func() bool) error {
	p.mu.Lock()
	p.issued++
	seq := p.issued
	p.mu.Unlock()

	records, err := p.api.ListURLs(ctx, 0, p.pageLimit)

	p.mu.Lock()
	if !live() {
		p.mu.Unlock()
		p.logger.Debug("discarding list response from stopped poller")
		return errStale
	}
	if err != nil {
		p.mu.Unlock()
		return err
	}

	fresh := make([]linkapi.URLRecord, 0, len(records))
	for _, rec := range records {
		if ackedAt, ok := p.tombstones[rec.ShortCode]; ok && seq <= ackedAt {
			continue
		}
		if rec.QRCode == "" {
			rec.QRCode = p.qr[rec.ShortCode]
		} else {
			p.qr[rec.ShortCode] = rec.QRCode
		}
		fresh = append(fresh, rec)
	}
	for code, ackedAt := range p.tombstones {
		if seq > ackedAt {
			delete(p.tombstones, code)
		}
	}

	p.records = fresh
	p.loaded = true
	p.mu.Unlock()

	p.notify()
	return nil
}

func (p *Poller) notify() {
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()

	p.mu.Lock()
	snapshot := slices.Clone(p.records)
	listeners := make([]func([]linkapi.URLRecord), 0, len(p.listeners))
	for _, fn := range p.listeners {
		listeners = append(listeners, fn)
	}
	p.mu.Unlock()

	for _, fn := range listeners {
		fn(slices.Clone(snapshot))
	}
}

func (p *Poller) removeLocked(code string) {
	p.tombstones[code] = p.issued
	if i := p.indexLocked(code); i >= 0 {
		p.records = slices.Delete(slices.Clone(p.records), i, i+1)
	}
}

func (p *Poller) indexLocked(code string) int {
	return slices.IndexFunc(p.records, func(r linkapi.URLRecord) bool {
		return r.ShortCode == code
	})
}
