// Package session owns everything that lives for one signed-in user: the API
// client and its cookies, the submission reconciler, the link list and analytics
// pollers. Closing the session stops all of it, so nothing from one user's
// session can write into the next.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sundayezeilo/linkconsole/internal/analytics"
	"github.com/sundayezeilo/linkconsole/internal/clock"
	"github.com/sundayezeilo/linkconsole/internal/errx"
	"github.com/sundayezeilo/linkconsole/internal/linkapi"
	"github.com/sundayezeilo/linkconsole/internal/poller"
	"github.com/sundayezeilo/linkconsole/internal/reconcile"
)

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("session is closed")

// Config holds configuration for a session.
type Config struct {
	Client           linkapi.ClientConfig
	ListPageLimit    int // links view (default: 100)
	TargetsPageLimit int // analytics picker (default: 1000)
	Clock            clock.Clock
	Logger           *slog.Logger

	// OnListError receives failed background refreshes of either list.
	OnListError func(error)
}

// Session is one user's console state.
type Session struct {
	Client     *linkapi.Client
	Reconciler *reconcile.Reconciler
	List       *poller.Poller
	Targets    *poller.Poller
	Analytics  *analytics.Aggregator

	logger *slog.Logger

	mu      sync.Mutex
	user    *linkapi.User
	handles []*poller.Handle
	closed  bool
}

// New builds a signed-out session. Nothing is fetched until the caller logs in
// or starts polling.
func New(cfg Config) (*Session, error) {
	const op = "session.New"

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Client.Logger == nil {
		cfg.Client.Logger = logger
	}

	client, err := linkapi.NewClient(cfg.Client)
	if err != nil {
		return nil, errx.E(op, errx.KindOf(err), err)
	}

	targetsLimit := cfg.TargetsPageLimit
	if targetsLimit <= 0 {
		targetsLimit = 1000
	}

	list := poller.New(poller.Config{
		API:       client,
		PageLimit: cfg.ListPageLimit,
		Logger:    logger.With("component", "list"),
		OnError:   cfg.OnListError,
	})
	targets := poller.New(poller.Config{
		API:       client,
		PageLimit: targetsLimit,
		Logger:    logger.With("component", "targets"),
		OnError:   cfg.OnListError,
	})

	return &Session{
		Client: client,
		Reconciler: reconcile.NewReconciler(reconcile.Config{
			API:    client,
			Cache:  fanout{list, targets},
			Clock:  cfg.Clock,
			Logger: logger.With("component", "reconciler"),
		}),
		List:    list,
		Targets: targets,
		Analytics: analytics.New(analytics.Config{
			API:    client,
			Lister: targets,
			Logger: logger.With("component", "analytics"),
		}),
		logger: logger,
	}, nil
}

// Register creates an account. It does not sign in.
func (s *Session) Register(ctx context.Context, reg linkapi.Registration) (linkapi.AuthResult, error) {
	if s.isClosed() {
		return linkapi.AuthResult{}, ErrClosed
	}
	return s.Client.Register(ctx, reg)
}

// Login signs in. A rejected login is reported in the result with a nil error.
func (s *Session) Login(ctx context.Context, creds linkapi.Credentials) (linkapi.AuthResult, error) {
	if s.isClosed() {
		return linkapi.AuthResult{}, ErrClosed
	}

	res, err := s.Client.Login(ctx, creds)
	if err != nil || !res.Success {
		return res, err
	}

	s.mu.Lock()
	s.user = res.User
	s.mu.Unlock()

	s.logger.Info("signed in", "user_id", res.User.ID)
	return res, nil
}

// User returns the signed-in user, or nil.
func (s *Session) User() *linkapi.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// Whoami asks the server who the session belongs to.
func (s *Session) Whoami(ctx context.Context) (linkapi.User, error) {
	const op = "session.Session.Whoami"

	if s.isClosed() {
		return linkapi.User{}, errx.E(op, errx.Canceled, ErrClosed)
	}
	u, err := s.Client.Me(ctx)
	if err != nil {
		return linkapi.User{}, errx.E(op, errx.KindOf(err), err)
	}

	s.mu.Lock()
	s.user = &u
	s.mu.Unlock()
	return u, nil
}

// Delete soft-deletes code and, once the server acknowledges it, drops it from
// both the link list and the analytics picker.
func (s *Session) Delete(ctx context.Context, code string) (linkapi.DeleteReceipt, error) {
	const op = "session.Session.Delete"

	if s.isClosed() {
		return linkapi.DeleteReceipt{}, errx.E(op, errx.Canceled, ErrClosed)
	}
	receipt, err := s.List.Delete(ctx, code)
	if err != nil {
		return linkapi.DeleteReceipt{}, errx.E(op, errx.KindOf(err), err)
	}
	s.Targets.Remove(code)
	return receipt, nil
}

// StartPolling starts background refresh of both lists. Calling it again
// restarts them with the new interval.
func (s *Session) StartPolling(ctx context.Context, interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	s.handles = []*poller.Handle{
		s.List.Start(ctx, interval),
		s.Targets.Start(ctx, interval),
	}
	return nil
}

// StopPolling stops background refresh. Fetches already in flight are discarded.
func (s *Session) StopPolling() {
	s.mu.Lock()
	handles := s.handles
	s.handles = nil
	s.mu.Unlock()

	s.List.Stop(handleAt(handles, 0))
	s.Targets.Stop(handleAt(handles, 1))
}

// Close tears the session down: polling stops, any outstanding submission is
// abandoned, and a signed-in user is logged out. Close is idempotent; only the
// first call talks to the server.
func (s *Session) Close(ctx context.Context) error {
	const op = "session.Session.Close"

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	user := s.user
	s.user = nil
	s.mu.Unlock()

	s.StopPolling()
	s.Reconciler.Reset()

	if user == nil {
		return nil
	}
	if err := s.Client.Logout(ctx); err != nil {
		return errx.E(op, errx.KindOf(err), err)
	}
	s.logger.Info("signed out", "user_id", user.ID)
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func handleAt(hs []*poller.Handle, i int) *poller.Handle {
	if i < len(hs) {
		return hs[i]
	}
	return nil
}

// fanout hands an accepted record to every list the session shows.
type fanout []reconcile.CacheWriter

func (f fanout) Upsert(rec linkapi.URLRecord) {
	for _, w := range f {
		w.Upsert(rec)
	}
}
