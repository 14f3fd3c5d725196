package stubapi

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/sundayezeilo/linkconsole/internal/clock"
	"github.com/sundayezeilo/linkconsole/internal/errx"
	"github.com/sundayezeilo/linkconsole/internal/linkapi"
	"github.com/sundayezeilo/linkconsole/sluggen"
)

const (
	DefaultBackupRetention = 48 * time.Hour
	DefaultShortURLBase    = "http://localhost:8080"
	DefaultQRSize          = 256

	// MaxAnalyticsEvents caps the click history in one report.
	MaxAnalyticsEvents = 100

	maxCodeRetries = 5
)

var codePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,10}$`)

type user struct {
	id           int64
	name         string
	email        string
	passwordHash []byte
	createdAt    time.Time
}

func (u *user) profile() linkapi.User {
	return linkapi.User{
		ID:        u.id,
		Name:      u.name,
		Email:     u.email,
		CreatedAt: linkapi.Timestamp{Time: u.createdAt},
	}
}

type link struct {
	id          int64
	userID      int64
	originalURL string
	code        string
	createdAt   time.Time
	expiresAt   time.Time
	active      bool
	clickCount  int64
	deletedAt   time.Time
	backupUntil time.Time
	qr          string
}

type click struct {
	at        time.Time
	userAgent string
	referer   string
}

// StoreConfig holds configuration for the store.
type StoreConfig struct {
	Clock           clock.Clock
	Codes           sluggen.Generator
	QR              QRRenderer
	BackupRetention time.Duration // how long a deleted link can be reused (default: 48h)
	ShortURLBase    string        // prefix of short_url values (default: http://localhost:8080)
	BcryptCost      int           // default: bcrypt.DefaultCost
}

// Store is the in-memory system of record behind the stub API. All methods are
// safe for concurrent use.
type Store struct {
	clock     clock.Clock
	codes     sluggen.Generator
	qr        QRRenderer
	retention time.Duration
	base      string
	cost      int

	mu       sync.RWMutex
	users    map[int64]*user
	byEmail  map[string]*user
	links    map[string]*link // by short code
	clicks   map[string][]click
	nextUser int64
	nextLink int64
}

// NewStore creates an empty store.
func NewStore(cfg StoreConfig) *Store {
	s := &Store{
		clock:     cfg.Clock,
		codes:     cfg.Codes,
		qr:        cfg.QR,
		retention: cfg.BackupRetention,
		base:      strings.TrimRight(cfg.ShortURLBase, "/"),
		cost:      cfg.BcryptCost,
		users:     make(map[int64]*user),
		byEmail:   make(map[string]*user),
		links:     make(map[string]*link),
		clicks:    make(map[string][]click),
	}
	if s.clock == nil {
		s.clock = clock.Real{}
	}
	if s.codes == nil {
		s.codes = sluggen.NewBase62()
	}
	if s.qr == nil {
		s.qr = PNGRenderer{Size: DefaultQRSize}
	}
	if s.retention <= 0 {
		s.retention = DefaultBackupRetention
	}
	if s.base == "" {
		s.base = DefaultShortURLBase
	}
	if s.cost == 0 {
		s.cost = bcrypt.DefaultCost
	}
	return s
}

/*** Users ***/

// CreateUser registers an account.
func (s *Store) CreateUser(ctx context.Context, reg linkapi.Registration) (linkapi.User, error) {
	const op = "stubapi.Store.CreateUser"

	if err := ctx.Err(); err != nil {
		return linkapi.User{}, errx.E(op, errx.Canceled, err)
	}

	name := strings.TrimSpace(reg.Name)
	email := normalizeEmail(reg.Email)
	if name == "" {
		return linkapi.User{}, errx.Errorf(op, errx.Validation, "name is required")
	}
	if _, err := mail.ParseAddress(email); err != nil || email == "" {
		return linkapi.User{}, errx.Errorf(op, errx.Validation, "value is not a valid email address")
	}
	if reg.Password == "" {
		return linkapi.User{}, errx.Errorf(op, errx.Validation, "password is required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(reg.Password), s.cost)
	if err != nil {
		return linkapi.User{}, errx.E(op, errx.Validation, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byEmail[email]; ok {
		return linkapi.User{}, errx.Errorf(op, errx.Conflict, "This email is already registered")
	}

	s.nextUser++
	u := &user{
		id:           s.nextUser,
		name:         name,
		email:        email,
		passwordHash: hash,
		createdAt:    s.clock.Now(),
	}
	s.users[u.id] = u
	s.byEmail[email] = u
	return u.profile(), nil
}

// Authenticate checks credentials and returns the account.
func (s *Store) Authenticate(ctx context.Context, creds linkapi.Credentials) (linkapi.User, error) {
	const op = "stubapi.Store.Authenticate"

	if err := ctx.Err(); err != nil {
		return linkapi.User{}, errx.E(op, errx.Canceled, err)
	}

	s.mu.RLock()
	u, ok := s.byEmail[normalizeEmail(creds.Email)]
	s.mu.RUnlock()

	if !ok {
		return linkapi.User{}, errx.Errorf(op, errx.Unauthorized, "Account not found. Please check your email or register first.")
	}
	if err := bcrypt.CompareHashAndPassword(u.passwordHash, []byte(creds.Password)); err != nil {
		return linkapi.User{}, errx.Errorf(op, errx.Unauthorized, "Invalid password. Please try again.")
	}
	return u.profile(), nil
}

// User returns the account with the given ID.
func (s *Store) User(ctx context.Context, id int64) (linkapi.User, error) {
	const op = "stubapi.Store.User"

	if err := ctx.Err(); err != nil {
		return linkapi.User{}, errx.E(op, errx.Canceled, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return linkapi.User{}, errx.Errorf(op, errx.Unauthorized, "User account not found or inactive")
	}
	return u.profile(), nil
}

/*** Links ***/

// Check reports whether userID already has rawURL, and whether that link is in
// its deleted backup period.
func (s *Store) Check(ctx context.Context, userID int64, rawURL string) (linkapi.ExistenceCheck, error) {
	const op = "stubapi.Store.Check"

	if err := ctx.Err(); err != nil {
		return linkapi.ExistenceCheck{}, errx.E(op, errx.Canceled, err)
	}
	if err := validateTarget(rawURL); err != nil {
		return linkapi.ExistenceCheck{}, errx.E(op, errx.Validation, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked()

	if l := s.findLocked(userID, rawURL, true); l != nil {
		return linkapi.ExistenceCheck{Exists: true, ShortCode: l.code, Message: "URL already exists"}, nil
	}
	if l := s.findLocked(userID, rawURL, false); l != nil {
		return linkapi.ExistenceCheck{Exists: true, IsDeleted: true, ShortCode: l.code, Message: "URL was previously deleted"}, nil
	}
	return linkapi.ExistenceCheck{Message: "URL is new"}, nil
}

// Shorten creates or resolves a link for userID:
//   - an active link for the same URL is returned unchanged;
//   - with UseExistingCode, a deleted link for the URL is reactivated with its
//     code and click count, and CustomCode is ignored;
//   - without a custom code, a deleted link for the URL is returned inactive so
//     the caller can choose between reusing it and creating a new one;
//   - otherwise a new link is created under the custom or a generated code.
func (s *Store) Shorten(ctx context.Context, userID int64, req linkapi.SubmissionRequest) (linkapi.URLRecord, error) {
	const op = "stubapi.Store.Shorten"

	if err := ctx.Err(); err != nil {
		return linkapi.URLRecord{}, errx.E(op, errx.Canceled, err)
	}
	if err := validateTarget(req.URL); err != nil {
		return linkapi.URLRecord{}, errx.E(op, errx.Validation, err)
	}
	if req.CustomCode != "" && !codePattern.MatchString(req.CustomCode) {
		return linkapi.URLRecord{}, errx.Errorf(op, errx.Validation,
			"Custom code must be at most 10 letters, digits, '_' or '-'")
	}
	if req.ExpiresInDays < 0 || req.ExpiresInDays > 365 {
		return linkapi.URLRecord{}, errx.Errorf(op, errx.Validation, "expires_in_days must be between 1 and 365")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked()

	now := s.clock.Now()

	if active := s.findLocked(userID, req.URL, true); active != nil {
		return s.recordLocked(active), nil
	}

	if deleted := s.findLocked(userID, req.URL, false); deleted != nil {
		switch {
		case req.UseExistingCode:
			deleted.active = true
			deleted.deletedAt = time.Time{}
			deleted.backupUntil = time.Time{}
			if req.ExpiresInDays > 0 {
				deleted.expiresAt = now.AddDate(0, 0, req.ExpiresInDays)
			}
			return s.recordLocked(deleted), nil
		case req.CustomCode == "":
			return s.recordLocked(deleted), nil
		}
	}

	code := req.CustomCode
	if code != "" {
		if l, ok := s.links[code]; ok && l.active {
			return linkapi.URLRecord{}, errx.Errorf(op, errx.Conflict, "Short code '%s' is already taken", code)
		}
	} else {
		var err error
		if code, err = s.freeCodeLocked(); err != nil {
			return linkapi.URLRecord{}, errx.E(op, errx.Transient, err)
		}
	}

	// A code held only by a deleted link is released to the new one.
	s.dropLocked(code)

	s.nextLink++
	l := &link{
		id:          s.nextLink,
		userID:      userID,
		originalURL: req.URL,
		code:        code,
		createdAt:   now,
		active:      true,
	}
	if req.ExpiresInDays > 0 {
		l.expiresAt = now.AddDate(0, 0, req.ExpiresInDays)
	}
	s.links[code] = l
	return s.recordLocked(l), nil
}

// List returns userID's active links, newest first.
func (s *Store) List(ctx context.Context, userID int64, skip, limit int) ([]linkapi.URLRecord, error) {
	const op = "stubapi.Store.List"

	if err := ctx.Err(); err != nil {
		return nil, errx.E(op, errx.Canceled, err)
	}
	if skip < 0 || limit < 0 {
		return nil, errx.Errorf(op, errx.Validation, "skip and limit must not be negative")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked()

	var owned []*link
	for _, l := range s.links {
		if l.userID == userID && l.active {
			owned = append(owned, l)
		}
	}
	slices.SortFunc(owned, func(a, b *link) int {
		if c := b.createdAt.Compare(a.createdAt); c != 0 {
			return c
		}
		return int(b.id - a.id)
	})

	if skip >= len(owned) {
		return []linkapi.URLRecord{}, nil
	}
	owned = owned[skip:min(len(owned), skip+limit)]

	out := make([]linkapi.URLRecord, len(owned))
	for i, l := range owned {
		out[i] = s.recordLocked(l)
	}
	return out, nil
}

// Delete soft-deletes userID's active link. It stays reusable until the
// returned backup time.
func (s *Store) Delete(ctx context.Context, userID int64, code string) (linkapi.DeleteReceipt, error) {
	const op = "stubapi.Store.Delete"

	if err := ctx.Err(); err != nil {
		return linkapi.DeleteReceipt{}, errx.E(op, errx.Canceled, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked()

	l, ok := s.links[code]
	if !ok || !l.active || l.userID != userID {
		return linkapi.DeleteReceipt{}, errx.Errorf(op, errx.NotFound, "URL not found")
	}

	now := s.clock.Now()
	l.active = false
	l.deletedAt = now
	l.backupUntil = now.Add(s.retention)

	return linkapi.DeleteReceipt{
		Message:     "URL deleted successfully",
		BackupUntil: l.backupUntil.Format(time.RFC3339),
		Note:        "URL will be permanently removed after " + humanDuration(s.retention),
	}, nil
}

// Analytics returns the click report for one of userID's links, deleted or not.
func (s *Store) Analytics(ctx context.Context, userID int64, code string) (linkapi.AnalyticsReport, error) {
	const op = "stubapi.Store.Analytics"

	if err := ctx.Err(); err != nil {
		return linkapi.AnalyticsReport{}, errx.E(op, errx.Canceled, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked()

	l, ok := s.links[code]
	if !ok || l.userID != userID {
		return linkapi.AnalyticsReport{}, errx.Errorf(op, errx.NotFound, "URL not found")
	}

	clicks := s.clicks[code]
	history := make([]linkapi.ClickEvent, 0, min(len(clicks), MaxAnalyticsEvents))
	for i := len(clicks) - 1; i >= 0 && len(history) < MaxAnalyticsEvents; i-- {
		c := clicks[i]
		ev := linkapi.ClickEvent{
			Timestamp: linkapi.Timestamp{Time: c.at},
			Date:      c.at.Format("2006-01-02"),
			Time:      c.at.Format("15:04:05"),
			Referer:   c.referer,
			UserAgent: c.userAgent,
		}
		if ev.Referer == "" {
			ev.Referer = "Direct"
		}
		if ev.UserAgent == "" {
			ev.UserAgent = "Unknown"
		}
		history = append(history, ev)
	}

	return linkapi.AnalyticsReport{
		ShortCode:    code,
		TotalClicks:  l.clickCount,
		ClickHistory: history,
	}, nil
}

// QR returns the QR image for an active link, rendering it on first request.
func (s *Store) QR(ctx context.Context, code string) (linkapi.QRImage, error) {
	const op = "stubapi.Store.QR"

	if err := ctx.Err(); err != nil {
		return linkapi.QRImage{}, errx.E(op, errx.Canceled, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.links[code]
	if !ok || !l.active {
		return linkapi.QRImage{}, errx.Errorf(op, errx.NotFound, "URL not found")
	}

	shortURL := s.shortURL(code)
	if l.qr == "" {
		png, err := s.qr.Render(shortURL)
		if err != nil {
			return linkapi.QRImage{}, errx.E(op, errx.Transient, fmt.Errorf("render QR code: %w", err))
		}
		l.qr = linkapi.EncodeQR(png)
	}

	return linkapi.QRImage{ShortCode: code, QRCode: l.qr, ShortURL: shortURL}, nil
}

// RecordClick counts a visit to an active, unexpired link.
func (s *Store) RecordClick(ctx context.Context, code, userAgent, referer string) error {
	const op = "stubapi.Store.RecordClick"

	if err := ctx.Err(); err != nil {
		return errx.E(op, errx.Canceled, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.links[code]
	if !ok || !l.active {
		return errx.Errorf(op, errx.NotFound, "Short URL not found")
	}
	now := s.clock.Now()
	if !l.expiresAt.IsZero() && l.expiresAt.Before(now) {
		return errx.Errorf(op, errx.NotFound, "This URL has expired")
	}

	l.clickCount++
	s.clicks[code] = append(s.clicks[code], click{at: now, userAgent: userAgent, referer: referer})
	return nil
}

// findLocked returns userID's link for rawURL in the given state. Among
// deleted links the most recently deleted wins.
func (s *Store) findLocked(userID int64, rawURL string, active bool) *link {
	var found *link
	for _, l := range s.links {
		if l.userID != userID || l.originalURL != rawURL || l.active != active {
			continue
		}
		if found == nil || l.deletedAt.After(found.deletedAt) {
			found = l
		}
	}
	return found
}

// purgeLocked permanently removes deleted links whose backup period is over.
func (s *Store) purgeLocked() {
	now := s.clock.Now()
	for code, l := range s.links {
		if !l.active && !l.backupUntil.IsZero() && !now.Before(l.backupUntil) {
			delete(s.links, code)
			delete(s.clicks, code)
		}
	}
}

func (s *Store) dropLocked(code string) {
	if l, ok := s.links[code]; ok && !l.active {
		delete(s.links, code)
		delete(s.clicks, code)
	}
}

func (s *Store) freeCodeLocked() (string, error) {
	for range maxCodeRetries {
		code, err := s.codes.Generate(sluggen.DefaultLength)
		if err != nil {
			return "", err
		}
		if l, ok := s.links[code]; !ok || !l.active {
			return code, nil
		}
	}
	return "", errors.New("could not generate a unique short code")
}

func (s *Store) recordLocked(l *link) linkapi.URLRecord {
	return linkapi.URLRecord{
		ID:          l.id,
		ShortCode:   l.code,
		OriginalURL: l.originalURL,
		ShortURL:    s.shortURL(l.code),
		CreatedAt:   linkapi.Timestamp{Time: l.createdAt},
		ExpiresAt:   linkapi.Timestamp{Time: l.expiresAt},
		ClickCount:  l.clickCount,
		IsActive:    l.active,
		QRCode:      l.qr,
	}
}

func (s *Store) shortURL(code string) string {
	return s.base + "/" + code
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func humanDuration(d time.Duration) string {
	days := int(d / (24 * time.Hour))
	switch {
	case d%(24*time.Hour) != 0 || days == 0:
		return d.String()
	case days == 1:
		return "1 day"
	default:
		return fmt.Sprintf("%d days", days)
	}
}

func validateTarget(rawURL string) error {
	if rawURL == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil || !u.IsAbs() || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return errors.New("Invalid URL format")
	}
	return nil
}
