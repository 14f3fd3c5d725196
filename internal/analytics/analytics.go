// Package analytics fetches per-link click reports and turns them into the
// summary a console displays.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/mssola/user_agent"

	"github.com/sundayezeilo/linkconsole/internal/errx"
	"github.com/sundayezeilo/linkconsole/internal/linkapi"
)

const (
	// DirectReferer is what the server reports when a click had no referer.
	DirectReferer = "Direct"
	DirectAccess  = "Direct access"

	unknownDevice = "Unknown"

	targetURLWidth = 50
	dateLayout     = "2006-01-02"
)

// API is the part of the link API the aggregator calls.
type API interface {
	Analytics(ctx context.Context, code string) (linkapi.AnalyticsReport, error)
}

// Lister is the cached link list the aggregator picks targets from.
type Lister interface {
	Snapshot() []linkapi.URLRecord
	Refresh(ctx context.Context) error
}

// Target is one selectable link.
type Target struct {
	ShortCode  string
	URL        string // original URL, truncated for display
	ClickCount int64
}

func (t Target) String() string {
	return fmt.Sprintf("%s → %s (%d clicks)", t.ShortCode, t.URL, t.ClickCount)
}

// DayCount is one row of the daily summary.
type DayCount struct {
	Date   string `json:"date"`
	Clicks int64  `json:"clicks"`
}

// Event is a click event prepared for display.
type Event struct {
	Ordinal   int       `json:"ordinal"` // 1 is the oldest event
	Timestamp time.Time `json:"timestamp,omitzero"`
	Date      string    `json:"date"`
	Time      string    `json:"time"`
	Referer   string    `json:"referer"`
	Device    string    `json:"device"`
}

// Summary is a report in display form.
type Summary struct {
	ShortCode   string     `json:"short_code"`
	TotalClicks int64      `json:"total_clicks"`
	EventsLabel string     `json:"events_label"`
	Days        []DayCount `json:"days"`   // newest date first
	Events      []Event    `json:"events"` // newest first, as delivered
}

// Summarize derives the display form of report. It makes no calls.
func Summarize(report linkapi.AnalyticsReport) Summary {
	n := len(report.ClickHistory)

	events := make([]Event, n)
	for i, ev := range report.ClickHistory {
		events[i] = Event{
			Ordinal:   n - i,
			Timestamp: ev.Timestamp.Time,
			Date:      ev.Date,
			Time:      ev.Time,
			Referer:   Referer(ev.Referer),
			Device:    Device(ev.UserAgent),
		}
	}

	daily := report.DailySummary
	if len(daily) == 0 {
		daily = bucketByDate(report.ClickHistory)
	}

	days := make([]DayCount, 0, len(daily))
	for _, date := range slices.Sorted(maps.Keys(daily)) {
		days = append(days, DayCount{Date: date, Clicks: daily[date]})
	}
	slices.Reverse(days)

	return Summary{
		ShortCode:   report.ShortCode,
		TotalClicks: report.TotalClicks,
		EventsLabel: fmt.Sprintf("%d events tracked", n),
		Days:        days,
		Events:      events,
	}
}

func bucketByDate(events []linkapi.ClickEvent) map[string]int64 {
	out := make(map[string]int64)
	for _, ev := range events {
		date := ev.Date
		if date == "" && !ev.Timestamp.IsZero() {
			date = ev.Timestamp.UTC().Format(dateLayout)
		}
		if date == "" {
			continue
		}
		out[date]++
	}
	return out
}

// Referer renders a referer for display. An empty referer and the server's
// "Direct" marker both mean the visitor came without one.
func Referer(r string) string {
	if r == "" || r == DirectReferer {
		return DirectAccess
	}
	return r
}

// Device labels a user agent as "<browser> on <os>", or "Unknown" when there is
// nothing to parse. The server reports a missing agent as "Unknown".
func Device(ua string) string {
	ua = strings.TrimSpace(ua)
	if ua == "" || strings.EqualFold(ua, unknownDevice) {
		return unknownDevice
	}

	parsed := user_agent.New(ua)
	browser, _ := parsed.Browser()
	os := parsed.OS()

	label := browser
	switch {
	case label == "" && os == "":
		return unknownDevice
	case label == "":
		label = os
	case os != "":
		label += " on " + os
	}

	if parsed.Bot() {
		label += " (bot)"
	} else if parsed.Mobile() {
		label += " (mobile)"
	}
	return label
}

// Config holds configuration for the aggregator.
type Config struct {
	API    API
	Lister Lister
	Logger *slog.Logger
}

// Aggregator tracks the selected link and fetches its report on request.
type Aggregator struct {
	api    API
	lister Lister
	logger *slog.Logger

	mu       sync.Mutex
	selected string
	seq      uint64
}

// New creates an Aggregator with nothing selected.
func New(cfg Config) *Aggregator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		api:    cfg.API,
		lister: cfg.Lister,
		logger: logger,
	}
}

// Targets lists the links that can be selected, from the cached list.
func (a *Aggregator) Targets() []Target {
	records := a.lister.Snapshot()
	out := make([]Target, len(records))
	for i, r := range records {
		out[i] = Target{
			ShortCode:  r.ShortCode,
			URL:        truncate(r.OriginalURL, targetURLWidth),
			ClickCount: r.ClickCount,
		}
	}
	return out
}

// Select changes the selected link. It never fetches.
func (a *Aggregator) Select(code string) error {
	const op = "analytics.Aggregator.Select"

	code = strings.TrimSpace(code)
	if code == "" {
		return errx.Errorf(op, errx.Validation, "short code is required")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if code != a.selected {
		a.selected = code
		a.seq++
	}
	return nil
}

// Selected returns the selected short code, or "".
func (a *Aggregator) Selected() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.selected
}

// Query fetches the selected link's report and then refreshes the list so
// click counts catch up. A failed list refresh is logged, not returned. If the
// selection changes while the report is in flight, the result is discarded.
func (a *Aggregator) Query(ctx context.Context) (Summary, error) {
	const op = "analytics.Aggregator.Query"

	a.mu.Lock()
	code, seq := a.selected, a.seq
	a.mu.Unlock()

	if code == "" {
		return Summary{}, errx.Errorf(op, errx.Validation, "select a link first")
	}

	report, err := a.FetchReport(ctx, code)
	if err != nil {
		return Summary{}, errx.E(op, errx.KindOf(err), err)
	}

	a.mu.Lock()
	stale := seq != a.seq
	a.mu.Unlock()
	if stale {
		return Summary{}, errx.Errorf(op, errx.Canceled, "selection changed to another link")
	}

	if a.lister != nil {
		if err := a.lister.Refresh(ctx); err != nil {
			a.logger.Warn("list refresh after analytics failed", "short_code", code, "error", err.Error())
		}
	}

	return Summarize(report), nil
}

// FetchReport fetches the raw report for code. An unknown code is NotFound;
// other failures are Transient.
func (a *Aggregator) FetchReport(ctx context.Context, code string) (linkapi.AnalyticsReport, error) {
	const op = "analytics.Aggregator.FetchReport"

	if code == "" {
		return linkapi.AnalyticsReport{}, errx.Errorf(op, errx.Validation, "short code is required")
	}

	report, err := a.api.Analytics(ctx, code)
	if err != nil {
		kind := errx.KindOf(err)
		if kind != errx.NotFound && kind != errx.Canceled {
			kind = errx.Transient
		}
		return linkapi.AnalyticsReport{}, errx.E(op, kind, err)
	}

	a.logger.Debug("analytics fetched", "short_code", code, "events", len(report.ClickHistory))
	return report, nil
}

func truncate(s string, width int) string {
	if utf8.RuneCountInString(s) <= width {
		return s
	}
	r := []rune(s)
	return string(r[:width]) + "..."
}
