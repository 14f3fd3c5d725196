package stubapi

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/sundayezeilo/linkconsole/internal/clock"
	"github.com/sundayezeilo/linkconsole/internal/errx"
	"github.com/sundayezeilo/linkconsole/internal/linkapi"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

/*** Mocks ***/

type seqCodes struct {
	codes []string
	i     int
}

func (g *seqCodes) Generate(int) (string, error) {
	if g.i >= len(g.codes) {
		return "", errors.New("out of codes")
	}
	c := g.codes[g.i]
	g.i++
	return c, nil
}

type countingRenderer struct{ calls int }

func (r *countingRenderer) Render(content string) ([]byte, error) {
	r.calls++
	return []byte("png:" + content), nil
}

type storeFixture struct {
	store *Store
	clock *clock.Mock
	qr    *countingRenderer
	user  int64
}

func newStoreFixture(t *testing.T, codes ...string) *storeFixture {
	t.Helper()

	f := &storeFixture{clock: clock.NewMock(epoch), qr: &countingRenderer{}}
	f.store = NewStore(StoreConfig{
		Clock:      f.clock,
		Codes:      &seqCodes{codes: codes},
		QR:         f.qr,
		BcryptCost: bcrypt.MinCost,
	})

	u, err := f.store.CreateUser(context.Background(), linkapi.Registration{
		Name: "Ada", Email: "ada@example.com", Password: "secret",
	})
	require.NoError(t, err)
	f.user = u.ID
	return f
}

func (f *storeFixture) shorten(t *testing.T, req linkapi.SubmissionRequest) linkapi.URLRecord {
	t.Helper()
	rec, err := f.store.Shorten(context.Background(), f.user, req)
	require.NoError(t, err)
	return rec
}

/*** Users ***/

func TestStore_Users(t *testing.T) {
	ctx := context.Background()
	f := newStoreFixture(t)

	_, err := f.store.CreateUser(ctx, linkapi.Registration{Name: "Ada", Email: " ADA@example.com ", Password: "x"})
	assert.True(t, errx.Is(err, errx.Conflict))
	assert.Equal(t, "This email is already registered", errx.Message(err))

	_, err = f.store.CreateUser(ctx, linkapi.Registration{Name: "Bob", Email: "not-an-email", Password: "x"})
	assert.True(t, errx.Is(err, errx.Validation))

	u, err := f.store.Authenticate(ctx, linkapi.Credentials{Email: "ada@example.com", Password: "secret"})
	require.NoError(t, err)
	assert.Equal(t, f.user, u.ID)
	assert.Equal(t, "Ada", u.Name)

	_, err = f.store.Authenticate(ctx, linkapi.Credentials{Email: "ada@example.com", Password: "wrong"})
	assert.True(t, errx.Is(err, errx.Unauthorized))
	assert.Equal(t, "Invalid password. Please try again.", errx.Message(err))

	_, err = f.store.Authenticate(ctx, linkapi.Credentials{Email: "nobody@example.com", Password: "secret"})
	assert.True(t, errx.Is(err, errx.Unauthorized))

	_, err = f.store.User(ctx, 999)
	assert.True(t, errx.Is(err, errx.Unauthorized))
}

/*** Shorten ***/

func TestStore_Shorten_NewAndDuplicate(t *testing.T) {
	f := newStoreFixture(t, "abc123", "zzz999")

	rec := f.shorten(t, linkapi.SubmissionRequest{URL: "https://example.com/a"})
	assert.Equal(t, "abc123", rec.ShortCode)
	assert.True(t, rec.IsActive)
	assert.Equal(t, "http://localhost:8080/abc123", rec.ShortURL)
	assert.True(t, rec.ExpiresAt.IsZero())

	again := f.shorten(t, linkapi.SubmissionRequest{URL: "https://example.com/a", CustomCode: "other"})
	assert.Equal(t, rec, again, "active duplicate is returned as-is")
}

func TestStore_Shorten_Expiry(t *testing.T) {
	f := newStoreFixture(t, "abc123")

	rec := f.shorten(t, linkapi.SubmissionRequest{URL: "https://example.com/a", ExpiresInDays: 7})
	assert.Equal(t, epoch.AddDate(0, 0, 7), rec.ExpiresAt.Time)
}

func TestStore_Shorten_Validation(t *testing.T) {
	f := newStoreFixture(t)

	tests := []linkapi.SubmissionRequest{
		{URL: ""},
		{URL: "ftp://example.com"},
		{URL: "https://example.com", CustomCode: "way-too-long-code"},
		{URL: "https://example.com", CustomCode: "bad code"},
		{URL: "https://example.com", ExpiresInDays: 400},
	}
	for _, req := range tests {
		_, err := f.store.Shorten(context.Background(), f.user, req)
		assert.True(t, errx.Is(err, errx.Validation), "%+v", req)
	}
}

func TestStore_Shorten_CustomCodeTaken(t *testing.T) {
	f := newStoreFixture(t)

	f.shorten(t, linkapi.SubmissionRequest{URL: "https://example.com/a", CustomCode: "promo"})

	_, err := f.store.Shorten(context.Background(), f.user,
		linkapi.SubmissionRequest{URL: "https://example.com/b", CustomCode: "promo"})
	require.Error(t, err)
	assert.True(t, errx.Is(err, errx.Conflict))
	assert.Equal(t, "Short code 'promo' is already taken", errx.Message(err))
}

func TestStore_Shorten_SoftDeletedNeedsDecision(t *testing.T) {
	ctx := context.Background()
	f := newStoreFixture(t, "abc123", "fresh1")

	orig := f.shorten(t, linkapi.SubmissionRequest{URL: "https://example.com/a"})
	require.NoError(t, f.store.RecordClick(ctx, orig.ShortCode, "ua", ""))
	_, err := f.store.Delete(ctx, f.user, orig.ShortCode)
	require.NoError(t, err)

	check, err := f.store.Check(ctx, f.user, "https://example.com/a")
	require.NoError(t, err)
	assert.Equal(t, linkapi.ExistenceCheck{Exists: true, IsDeleted: true, ShortCode: "abc123", Message: "URL was previously deleted"}, check)

	pending := f.shorten(t, linkapi.SubmissionRequest{URL: "https://example.com/a"})
	assert.False(t, pending.IsActive)
	assert.Equal(t, "abc123", pending.ShortCode)

	t.Run("reuse reactivates and keeps clicks", func(t *testing.T) {
		rec := f.shorten(t, linkapi.SubmissionRequest{
			URL: "https://example.com/a", UseExistingCode: true, CustomCode: "ignored",
		})
		assert.True(t, rec.IsActive)
		assert.Equal(t, "abc123", rec.ShortCode)
		assert.Equal(t, int64(1), rec.ClickCount)
		assert.Equal(t, orig.ID, rec.ID)
	})
}

func TestStore_Shorten_CreateNewAfterDelete(t *testing.T) {
	ctx := context.Background()
	f := newStoreFixture(t, "abc123")

	f.shorten(t, linkapi.SubmissionRequest{URL: "https://example.com/a"})
	_, err := f.store.Delete(ctx, f.user, "abc123")
	require.NoError(t, err)

	rec := f.shorten(t, linkapi.SubmissionRequest{URL: "https://example.com/a", CustomCode: "new_0042"})
	assert.True(t, rec.IsActive)
	assert.Equal(t, "new_0042", rec.ShortCode)
	assert.Zero(t, rec.ClickCount)

	list, err := f.store.List(ctx, f.user, 0, 100)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "new_0042", list[0].ShortCode)
}

func TestStore_Shorten_DeletedCodeIsReleased(t *testing.T) {
	ctx := context.Background()
	f := newStoreFixture(t)

	f.shorten(t, linkapi.SubmissionRequest{URL: "https://example.com/a", CustomCode: "promo"})
	_, err := f.store.Delete(ctx, f.user, "promo")
	require.NoError(t, err)

	rec := f.shorten(t, linkapi.SubmissionRequest{URL: "https://example.com/b", CustomCode: "promo"})
	assert.Equal(t, "https://example.com/b", rec.OriginalURL)

	check, err := f.store.Check(ctx, f.user, "https://example.com/a")
	require.NoError(t, err)
	assert.False(t, check.Exists)
}

func TestStore_Shorten_GeneratedCodeRetries(t *testing.T) {
	f := newStoreFixture(t, "taken1", "taken1", "free01")

	f.shorten(t, linkapi.SubmissionRequest{URL: "https://example.com/a"})
	rec := f.shorten(t, linkapi.SubmissionRequest{URL: "https://example.com/b"})
	assert.Equal(t, "free01", rec.ShortCode)
}

/*** List / Delete ***/

func TestStore_List(t *testing.T) {
	ctx := context.Background()
	f := newStoreFixture(t)

	for i := range 5 {
		f.shorten(t, linkapi.SubmissionRequest{
			URL:        fmt.Sprintf("https://example.com/%d", i),
			CustomCode: fmt.Sprintf("c%d", i),
		})
		f.clock.Advance(time.Minute)
	}
	other, err := f.store.CreateUser(ctx, linkapi.Registration{Name: "Eve", Email: "eve@example.com", Password: "x"})
	require.NoError(t, err)
	_, err = f.store.Shorten(ctx, other.ID, linkapi.SubmissionRequest{URL: "https://example.com/eve", CustomCode: "eve"})
	require.NoError(t, err)

	_, err = f.store.Delete(ctx, f.user, "c3")
	require.NoError(t, err)

	all, err := f.store.List(ctx, f.user, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"c4", "c2", "c1", "c0"}, shortCodes(all))

	page, err := f.store.List(ctx, f.user, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"c2", "c1"}, shortCodes(page))

	empty, err := f.store.List(ctx, f.user, 10, 2)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestStore_Delete(t *testing.T) {
	ctx := context.Background()
	f := newStoreFixture(t)

	f.shorten(t, linkapi.SubmissionRequest{URL: "https://example.com/a", CustomCode: "xyz"})

	receipt, err := f.store.Delete(ctx, f.user, "xyz")
	require.NoError(t, err)
	assert.Equal(t, linkapi.DeleteReceipt{
		Message:     "URL deleted successfully",
		BackupUntil: "2024-01-03T00:00:00Z",
		Note:        "URL will be permanently removed after 2 days",
	}, receipt)

	_, err = f.store.Delete(ctx, f.user, "xyz")
	assert.True(t, errx.Is(err, errx.NotFound), "already deleted")

	_, err = f.store.Delete(ctx, f.user+1, "nope")
	assert.True(t, errx.Is(err, errx.NotFound))
}

func TestStore_BackupExpiry(t *testing.T) {
	ctx := context.Background()
	f := newStoreFixture(t, "fresh1")

	f.shorten(t, linkapi.SubmissionRequest{URL: "https://example.com/a", CustomCode: "xyz"})
	_, err := f.store.Delete(ctx, f.user, "xyz")
	require.NoError(t, err)

	f.clock.Advance(DefaultBackupRetention)

	check, err := f.store.Check(ctx, f.user, "https://example.com/a")
	require.NoError(t, err)
	assert.False(t, check.Exists)

	rec := f.shorten(t, linkapi.SubmissionRequest{URL: "https://example.com/a"})
	assert.True(t, rec.IsActive)
	assert.Equal(t, "fresh1", rec.ShortCode)

	_, err = f.store.Analytics(ctx, f.user, "xyz")
	assert.True(t, errx.Is(err, errx.NotFound))
}

/*** Analytics / QR / Clicks ***/

func TestStore_Analytics(t *testing.T) {
	ctx := context.Background()
	f := newStoreFixture(t)

	f.shorten(t, linkapi.SubmissionRequest{URL: "https://example.com/a", CustomCode: "abc"})

	require.NoError(t, f.store.RecordClick(ctx, "abc", "Mozilla/5.0", "https://news.example.com"))
	f.clock.Advance(90 * time.Minute)
	require.NoError(t, f.store.RecordClick(ctx, "abc", "", ""))

	report, err := f.store.Analytics(ctx, f.user, "abc")
	require.NoError(t, err)

	assert.Equal(t, "abc", report.ShortCode)
	assert.Equal(t, int64(2), report.TotalClicks)
	assert.Nil(t, report.DailySummary)
	require.Len(t, report.ClickHistory, 2)

	newest := report.ClickHistory[0]
	assert.Equal(t, "Direct", newest.Referer)
	assert.Equal(t, "Unknown", newest.UserAgent)
	assert.Equal(t, "2024-01-01", newest.Date)
	assert.Equal(t, "01:30:00", newest.Time)
	assert.Equal(t, "https://news.example.com", report.ClickHistory[1].Referer)

	_, err = f.store.Analytics(ctx, f.user+1, "abc")
	assert.True(t, errx.Is(err, errx.NotFound), "foreign code")
}

func TestStore_Analytics_CapsHistory(t *testing.T) {
	ctx := context.Background()
	f := newStoreFixture(t)

	f.shorten(t, linkapi.SubmissionRequest{URL: "https://example.com/a", CustomCode: "busy"})
	for range MaxAnalyticsEvents + 5 {
		require.NoError(t, f.store.RecordClick(ctx, "busy", "", ""))
	}

	report, err := f.store.Analytics(ctx, f.user, "busy")
	require.NoError(t, err)
	assert.Len(t, report.ClickHistory, MaxAnalyticsEvents)
	assert.Equal(t, int64(MaxAnalyticsEvents+5), report.TotalClicks)
}

func TestStore_QR_RenderedOnce(t *testing.T) {
	ctx := context.Background()
	f := newStoreFixture(t)

	f.shorten(t, linkapi.SubmissionRequest{URL: "https://example.com/a", CustomCode: "abc"})

	list, err := f.store.List(ctx, f.user, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, list[0].QRCode, "QR is rendered lazily")

	img, err := f.store.QR(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, linkapi.EncodeQR([]byte("png:http://localhost:8080/abc")), img.QRCode)
	assert.Equal(t, "http://localhost:8080/abc", img.ShortURL)

	_, err = f.store.QR(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, 1, f.qr.calls)

	list, err = f.store.List(ctx, f.user, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, img.QRCode, list[0].QRCode)

	_, err = f.store.QR(ctx, "missing")
	assert.True(t, errx.Is(err, errx.NotFound))
}

func TestStore_RecordClick(t *testing.T) {
	ctx := context.Background()
	f := newStoreFixture(t)

	f.shorten(t, linkapi.SubmissionRequest{URL: "https://example.com/a", CustomCode: "abc", ExpiresInDays: 1})

	require.NoError(t, f.store.RecordClick(ctx, "abc", "", ""))
	assert.True(t, errx.Is(f.store.RecordClick(ctx, "nope", "", ""), errx.NotFound))

	f.clock.Advance(25 * time.Hour)
	err := f.store.RecordClick(ctx, "abc", "", "")
	assert.True(t, errx.Is(err, errx.NotFound))
	assert.Equal(t, "This URL has expired", errx.Message(err))
}

func TestStore_CanceledContext(t *testing.T) {
	f := newStoreFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.store.Shorten(ctx, f.user, linkapi.SubmissionRequest{URL: "https://example.com"})
	assert.True(t, errx.Is(err, errx.Canceled))
}

func TestHumanDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{48 * time.Hour, "2 days"},
		{24 * time.Hour, "1 day"},
		{36 * time.Hour, "36h0m0s"},
		{time.Hour, "1h0m0s"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, humanDuration(tt.d))
	}
}

func shortCodes(records []linkapi.URLRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ShortCode
	}
	return out
}
