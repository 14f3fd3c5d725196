package linkapi

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Timestamp is a point in time as the API renders it. The server emits ISO-8601
// with or without a zone offset; both are accepted.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}

	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}

	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", s)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Format(time.RFC3339Nano))
}

// URLRecord is a shortened link owned by the signed-in user. The short code is
// its only external key.
type URLRecord struct {
	ID          int64     `json:"id"`
	ShortCode   string    `json:"short_code"`
	OriginalURL string    `json:"original_url"`
	ShortURL    string    `json:"short_url"`
	CreatedAt   Timestamp `json:"created_at"`
	ExpiresAt   Timestamp `json:"expires_at,omitzero"`
	ClickCount  int64     `json:"click_count"`
	IsActive    bool      `json:"is_active"`
	QRCode      string    `json:"qr_code,omitempty"`
}

// UnmarshalJSON treats a missing is_active as true. The list endpoint only
// returns active records and leaves the field out.
func (r *URLRecord) UnmarshalJSON(b []byte) error {
	type plain URLRecord
	aux := struct {
		*plain
		IsActive *bool   `json:"is_active"`
		QRCode   *string `json:"qr_code"`
	}{plain: (*plain)(r)}

	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}

	r.IsActive = aux.IsActive == nil || *aux.IsActive
	r.QRCode = ""
	if aux.QRCode != nil {
		r.QRCode = *aux.QRCode
	}
	return nil
}

// ExistenceCheck is the server's advisory answer to "is this URL already known?".
type ExistenceCheck struct {
	Exists    bool   `json:"exists"`
	IsDeleted bool   `json:"is_deleted"`
	ShortCode string `json:"short_code,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Validate rejects checks that report a soft-deleted record which does not exist.
func (c ExistenceCheck) Validate() error {
	if c.IsDeleted && !c.Exists {
		return errors.New("existence check reports is_deleted without exists")
	}
	return nil
}

// SubmissionRequest is the body of POST /api/shorten.
type SubmissionRequest struct {
	URL             string `json:"url"`
	CustomCode      string `json:"custom_code,omitempty"`
	ExpiresInDays   int    `json:"expires_in_days,omitempty"`
	UseExistingCode bool   `json:"use_existing_code,omitempty"`
}

// ClickEvent is one recorded visit, as delivered in an analytics report.
type ClickEvent struct {
	Timestamp Timestamp `json:"timestamp,omitzero"`
	Date      string    `json:"date"`
	Time      string    `json:"time"`
	Referer   string    `json:"referer"`
	UserAgent string    `json:"user_agent,omitempty"`
}

// AnalyticsReport holds click history for one short code, newest event first.
// DailySummary maps a YYYY-MM-DD date to its click count and may be absent.
type AnalyticsReport struct {
	ShortCode    string           `json:"short_code"`
	TotalClicks  int64            `json:"total_clicks"`
	ClickHistory []ClickEvent     `json:"click_history"`
	DailySummary map[string]int64 `json:"daily_summary,omitempty"`
}

// DeleteReceipt acknowledges a soft delete. BackupUntil is kept exactly as the
// server sent it.
type DeleteReceipt struct {
	Message     string `json:"message"`
	BackupUntil string `json:"backup_until"`
	Note        string `json:"note,omitempty"`
}

// QRImage is the QR code for a short link, as a PNG data URI.
type QRImage struct {
	ShortCode string `json:"short_code"`
	QRCode    string `json:"qr_code"`
	ShortURL  string `json:"short_url"`
}

const pngDataURIPrefix = "data:image/png;base64,"

// PNG decodes the image. Both data URIs and bare base64 are accepted.
func (q QRImage) PNG() ([]byte, error) {
	return DecodeQR(q.QRCode)
}

// DecodeQR decodes a QR code value as carried in URLRecord.QRCode or QRImage.QRCode.
func DecodeQR(s string) ([]byte, error) {
	if s == "" {
		return nil, errors.New("empty QR code")
	}
	payload := strings.TrimPrefix(s, pngDataURIPrefix)
	if strings.HasPrefix(payload, "data:") {
		return nil, fmt.Errorf("unsupported QR code encoding %q", strings.SplitN(payload, ",", 2)[0])
	}
	return base64.StdEncoding.DecodeString(payload)
}

// EncodeQR renders PNG bytes as a data URI.
func EncodeQR(png []byte) string {
	return pngDataURIPrefix + base64.StdEncoding.EncodeToString(png)
}

// User is an account profile.
type User struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt Timestamp `json:"created_at,omitzero"`
}

// Registration is the body of POST /api/register.
type Registration struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Credentials is the body of POST /api/login.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse is the body returned by a successful login.
type LoginResponse struct {
	Message string `json:"message"`
	User    User   `json:"user"`
}

// AuthResult is the opaque outcome of a register or login attempt.
type AuthResult struct {
	Success bool
	User    *User
	Error   string
}

// Message is the generic acknowledgement body, e.g. for logout.
type Message struct {
	Message string `json:"message"`
}
