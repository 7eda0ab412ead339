// Package sheets mirrors settled ledger rows into a Google spreadsheet.
// The mirror is append-only and best effort.
package sheets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"haven/models"
)

const (
	DefaultBaseURL = "https://sheets.googleapis.com/v4/spreadsheets"
	scope          = "https://www.googleapis.com/auth/spreadsheets"
	DonationsTab   = "Donations"
)

type Mirror interface {
	Append(ctx context.Context, tab string, row []any) error
}

// NopMirror discards rows. Used when no spreadsheet is configured.
type NopMirror struct{}

func (NopMirror) Append(context.Context, string, []any) error { return nil }

type GoogleMirror struct {
	spreadsheetID string
	baseURL       string
	httpClient    *http.Client
}

// NewGoogleMirror authenticates with a service-account JSON key file.
func NewGoogleMirror(ctx context.Context, spreadsheetID, credentialsFile string) (*GoogleMirror, error) {
	credsJSON, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("sheets: read credentials: %w", err)
	}
	creds, err := google.CredentialsFromJSON(ctx, credsJSON, scope)
	if err != nil {
		return nil, fmt.Errorf("sheets: parse credentials: %w", err)
	}
	client := oauth2.NewClient(ctx, creds.TokenSource)
	client.Timeout = 15 * time.Second
	return NewGoogleMirrorWithClient(spreadsheetID, DefaultBaseURL, client), nil
}

func NewGoogleMirrorWithClient(spreadsheetID, baseURL string, client *http.Client) *GoogleMirror {
	return &GoogleMirror{
		spreadsheetID: spreadsheetID,
		baseURL:       strings.TrimRight(baseURL, "/"),
		httpClient:    client,
	}
}

func (m *GoogleMirror) Append(ctx context.Context, tab string, row []any) error {
	rng := url.PathEscape(fmt.Sprintf("'%s'!A1", tab))
	endpoint := fmt.Sprintf("%s/%s/values/%s:append?valueInputOption=USER_ENTERED&insertDataOption=INSERT_ROWS",
		m.baseURL, url.PathEscape(m.spreadsheetID), rng)

	body, err := json.Marshal(map[string]any{"values": [][]any{row}})
	if err != nil {
		return fmt.Errorf("sheets: marshal row: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("sheets: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sheets: append to %s: %w", tab, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("sheets: append to %s: status %d: %s", tab, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

var unsafeTab = regexp.MustCompile(`[\[\]\*\?/\\:']`)

// TabName derives the tab for an event's registrations.
func TabName(ev models.Event) string {
	name := strings.TrimSpace(unsafeTab.ReplaceAllString(ev.Title, " "))
	name = strings.Join(strings.Fields(name), " ")
	if name == "" {
		name = ev.Slug
	}
	if ev.Date != "" {
		name = ev.Date + " " + name
	}
	if r := []rune(name); len(r) > 90 {
		name = strings.TrimSpace(string(r[:90]))
	}
	return name
}

func DonationRow(d models.Donation) []any {
	freq := "one-time"
	if d.IsRecurring {
		freq = models.FrequencyMonthly
	}
	return []any{
		d.CreatedAt.UTC().Format(time.RFC3339),
		d.ID,
		d.Name,
		d.Email,
		d.Phone,
		d.Amount,
		freq,
		d.HonorName,
		d.HonorEmail,
		d.SponsorshipLabel,
		d.PaymentStatus,
		d.PaymentReference,
		d.Processor,
		d.Message,
	}
}

func RegistrationRow(r models.EventRegistration, sponsorship string) []any {
	guests := make([]string, 0, len(r.GuestList()))
	for _, g := range r.GuestList() {
		guests = append(guests, g.Name)
	}
	return []any{
		r.CreatedAt.UTC().Format(time.RFC3339),
		r.ID,
		r.Name,
		r.Email,
		r.Phone,
		r.Adults,
		r.Kids,
		strings.Join(guests, ", "),
		sponsorship,
		r.Subtotal,
		r.PaymentMethod,
		r.PaymentStatus,
		r.PaymentReference,
	}
}
