package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultResendURL = "https://api.resend.com/emails"

// resendClient is the concrete Sender backed by the Resend API.
type resendClient struct {
	apiKey     string
	fromAddr   string // e.g. "alerts@earlywarning.example"
	fromName   string // e.g. "Early Warning Analyst"
	to         []string
	baseURL    string // dashboard URL base used for run links
	endpoint   string
	httpClient *http.Client
}

// ResendConfig configures NewResendClient.
type ResendConfig struct {
	APIKey   string
	FromAddr string
	FromName string
	To       []string
	BaseURL  string

	// Endpoint overrides the Resend API URL. Tests point it at httptest.
	Endpoint string
}

// NewResendClient returns a Sender that delivers email via Resend.
func NewResendClient(cfg ResendConfig) Sender {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultResendURL
	}
	return &resendClient{
		apiKey:   cfg.APIKey,
		fromAddr: cfg.FromAddr,
		fromName: cfg.FromName,
		to:       cfg.To,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// ─── RESEND API SHAPES ────────────────────────────────────────────────────────

type resendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

type resendResponse struct {
	ID    string `json:"id"`
	Error *struct {
		Name       string `json:"name"`
		Message    string `json:"message"`
		StatusCode int    `json:"statusCode"`
	} `json:"error"`
}

// ─── SENDER IMPLEMENTATION ────────────────────────────────────────────────────

func (c *resendClient) RunCompleted(ctx context.Context, p RunCompletedParams) error {
	subject := fmt.Sprintf("Early warning run complete: %s", p.Country)
	if p.OverallRisk != "" {
		subject = fmt.Sprintf("%s (%s)", subject, strings.ToUpper(p.OverallRisk))
	}
	return c.send(ctx, subject, runCompletedHTML(p, c.runURL(p.RunID)))
}

func (c *resendClient) RunFailed(ctx context.Context, p RunFailedParams) error {
	subject := fmt.Sprintf("Early warning run failed: %s", p.Country)
	return c.send(ctx, subject, runFailedHTML(p))
}

func (c *resendClient) runURL(runID string) string {
	if c.baseURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/analysis/%s", c.baseURL, runID)
}

// ─── HTTP SEND ────────────────────────────────────────────────────────────────

func (c *resendClient) send(ctx context.Context, subject, body string) error {
	if len(c.to) == 0 {
		return fmt.Errorf("notify: no recipients configured")
	}

	reqBody := resendRequest{
		From:    fmt.Sprintf("%s <%s>", c.fromName, c.fromAddr),
		To:      c.to,
		Subject: subject,
		HTML:    body,
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("notify: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify: http request: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("notify: read response: %w", err)
	}

	var parsed resendResponse
	if err := json.Unmarshal(respBytes, &parsed); err != nil {
		return fmt.Errorf("notify: unmarshal response (status %d): %w", resp.StatusCode, err)
	}
	if parsed.Error != nil {
		return fmt.Errorf("notify: Resend error %s: %s", parsed.Error.Name, parsed.Error.Message)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notify: unexpected status %d: %.200s", resp.StatusCode, string(respBytes))
	}
	return nil
}

// ─── HTML TEMPLATES ───────────────────────────────────────────────────────────

const footerHTML = `  <hr style="border: none; border-top: 1px solid #e5e7eb; margin: 32px 0;">
  <p style="color: #9ca3af; font-size: 12px;">Early Warning Analyst</p>`

func runCompletedHTML(p RunCompletedParams, runURL string) string {
	var rows strings.Builder
	row := func(label, value string) {
		if value == "" {
			return
		}
		fmt.Fprintf(&rows, "    <tr><td style=\"color:#6b7280;padding-right:16px;\">%s</td><td>%s</td></tr>\n",
			label, html.EscapeString(value))
	}
	row("Run", p.RunID)
	row("Horizon", fmt.Sprintf("%d years", p.Horizon))
	row("Overall risk", p.OverallRisk)
	row("Scored signals", fmt.Sprintf("%d", p.SignalCount))
	row("Highest band", p.HighestBand)

	link := ""
	if runURL != "" {
		link = fmt.Sprintf(`  <p style="margin: 24px 0;"><a href="%s">Open the analysis</a></p>`+"\n", html.EscapeString(runURL))
	}

	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"></head>
<body style="font-family: sans-serif; color: #1a1a1a; max-width: 560px; margin: 0 auto; padding: 24px;">
  <h2 style="margin-bottom: 8px;">%s: analysis complete</h2>
  <p>%s</p>
  <table style="font-size: 14px;">
%s  </table>
%s%s
</body>
</html>`, html.EscapeString(p.Country), html.EscapeString(p.Headline), rows.String(), link, footerHTML)
}

func runFailedHTML(p RunFailedParams) string {
	stage := p.Stage
	if stage == "" {
		stage = "n/a"
	}
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"></head>
<body style="font-family: sans-serif; color: #1a1a1a; max-width: 560px; margin: 0 auto; padding: 24px;">
  <h2 style="margin-bottom: 8px;">%s: analysis failed</h2>
  <p>Run <code>%s</code> stopped at stage <strong>%s</strong>.</p>
  <pre style="background: #f3f4f6; padding: 12px; white-space: pre-wrap;">%s</pre>
%s
</body>
</html>`, html.EscapeString(p.Country), html.EscapeString(p.RunID), html.EscapeString(stage),
		html.EscapeString(p.Error), footerHTML)
}
