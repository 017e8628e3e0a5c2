package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/vividon/backend/internal/config"
	"github.com/vividon/backend/internal/logging"
)

const resendEndpoint = "https://api.resend.com/emails"

// Sender delivers transactional email through the Resend API. Delivery is
// best-effort: the invite exists and is claimable whether or not the email
// lands, so callers fire-and-forget.
type Sender struct {
	cfg  *config.EmailConfig
	http *http.Client
}

// NewSender creates an email sender. With no API key configured it logs and
// drops instead of sending, which keeps development environments quiet.
func NewSender(cfg *config.EmailConfig) *Sender {
	return &Sender{
		cfg:  cfg,
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

type resendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

// SendInvite emails an invite code with its claim link.
func (s *Sender) SendInvite(ctx context.Context, to, code string, credits int, claimURL string) error {
	subject := "You're invited to vividon.ai"
	html := fmt.Sprintf(
		`<p>You've been invited to vividon.ai with <strong>%d credits</strong>.</p>`+
			`<p>Your invite code: <strong>%s</strong></p>`+
			`<p><a href="%s">Claim your invite</a></p>`,
		credits, code, claimURL)
	return s.send(ctx, to, subject, html)
}

func (s *Sender) send(ctx context.Context, to, subject, html string) error {
	logger := logging.NewLogger("email")

	if s.cfg.ResendAPIKey == "" {
		logger.Info().Str("to", to).Str("subject", subject).Msg("Email delivery disabled, dropping")
		return nil
	}

	payload, err := json.Marshal(resendRequest{
		From:    s.cfg.FromEmail,
		To:      []string{to},
		Subject: subject,
		HTML:    html,
	})
	if err != nil {
		return fmt.Errorf("failed to encode email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, resendEndpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build email request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.ResendAPIKey)

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("email provider returned status %d", resp.StatusCode)
	}

	logger.Info().Str("to", to).Str("subject", subject).Msg("Email sent")
	return nil
}
