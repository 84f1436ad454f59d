package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"strings"

	"github.com/caarlos0/env/v11"

	apperrors "github.com/sealpost/sealpost/internal/platform/errors"
	"github.com/sealpost/sealpost/internal/platform/timeouts"
)

const defaultEndpoint = "https://api.resend.com/emails"

// Config controls the outbound mail provider.
type Config struct {
	APIKey   string `env:"SEALPOST_MAIL_API_KEY"`
	From     string `env:"SEALPOST_MAIL_FROM"      envDefault:"Sealpost <system@mail.sealpost.dev>"`
	BaseURL  string `env:"SEALPOST_CLAIM_BASE_URL" envDefault:"http://localhost:8080"`
	Endpoint string `env:"SEALPOST_MAIL_ENDPOINT"  envDefault:"https://api.resend.com/emails"`
}

// LoadConfigFromEnv loads mail configuration with explicit defaults.
func LoadConfigFromEnv() Config {
	var cfg Config
	_ = env.Parse(&cfg)
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	return cfg
}

// ResendMailer sends claim notifications through the Resend HTTP API.
type ResendMailer struct {
	cfg        Config
	httpClient *http.Client
	template   *template.Template
}

// NewResendMailer constructs a mailer from the provider config.
func NewResendMailer(cfg Config) (*ResendMailer, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, apperrors.New(apperrors.CodeConfiguration, "mail api key is required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	tmpl, err := template.New("claim").Parse(claimEmailTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse claim email template: %w", err)
	}
	return &ResendMailer{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeouts.MailRequest},
		template:   tmpl,
	}, nil
}

type resendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

// Send renders and dispatches the claim notification.
func (m *ResendMailer) Send(ctx context.Context, delivery Delivery) error {
	subject := "A sealed document is waiting for you"
	if delivery.Anchor {
		subject = "Your authorship anchor is ready to sign"
	}

	var body bytes.Buffer
	err := m.template.Execute(&body, claimEmailData{
		Subject:     subject,
		Link:        ClaimLink(m.cfg.BaseURL, delivery),
		Passcode:    delivery.Passcode,
		Fingerprint: delivery.ContentFingerprint,
		Anchor:      delivery.Anchor,
	})
	if err != nil {
		return fmt.Errorf("render claim email: %w", err)
	}

	payload, err := json.Marshal(resendRequest{
		From:    m.cfg.From,
		To:      []string{delivery.Recipient},
		Subject: subject,
		HTML:    body.String(),
	})
	if err != nil {
		return fmt.Errorf("marshal mail request: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build mail request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+m.cfg.APIKey)
	request.Header.Set("Content-Type", "application/json")

	response, err := m.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return fmt.Errorf("mail provider responded %d", response.StatusCode)
	}
	return nil
}

type claimEmailData struct {
	Subject     string
	Link        string
	Passcode    string
	Fingerprint string
	Anchor      bool
}

const claimEmailTemplate = `<div style="font-family: sans-serif; max-width: 600px; margin: 0 auto; padding: 20px;">
  <h2>{{.Subject}}</h2>
  {{if .Anchor}}
  <p>Sign below to anchor your authorship on the public ledger.</p>
  {{else}}
  <p>An encrypted document has been sealed for this address. Use the passcode
  below to claim it; claiming records an immutable receipt.</p>
  {{end}}
  <div style="background: #f8f9fa; padding: 25px; text-align: center; margin: 20px 0;">
    <p style="margin: 0; color: #888; font-size: 12px; text-transform: uppercase;">Passcode</p>
    <p style="margin: 8px 0 20px; font-size: 36px; font-weight: bold; font-family: monospace;">{{.Passcode}}</p>
    <a href="{{.Link}}" style="display: inline-block; background: #000; color: #fff; text-decoration: none; padding: 14px 28px; font-weight: bold;">Open and claim</a>
  </div>
  <p style="font-size: 12px; color: #888;">Content fingerprint: <code>{{.Fingerprint}}</code></p>
  <p style="font-size: 11px; color: #bbb;">The link is unique to this message. Anyone with the link and the passcode can claim the document.</p>
</div>`
