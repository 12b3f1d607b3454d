package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNoRecipient signals a send without an email address.
var ErrNoRecipient = errors.New("notify: recipient email is required")

// Recipient identifies who a template is sent to.
type Recipient struct {
	PartnerID int64  `json:"partner_id"`
	Email     string `json:"email"`
}

// Message is a template send with its merge context.
type Message struct {
	Template string            `json:"template"`
	To       Recipient         `json:"to"`
	Context  map[string]string `json:"context"`
}

// HTTPMailer posts template sends to the mail service.
type HTTPMailer struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
	logger  *slog.Logger
}

func NewHTTPMailer(baseURL, token string, timeout time.Duration, logger *slog.Logger) *HTTPMailer {
	if logger == nil {
		logger = slog.Default().With("component", "notify")
	}
	return &HTTPMailer{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

var idempotencyNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("agreementflow:notify:messages"))

// IdempotencyKey derives the key of an encoded message. The same template,
// recipient and variables always yield the same key, so a resent message is
// collapsed by the mail service.
func IdempotencyKey(encoded []byte) string {
	return uuid.NewSHA1(idempotencyNamespace, encoded).String()
}

// SendTemplate renders and delivers template to the partner.
func (m *HTTPMailer) SendTemplate(ctx context.Context, template string, partnerID int64, email string, vars map[string]string) error {
	if strings.TrimSpace(email) == "" {
		return ErrNoRecipient
	}
	if vars == nil {
		vars = map[string]string{}
	}

	b, err := json.Marshal(Message{Template: template, To: Recipient{PartnerID: partnerID, Email: email}, Context: vars})
	if err != nil {
		return fmt.Errorf("notify: encode message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.BaseURL+"/messages", bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("Idempotency-Key", IdempotencyKey(b))
	if m.Token != "" {
		req.Header.Set("Authorization", "Bearer "+m.Token)
	}

	resp, err := m.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("notify: send %s: %w", template, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("notify: send %s: mail service returned %d: %s", template, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	m.logger.InfoContext(ctx, "mail sent", "template", template, "partner_id", partnerID)
	return nil
}
