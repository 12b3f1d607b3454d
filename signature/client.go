package signature

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrRequestNotFound is returned when the service does not know a request.
var ErrRequestNotFound = errors.New("signature: request not found")

// Role is a signer role shared across templates.
type Role struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Sequence int    `json:"sequence"`
}

// Item is a positioned signature box. Coordinates are fractions of the page.
type Item struct {
	Name   string  `json:"name"`
	Type   string  `json:"type"`
	RoleID string  `json:"role_id"`
	Page   int     `json:"page"`
	PosX   float64 `json:"pos_x"`
	PosY   float64 `json:"pos_y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Template binds signature items to a document.
type Template struct {
	Name          string `json:"name"`
	AttachmentID  string `json:"attachment_id"`
	ResponsibleID string `json:"responsible_id,omitempty"`
	Items         []Item `json:"items"`
}

// Signer assigns a partner to a role. Lower SendOrder is notified first.
type Signer struct {
	PartnerID int64  `json:"partner_id"`
	RoleID    string `json:"role_id"`
	SendOrder int    `json:"mail_sent_order"`
}

// Request asks the service to collect signatures on a template.
type Request struct {
	Reference  string   `json:"reference"`
	TemplateID string   `json:"template_id"`
	Signers    []Signer `json:"signers"`
}

// Service is the public contract of the external e-signature product.
type Service interface {
	FindRole(ctx context.Context, name string) (Role, bool, error)
	CreateRole(ctx context.Context, name string, sequence int) (Role, error)
	CreateTemplate(ctx context.Context, tpl Template) (string, error)
	CreateRequest(ctx context.Context, req Request) (string, error)
	RequestState(ctx context.Context, ref string) (string, error)
	SendNotifications(ctx context.Context, ref string) error
	CancelRequest(ctx context.Context, ref string) error
}

// HTTPClient implements Service over the signature service REST API.
type HTTPClient struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{BaseURL: strings.TrimRight(baseURL, "/"), Token: token, HTTP: &http.Client{Timeout: timeout}}
}

type idResponse struct {
	ID string `json:"id"`
}

func (c *HTTPClient) FindRole(ctx context.Context, name string) (Role, bool, error) {
	var roles []Role
	if err := c.do(ctx, http.MethodGet, "/roles?name="+url.QueryEscape(name), nil, &roles); err != nil {
		return Role{}, false, fmt.Errorf("signature: find role %q: %w", name, err)
	}
	for _, r := range roles {
		if r.Name == name {
			return r, true, nil
		}
	}
	return Role{}, false, nil
}

func (c *HTTPClient) CreateRole(ctx context.Context, name string, sequence int) (Role, error) {
	var out Role
	if err := c.do(ctx, http.MethodPost, "/roles", Role{Name: name, Sequence: sequence}, &out); err != nil {
		return Role{}, fmt.Errorf("signature: create role %q: %w", name, err)
	}
	return out, nil
}

func (c *HTTPClient) CreateTemplate(ctx context.Context, tpl Template) (string, error) {
	var out idResponse
	if err := c.do(ctx, http.MethodPost, "/templates", tpl, &out); err != nil {
		return "", fmt.Errorf("signature: create template: %w", err)
	}
	return out.ID, nil
}

func (c *HTTPClient) CreateRequest(ctx context.Context, req Request) (string, error) {
	var out idResponse
	if err := c.do(ctx, http.MethodPost, "/requests", req, &out); err != nil {
		return "", fmt.Errorf("signature: create request: %w", err)
	}
	if out.ID == "" {
		return "", errors.New("signature: create request: empty id in response")
	}
	return out.ID, nil
}

func (c *HTTPClient) RequestState(ctx context.Context, ref string) (string, error) {
	var out struct {
		State string `json:"state"`
	}
	if err := c.do(ctx, http.MethodGet, "/requests/"+url.PathEscape(ref), nil, &out); err != nil {
		return "", fmt.Errorf("signature: request state: %w", err)
	}
	return out.State, nil
}

func (c *HTTPClient) SendNotifications(ctx context.Context, ref string) error {
	if err := c.do(ctx, http.MethodPost, "/requests/"+url.PathEscape(ref)+"/send", nil, nil); err != nil {
		return fmt.Errorf("signature: send notifications: %w", err)
	}
	return nil
}

func (c *HTTPClient) CancelRequest(ctx context.Context, ref string) error {
	if err := c.do(ctx, http.MethodPost, "/requests/"+url.PathEscape(ref)+"/cancel", nil, nil); err != nil {
		return fmt.Errorf("signature: cancel request: %w", err)
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("content-type", "application/json")
	}
	req.Header.Set("X-Request-ID", "req_"+uuid.NewString())
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound && strings.HasPrefix(path, "/requests/") {
		return ErrRequestNotFound
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("signature service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
