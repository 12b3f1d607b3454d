package document

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxDocumentBytes caps the size of a rendered contract.
const maxDocumentBytes = 20 << 20

// HTTPRenderer calls the external report rendering service.
type HTTPRenderer struct {
	BaseURL string
	HTTP    *http.Client
}

func NewHTTPRenderer(baseURL string, timeout time.Duration) *HTTPRenderer {
	return &HTTPRenderer{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: &http.Client{Timeout: timeout}}
}

type renderRequest struct {
	Template string `json:"template"`
	RecordID int64  `json:"record_id"`
}

// RenderToPDF renders template for the record and returns the document
// bytes with their content type.
func (r *HTTPRenderer) RenderToPDF(ctx context.Context, templateRef string, recordID int64) ([]byte, string, error) {
	b, err := json.Marshal(renderRequest{Template: templateRef, RecordID: recordID})
	if err != nil {
		return nil, "", fmt.Errorf("document: encode render request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.BaseURL+"/render", bytes.NewReader(b))
	if err != nil {
		return nil, "", fmt.Errorf("document: build render request: %w", err)
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("accept", MimePDF)

	resp, err := r.HTTP.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("document: render: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, "", fmt.Errorf("document: renderer returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	content, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("document: read rendered document: %w", err)
	}
	if len(content) > maxDocumentBytes {
		return nil, "", fmt.Errorf("document: rendered document exceeds %d bytes", maxDocumentBytes)
	}
	return content, resp.Header.Get("content-type"), nil
}
