package agreement

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// tokenBytes yields 192 bits of entropy per access token.
const tokenBytes = 24

// NewAccessToken returns a fresh URL-safe bearer token.
func NewAccessToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("agreement: generate access token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// AccessURL builds the bearer link that opens the agreement in the portal
// without a session. It must be handled like a password-reset link.
func AccessURL(baseURL string, ag Agreement) string {
	if ag.AccessToken == "" {
		return ""
	}
	return strings.TrimRight(baseURL, "/") + "/my/learning-agreement/" + strconv.FormatInt(ag.ID, 10) +
		"?access_token=" + url.QueryEscape(ag.AccessToken)
}

// ParseID parses a route identifier. Anything that is not a positive integer
// is reported as not found.
func ParseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrNotFound
	}
	return id, nil
}
