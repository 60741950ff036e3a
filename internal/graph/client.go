// Package graph forwards parsed emails to the Microsoft Graph sendMail
// endpoint with a per-principal delegated access token.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/relaykit/graph-relay/internal/email"
)

// DefaultBaseURL is the Graph API v1.0 base URL.
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

// Client issues authenticated calls to the Graph API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a Graph client for the given base URL. An empty baseURL
// uses DefaultBaseURL; a nil httpClient uses a 30-second-timeout client.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: baseURL, httpClient: httpClient}
}

// SendMail posts the message to /me/sendMail on behalf of the token's
// principal. Success carries no payload. Failures are classified transient
// or permanent for the SMTP layer's reply; the client itself never retries.
func (c *Client) SendMail(ctx context.Context, accessToken string, msg *email.Email) error {
	bodyJSON, err := json.Marshal(buildSendMailRequest(msg))
	if err != nil {
		return fmt.Errorf("encoding sendMail request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/me/sendMail", bytes.NewReader(bodyJSON))
	if err != nil {
		return fmt.Errorf("creating sendMail request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &SendError{
			Message:   fmt.Sprintf("sendMail request failed: %v", err),
			Transient: true,
		}
	}
	defer resp.Body.Close()

	// HTTP 202 Accepted is success for sendMail
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return nil
	}

	body, _ := io.ReadAll(resp.Body)

	var graphErrResp graphErrorResponse
	if jsonErr := json.Unmarshal(body, &graphErrResp); jsonErr == nil && graphErrResp.Error.Message != "" {
		return classifyError(resp.StatusCode, graphErrResp.Error.Message)
	}

	return classifyError(resp.StatusCode, string(body))
}

// Me returns the userPrincipalName of the token's owner. The consent
// callback uses this to bind freshly issued credentials to an identity.
func (c *Client) Me(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/me", nil)
	if err != nil {
		return "", fmt.Errorf("creating /me request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("/me request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("/me returned %d: %s", resp.StatusCode, string(body))
	}

	var me meResponse
	if err := json.NewDecoder(resp.Body).Decode(&me); err != nil {
		return "", fmt.Errorf("decoding /me response: %w", err)
	}
	if me.UserPrincipalName == "" {
		return "", fmt.Errorf("/me response missing userPrincipalName")
	}

	return me.UserPrincipalName, nil
}

// SendError is a classified failure from the send endpoint. Transient
// failures (rate limits, server errors, network) may be retried by the
// submitting SMTP client; permanent ones should not be.
type SendError struct {
	Message    string
	StatusCode int
	Transient  bool
}

func (e *SendError) Error() string {
	return fmt.Sprintf("Graph API error (HTTP %d): %s", e.StatusCode, e.Message)
}

// classifyError categorizes an HTTP error response for the caller's retry
// decision.
func classifyError(statusCode int, message string) *SendError {
	err := &SendError{
		Message:    message,
		StatusCode: statusCode,
	}

	// Auth failures (401/403) are permanent: the session resolves a fresh
	// token before every send, so a rejected token means the principal's
	// access is actually broken and a client retry cannot fix it.
	switch {
	case statusCode == http.StatusTooManyRequests:
		err.Transient = true
	case statusCode >= 500:
		err.Transient = true
	}

	return err
}
