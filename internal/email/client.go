// Package email defines the outbound email capability: a narrow Sender
// interface consumed by the delivery worker and the subscription flow, plus
// an HTTP client implementation targeting a Postmark-compatible REST API.
//
// Errors are classified so the delivery worker can decide between retrying
// with backoff and abandoning a recipient: hard rejections (4xx) are
// permanent, while timeouts, connection errors, and 5xx responses are
// transient.
package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Sender delivers one email to one recipient. Implementations may fail with
// a *DeliveryError to signal whether the failure is worth retrying; any
// other error is treated as transient.
type Sender interface {
	Send(ctx context.Context, recipient, subject, htmlBody, textBody string) error
}

// DeliveryError is a classified transport failure.
type DeliveryError struct {
	// Permanent means retrying cannot help (invalid recipient, hard reject).
	Permanent bool
	Message   string
}

// Error implements the error interface.
func (e *DeliveryError) Error() string { return e.Message }

// IsPermanent reports whether err is a permanent delivery failure. Unknown
// errors default to transient so a flaky transport never loses a recipient.
func IsPermanent(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Permanent
}

// Client sends email through a Postmark-style JSON API: POST {BaseURL}/email
// with the server token in a request header.
type Client struct {
	httpClient *http.Client
	baseURL    string
	sender     string
	authToken  string
}

// NewClient constructs a Client. timeout bounds each send attempt end to end.
func NewClient(baseURL, sender, authToken string, timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		sender:     sender,
		authToken:  authToken,
	}
}

// sendEmailRequest is the API wire format.
type sendEmailRequest struct {
	From     string `json:"From"`
	To       string `json:"To"`
	Subject  string `json:"Subject"`
	HTMLBody string `json:"HtmlBody"`
	TextBody string `json:"TextBody"`
}

// Send posts one email to the API and classifies the outcome.
func (c *Client) Send(ctx context.Context, recipient, subject, htmlBody, textBody string) error {
	payload, err := json.Marshal(sendEmailRequest{
		From:     c.sender,
		To:       recipient,
		Subject:  subject,
		HTMLBody: htmlBody,
		TextBody: textBody,
	})
	if err != nil {
		return &DeliveryError{Permanent: true, Message: fmt.Sprintf("encode email request: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/email", bytes.NewReader(payload))
	if err != nil {
		return &DeliveryError{Permanent: true, Message: fmt.Sprintf("build email request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Postmark-Server-Token", c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Timeouts and connection errors: the next attempt may succeed.
		return &DeliveryError{Message: fmt.Sprintf("email transport: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	// Keep a short error excerpt for the task's last_error column.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := fmt.Sprintf("email API returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return &DeliveryError{Permanent: true, Message: msg}
	}
	return &DeliveryError{Message: msg}
}
