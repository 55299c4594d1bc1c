package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/angelmondragon/ap2-agents/internal/task"
	"github.com/angelmondragon/ap2-agents/pkg/envelope"
	pkgerrors "github.com/angelmondragon/ap2-agents/pkg/errors"
	"github.com/angelmondragon/ap2-agents/pkg/types"
)

const (
	// SendPath is the message endpoint every agent serves.
	SendPath = "/a2a/v1/message:send"
	// ExtensionsHeader carries requested and activated extension URIs.
	ExtensionsHeader = "X-A2A-Extensions"

	defaultTimeout          = 30 * time.Second
	responseReadLimit int64 = 2048
)

// Sender delivers a message to a remote agent and returns the task it
// produced for this step.
type Sender interface {
	Send(ctx context.Context, baseURL string, msg envelope.Message) (*task.Task, error)
}

// SendRequest is the body of a message:send call.
type SendRequest struct {
	Message envelope.Message `json:"message"`
}

// Client is a blocking A2A client. Every call waits for the remote task to
// reach completed, input-required or failed, or for the timeout.
type Client struct {
	httpClient *http.Client
	extensions []string
}

// Option configures optional client behavior.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithTimeout bounds every outbound call.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient = &http.Client{Timeout: timeout, Transport: c.httpClient.Transport}
		}
	}
}

// WithExtensions overrides the extension URIs requested on every call.
func WithExtensions(uris ...string) Option {
	return func(c *Client) {
		c.extensions = append([]string(nil), uris...)
	}
}

// NewClient returns a client with a default http.Client unless overridden.
func NewClient(opts ...Option) *Client {
	client := &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		extensions: []string{envelope.ExtensionURI},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client
}

// Send posts msg to the message/send endpoint at baseURL and decodes the task.
func (c *Client) Send(ctx context.Context, baseURL string, msg envelope.Message) (*task.Task, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return nil, pkgerrors.New(pkgerrors.CodeDownstream, "remote agent url is not configured")
	}

	payload, err := json.Marshal(SendRequest{Message: msg})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "marshal outbound message")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+SendPath, bytes.NewReader(payload))
	if err != nil {
		return nil, downstream(base, err, "build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if len(c.extensions) > 0 {
		httpReq.Header.Set(ExtensionsHeader, strings.Join(c.extensions, ","))
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return nil, downstream(base, err, "timed out")
		}
		return nil, downstream(base, err, "request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, remoteError(base, resp)
	}

	var envelopeResp struct {
		Data task.Task `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelopeResp); err != nil {
		if isTimeout(err) {
			return nil, downstream(base, err, "timed out")
		}
		return nil, downstream(base, err, "decode response")
	}
	if envelopeResp.Data.ID == "" {
		return nil, downstream(base, nil, "response carried no task")
	}
	return &envelopeResp.Data, nil
}

func remoteError(base string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, responseReadLimit))
	var errEnv types.ErrorEnvelope
	if err := json.Unmarshal(body, &errEnv); err == nil && errEnv.Error.Code != "" {
		return pkgerrors.Newf(pkgerrors.CodeDownstream, "%s: %s %s", base, errEnv.Error.Code, errEnv.Error.Message).
			WithDetails(map[string]any{"peer": base, "status": resp.StatusCode, "remote_code": errEnv.Error.Code})
	}
	return pkgerrors.Wrap(pkgerrors.CodeDownstream,
		fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))), base+": request failed").
		WithDetails(map[string]any{"peer": base, "status": resp.StatusCode})
}

func downstream(base string, err error, reason string) error {
	return pkgerrors.Wrap(pkgerrors.CodeDownstream, err, base+": "+reason).
		WithDetails(map[string]any{"peer": base})
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
