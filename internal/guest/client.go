// Package guest is the HTTP client for the control API served inside the
// sandboxed VM: liveness, shell command execution and file retrieval.
package guest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Default per-call timeouts. Every call is also bounded by its context.
const (
	AliveTimeout   = 10 * time.Second
	ExecTimeout    = 30 * time.Second
	connectTimeout = 10 * time.Second
)

// Client talks to one guest control API.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// New creates a client for the control API at host:port.
func New(host string, port int) *Client {
	return NewWithBaseURL("http://" + net.JoinHostPort(host, strconv.Itoa(port)))
}

// NewWithBaseURL creates a client for an explicit base URL.
func NewWithBaseURL(baseURL string) *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
				// The guest server is restarted by repairs; never reuse a
				// connection across calls.
				DisableKeepAlives: true,
			},
		},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// BaseURL returns the API root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Alive reports nil when GET /screenshot answers 200.
func (c *Client) Alive(ctx context.Context) error {
	ctx, cancel := withDefaultTimeout(ctx, AliveTimeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodGet, "/screenshot", nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return nil
}

// Execute runs a shell command in the guest. A non-200 answer is an
// *APIError; a 200 answer is returned as is, whatever its status field says.
func (c *Client) Execute(ctx context.Context, command string) (*ExecResult, error) {
	ctx, cancel := withDefaultTimeout(ctx, ExecTimeout)
	defer cancel()

	body, err := json.Marshal(ExecRequest{Command: command, Shell: true})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, "/execute", bytes.NewReader(body), "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// A missing returncode counts as failure.
	out := ExecResult{ReturnCode: 1}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode execute response: %w", err)
	}
	return &out, nil
}

// FetchFile copies guestPath out of the VM to hostPath. The host file is
// written to a temporary name and renamed into place when complete.
func (c *Client) FetchFile(ctx context.Context, guestPath, hostPath string) error {
	form := url.Values{"file_path": {guestPath}}
	resp, err := c.do(ctx, http.MethodPost, "/file", strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
	if err != nil {
		return fmt.Errorf("fetch %s: %w", guestPath, err)
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(filepath.Dir(hostPath), 0755); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(hostPath), "."+filepath.Base(hostPath)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("fetch %s: %w", guestPath, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), hostPath)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, parseError(resp)
	}
	return resp, nil
}

func parseError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var e struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &e) == nil {
		switch {
		case e.Message != "":
			msg = e.Message
		case e.Error != "":
			msg = e.Error
		}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}

// withDefaultTimeout applies d unless ctx already has an earlier deadline.
func withDefaultTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < d {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
