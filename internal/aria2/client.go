// Package aria2 is a small JSON-RPC 2.0 client for the aria2 download
// daemon, covering what the download panel needs: version probe, adding
// URIs, pausing, resuming, removing and listing jobs.
package aria2

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// statusKeys limits tellActive/tellWaiting payloads to what Job uses.
var statusKeys = []string{
	"gid", "status", "totalLength", "completedLength", "downloadSpeed",
	"dir", "files", "errorCode", "errorMessage",
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

// WithSecret sets the --rpc-secret token prepended to every call.
func WithSecret(secret string) Option {
	return func(cl *Client) {
		cl.secret = secret
	}
}

type Client struct {
	endpoint string
	secret   string
	http     *http.Client
}

func NewClient(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// Call invokes method and decodes the result into out (which may be nil).
func (c *Client) Call(ctx context.Context, method string, out any, params ...any) error {
	if c.secret != "" {
		params = append([]any{"token:" + c.secret}, params...)
	}
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(request{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return &TransportError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return &TransportError{Err: err}
	}

	// aria2 answers rejected calls with 400 and a JSON-RPC error body;
	// prefer the envelope when there is one.
	var env response
	jerr := json.Unmarshal(raw, &env)
	if jerr == nil && env.Error != nil {
		return env.Error
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &TransportError{Status: resp.StatusCode, StatusText: http.StatusText(resp.StatusCode)}
	}
	if jerr != nil {
		return fmt.Errorf("decode %s: %w", method, jerr)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

type Version struct {
	Version         string   `json:"version"`
	EnabledFeatures []string `json:"enabledFeatures"`
}

func (c *Client) Version(ctx context.Context) (Version, error) {
	var v Version
	err := c.Call(ctx, "aria2.getVersion", &v)
	return v, err
}

// AddOptions are the per-download aria2 options the panel sets.
type AddOptions struct {
	Dir string `json:"dir,omitempty"`
	Out string `json:"out,omitempty"`
}

// AddURI queues uri and returns its GID.
func (c *Client) AddURI(ctx context.Context, uri string, opts AddOptions) (string, error) {
	var gid string
	err := c.Call(ctx, "aria2.addUri", &gid, []string{uri}, opts)
	return gid, err
}

func (c *Client) Pause(ctx context.Context, gid string) error {
	return c.Call(ctx, "aria2.pause", nil, gid)
}

func (c *Client) Unpause(ctx context.Context, gid string) error {
	return c.Call(ctx, "aria2.unpause", nil, gid)
}

func (c *Client) Remove(ctx context.Context, gid string) error {
	return c.Call(ctx, "aria2.remove", nil, gid)
}

func (c *Client) TellActive(ctx context.Context) ([]Status, error) {
	var st []Status
	err := c.Call(ctx, "aria2.tellActive", &st, statusKeys)
	return st, err
}

func (c *Client) TellWaiting(ctx context.Context, offset, num int) ([]Status, error) {
	var st []Status
	err := c.Call(ctx, "aria2.tellWaiting", &st, offset, num, statusKeys)
	return st, err
}
