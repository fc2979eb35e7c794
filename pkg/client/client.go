// Package client is a typed Go client for the multisig HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mfactory-lab/multisig/pkg/address"
	"github.com/mfactory-lab/multisig/pkg/api"
	"github.com/mfactory-lab/multisig/pkg/capability"
	"github.com/mfactory-lab/multisig/pkg/journal"
	"github.com/mfactory-lab/multisig/pkg/multisig"
)

// Client calls a multisig host. API errors are returned as
// *api.ProblemDetail.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// New creates a client for the host at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Option configures the client.
type Option func(*Client)

// WithToken sets the bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.Token = token }
}

// WithTimeout sets the HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.HTTPClient.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.HTTPClient = hc }
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		problem := &api.ProblemDetail{}
		if err := json.NewDecoder(resp.Body).Decode(problem); err != nil || problem.Status == 0 {
			problem = &api.ProblemDetail{Status: resp.StatusCode, Title: http.StatusText(resp.StatusCode)}
		}
		return problem
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return nil
}

func identityPath(identity address.Address) string {
	return "/v1/identities/" + identity.String()
}

func actionPath(identity address.Address, index uint32) string {
	return identityPath(identity) + "/actions/" + strconv.FormatUint(uint64(index), 10)
}

// Health calls GET /healthz.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

// Programs calls GET /v1/programs.
func (c *Client) Programs(ctx context.Context) ([]capability.Program, error) {
	var out []capability.Program
	err := c.do(ctx, http.MethodGet, "/v1/programs", nil, &out)
	return out, err
}

// CreateIdentity calls POST /v1/identities.
func (c *Client) CreateIdentity(ctx context.Context, req api.CreateIdentityRequest) (*multisig.Identity, error) {
	var out multisig.Identity
	if err := c.do(ctx, http.MethodPost, "/v1/identities", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Identity calls GET /v1/identities/{identity}.
func (c *Client) Identity(ctx context.Context, identity address.Address) (*multisig.Identity, error) {
	var out multisig.Identity
	if err := c.do(ctx, http.MethodGet, identityPath(identity), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Propose calls POST /v1/identities/{identity}/actions as the token's caller.
func (c *Client) Propose(ctx context.Context, identity address.Address, instructions []multisig.Instruction) (*multisig.Action, error) {
	var out multisig.Action
	req := api.ProposeRequest{Instructions: instructions}
	if err := c.do(ctx, http.MethodPost, identityPath(identity)+"/actions", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Action calls GET /v1/identities/{identity}/actions/{index}.
func (c *Client) Action(ctx context.Context, identity address.Address, index uint32) (*multisig.Action, error) {
	var out multisig.Action
	if err := c.do(ctx, http.MethodGet, actionPath(identity, index), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Actions calls GET /v1/identities/{identity}/actions.
func (c *Client) Actions(ctx context.Context, identity address.Address) ([]*multisig.Action, error) {
	var out []*multisig.Action
	err := c.do(ctx, http.MethodGet, identityPath(identity)+"/actions", nil, &out)
	return out, err
}

// Approve calls POST .../actions/{index}/approve.
func (c *Client) Approve(ctx context.Context, identity address.Address, index uint32) (*multisig.Action, error) {
	var out multisig.Action
	if err := c.do(ctx, http.MethodPost, actionPath(identity, index)+"/approve", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Execute calls POST .../actions/{index}/execute.
func (c *Client) Execute(ctx context.Context, identity address.Address, index uint32) (*multisig.Action, error) {
	var out multisig.Action
	if err := c.do(ctx, http.MethodPost, actionPath(identity, index)+"/execute", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Close calls DELETE .../actions/{index}.
func (c *Client) Close(ctx context.Context, identity address.Address, index uint32) error {
	return c.do(ctx, http.MethodDelete, actionPath(identity, index), nil, nil)
}

// Events calls GET /v1/identities/{identity}/events for entries after
// the given sequence number.
func (c *Client) Events(ctx context.Context, identity address.Address, after uint64) ([]*journal.Entry, error) {
	q := url.Values{}
	if after > 0 {
		q.Set("after", strconv.FormatUint(after, 10))
	}
	path := identityPath(identity) + "/events"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []*journal.Entry
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}
