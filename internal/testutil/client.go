// Package testutil drives the HTTP router in-process and starts the
// containers used by integration tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/bissquit/salon-notify/internal/domain"
)

// TokenIssuer mints bearer tokens for test users.
type TokenIssuer interface {
	Issue(subject string, role domain.Role) (string, error)
}

// Client sends requests straight into a handler and checks every
// /api/v1 response against the OpenAPI document. Clients are values:
// For and WithToken return adjusted copies.
type Client struct {
	handler   http.Handler
	validator *OpenAPIValidator
	token     string
	t         *testing.T
}

// NewHandlerClient returns an anonymous client for h.
func NewHandlerClient(t *testing.T, h http.Handler, specPath string) *Client {
	t.Helper()
	return &Client{handler: h, validator: NewOpenAPIValidator(t, specPath), t: t}
}

// For binds the client to a subtest so contract failures are reported there.
func (c *Client) For(t *testing.T) *Client {
	clone := *c
	clone.t = t
	return &clone
}

// WithToken returns a copy that sends token as the bearer credential.
func (c *Client) WithToken(token string) *Client {
	clone := *c
	clone.token = token
	return &clone
}

// As returns a copy authenticated as the platform user id with role.
func (c *Client) As(t *testing.T, issuer TokenIssuer, userID int64, role domain.Role) *Client {
	t.Helper()
	token, err := issuer.Issue(strconv.FormatInt(userID, 10), role)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return c.For(t).WithToken(token)
}

func (c *Client) GET(path string) (*http.Response, error) {
	return c.do(http.MethodGet, path, nil)
}

func (c *Client) POST(path string, body any) (*http.Response, error) {
	return c.do(http.MethodPost, path, body)
}

func (c *Client) PUT(path string, body any) (*http.Response, error) {
	return c.do(http.MethodPut, path, body)
}

func (c *Client) DELETE(path string) (*http.Response, error) {
	return c.do(http.MethodDelete, path, nil)
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		payload = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, payload)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	rec := httptest.NewRecorder()
	c.handler.ServeHTTP(rec, req)
	resp := rec.Result()

	if c.validator != nil && c.t != nil {
		c.validator.ValidateResponse(c.t, req, resp)
	}
	return resp, nil
}

// Data decodes a {"data": ...} response into T.
func Data[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var env struct {
		Data T `json:"data"`
	}
	DecodeJSON(t, resp, &env)
	return env.Data
}

// ErrorMessage decodes an error envelope and returns its message.
func ErrorMessage(t *testing.T, resp *http.Response) string {
	t.Helper()
	var env struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	DecodeJSON(t, resp, &env)
	return env.Error.Message
}

// DecodeJSON decodes and closes the response body.
func DecodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// ReadBody reads and closes the response body.
func ReadBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(raw)
}
