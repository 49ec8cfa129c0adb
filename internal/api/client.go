package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/putto11262002/chatter/core"
)

const DefaultTimeout = 10 * time.Second

// Client talks to the REST backend. Every request carries the session's
// bearer token when there is one.
type Client struct {
	baseURL    string
	tokens     core.TokenSource
	httpClient *http.Client
	logger     *slog.Logger
}

type ClientOption func(*Client)

func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithTimeout sets the request timeout. The http.Client given to
// WithHTTPClient is copied, not changed.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			hc := *c.httpClient
			hc.Timeout = timeout
			c.httpClient = &hc
		}
	}
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

func New(baseURL string, tokens core.TokenSource, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// do sends a request with body encoded as JSON and decodes the datas field
// of the answer into out when out is not nil.
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	var env envelope[json.RawMessage]
	if err := DecodeJson(resp.Body, &env); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decoding %s %s: %w", method, path, err)
	}
	if len(env.Datas) == 0 || string(env.Datas) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Datas, out); err != nil {
		return fmt.Errorf("decoding %s %s: %w", method, path, err)
	}
	return nil
}

// doPlain is do for the few endpoints that answer without an envelope.
func (c *Client) doPlain(ctx context.Context, method, path string, body any, out any) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := DecodeJson(resp.Body, out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decoding %s %s: %w", method, path, err)
	}
	return nil
}

// send validates and encodes body, performs the request and turns non-2xx
// answers into *Error. The caller closes the body of the returned response.
func (c *Client) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	if body != nil {
		if err := validate.Struct(body); err != nil {
			return nil, fmt.Errorf("%s %s: %w", method, path, err)
		}
	}
	reader, err := EncodeJson(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s %s: %w", method, path, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		switch {
		case err == nil && token != "":
			req.Header.Set("Authorization", "Bearer "+token)
		case err != nil && !errors.Is(err, core.ErrNoToken):
			return nil, fmt.Errorf("%s %s: %w", method, path, err)
		}
	}

	start := time.Now()
	c.logger.Debug(fmt.Sprintf("-> %s %s", method, path))
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	c.logger.Debug(fmt.Sprintf("<- %s %s %d (%s)", method, path, resp.StatusCode, time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp, nil
}

func decodeError(resp *http.Response) error {
	apiErr := NewError("", resp.StatusCode)
	b, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil || len(b) == 0 {
		return apiErr
	}
	var body struct {
		Message any    `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(b, &body); err != nil {
		apiErr.Message = strings.TrimSpace(string(b))
		return apiErr
	}
	switch m := body.Message.(type) {
	case string:
		apiErr.Message = m
	case []any:
		// validation failures come back as a list of messages
		parts := make([]string, 0, len(m))
		for _, p := range m {
			parts = append(parts, fmt.Sprint(p))
		}
		apiErr.Message = strings.Join(parts, "; ")
	}
	if apiErr.Message == "" {
		apiErr.Message = body.Error
	}
	return apiErr
}
