package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/dmitrijs2005/optipress/internal/common"
	"github.com/dmitrijs2005/optipress/internal/netx"
)

// HTTPClient talks to the dashboard HTTP API. It authenticates with the API
// key when one is set and falls back to the bearer token otherwise; an
// expired access token is refreshed once and the call retried.
type HTTPClient struct {
	baseURL   string
	http      *http.Client
	threshold int

	mu       sync.Mutex
	apiKey   string
	tokens   Tokens
	onTokens func(Tokens)
}

// NewHTTPClient returns a client for baseURL. Files of threshold bytes or more
// go through a presigned staging upload instead of the request body.
func NewHTTPClient(baseURL string, hc *http.Client, threshold int) *HTTPClient {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &HTTPClient{baseURL: strings.TrimRight(baseURL, "/"), http: hc, threshold: threshold}
}

// SetAPIKey sets the plugin API key used for authenticated calls.
func (c *HTTPClient) SetAPIKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiKey = key
}

// SetTokens sets the session token pair.
func (c *HTTPClient) SetTokens(t Tokens) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = t
}

// OnTokens registers fn to be called whenever the token pair changes.
func (c *HTTPClient) OnTokens(fn func(Tokens)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTokens = fn
}

func (c *HTTPClient) storeTokens(t Tokens) {
	c.mu.Lock()
	c.tokens = t
	fn := c.onTokens
	c.mu.Unlock()
	if fn != nil {
		fn(t)
	}
}

func (c *HTTPClient) Signup(ctx context.Context, email, password string) (*Session, error) {
	return c.authenticate(ctx, "/api/auth/signup", email, password)
}

func (c *HTTPClient) Login(ctx context.Context, email, password string) (*Session, error) {
	return c.authenticate(ctx, "/api/auth/login", email, password)
}

func (c *HTTPClient) authenticate(ctx context.Context, path, email, password string) (*Session, error) {
	body := map[string]string{"email": email, "password": password}
	var s Session
	if err := c.doJSON(ctx, http.MethodPost, path, body, &s, false); err != nil {
		return nil, err
	}
	c.storeTokens(s.Tokens)
	return &s, nil
}

// Refresh rotates the refresh token.
func (c *HTTPClient) Refresh(ctx context.Context) error {
	c.mu.Lock()
	rt := c.tokens.RefreshToken
	c.mu.Unlock()
	if rt == "" {
		return ErrSessionRequired
	}

	var t Tokens
	if err := c.doJSON(ctx, http.MethodPost, "/api/auth/refresh", map[string]string{"refresh_token": rt}, &t, false); err != nil {
		return err
	}
	c.storeTokens(t)
	return nil
}

func (c *HTTPClient) Logout(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/api/auth/logout", struct{}{}, nil, true)
}

func (c *HTTPClient) Me(ctx context.Context) (*Profile, error) {
	var p Profile
	if err := c.doJSON(ctx, http.MethodGet, "/api/user/me", nil, &p, true); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *HTTPClient) Credits(ctx context.Context) (int64, error) {
	var out struct {
		Credits int64 `json:"credits"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/user/credits", nil, &out, true); err != nil {
		return 0, err
	}
	return out.Credits, nil
}

// PrepareUpload asks the server for a presigned staging slot.
func (c *HTTPClient) PrepareUpload(ctx context.Context, filename, contentType string) (*Upload, error) {
	body := map[string]string{"filename": filename, "content_type": contentType}
	var up Upload
	if err := c.doJSON(ctx, http.MethodPost, "/api/images/upload-url", body, &up, true); err != nil {
		return nil, err
	}
	return &up, nil
}

// Release deletes a staged object the caller owns.
func (c *HTTPClient) Release(ctx context.Context, path string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/images/delete", map[string]string{"path": path}, nil, true)
}

// Optimize sends data inline when it is under the threshold and through a
// staged upload otherwise. URL results are downloaded.
func (c *HTTPClient) Optimize(ctx context.Context, name string, data []byte, opts Options) (*Result, error) {
	var (
		res *Result
		err error
	)
	if c.threshold > 0 && len(data) >= c.threshold {
		res, err = c.optimizeStaged(ctx, name, data, opts)
	} else {
		res, err = c.optimizeInline(ctx, data, opts)
	}
	if err != nil {
		return nil, err
	}

	if res.Data == nil && res.URL != "" {
		res.Data, err = netx.Download(ctx, res.URL)
		if err != nil {
			return nil, fmt.Errorf("download result: %w", err)
		}
	}
	return res, nil
}

func (c *HTTPClient) optimizeInline(ctx context.Context, data []byte, opts Options) (*Result, error) {
	resp, err := c.send(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/images/optimize", bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		setOptionHeaders(req, opts)
		return req, nil
	}, true)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return readOptimizeResponse(resp)
}

func (c *HTTPClient) optimizeStaged(ctx context.Context, name string, data []byte, opts Options) (*Result, error) {
	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	up, err := c.PrepareUpload(ctx, filepath.Base(name), contentType)
	if err != nil {
		return nil, fmt.Errorf("prepare upload: %w", err)
	}
	if err := netx.UploadToPresignedURL(ctx, up.URL, data, contentType); err != nil {
		return nil, err
	}

	body := map[string]any{"path": up.Path, "format": opts.Format}
	if opts.Quality > 0 {
		body["quality"] = opts.Quality
	}
	resp, err := c.send(ctx, func() (*http.Request, error) {
		return c.jsonRequest(ctx, http.MethodPost, "/api/images/optimize", body)
	}, true)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return readOptimizeResponse(resp)
}

func setOptionHeaders(req *http.Request, opts Options) {
	if opts.Format != "" {
		req.Header.Set(common.FormatHeaderName, opts.Format)
	}
	if opts.Quality > 0 {
		req.Header.Set(common.QualityHeaderName, strconv.Itoa(opts.Quality))
	}
}

// readOptimizeResponse handles both response shapes: raw bytes for API-key
// callers and JSON with a data URL or a storage URL for session callers.
func readOptimizeResponse(resp *http.Response) (*Result, error) {
	before, _ := strconv.Atoi(resp.Header.Get(common.SizeBeforeHeaderName))
	after, _ := strconv.Atoi(resp.Header.Get(common.SizeAfterHeaderName))

	ct := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "application/json") {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		return &Result{
			Format:     strings.TrimPrefix(ct, "image/"),
			SizeBefore: before,
			SizeAfter:  after,
			Data:       data,
		}, nil
	}

	var out struct {
		Format     string `json:"format"`
		SizeBefore int    `json:"size_before"`
		SizeAfter  int    `json:"size_after"`
		DataURL    string `json:"data_url"`
		URL        string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	res := &Result{Format: out.Format, SizeBefore: out.SizeBefore, SizeAfter: out.SizeAfter, URL: out.URL}
	if out.DataURL != "" {
		data, err := decodeDataURL(out.DataURL)
		if err != nil {
			return nil, err
		}
		res.Data = data
	}
	return res, nil
}

func decodeDataURL(s string) ([]byte, error) {
	_, payload, ok := strings.Cut(s, ";base64,")
	if !ok {
		return nil, errors.New("malformed data url")
	}
	return base64.StdEncoding.DecodeString(payload)
}

func (c *HTTPClient) jsonRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body, out any, authed bool) error {
	resp, err := c.send(ctx, func() (*http.Request, error) {
		return c.jsonRequest(ctx, method, path, body)
	}, authed)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// send builds a request with build, attaches credentials and executes it.
// A 401 caused by an expired access token triggers one refresh and a retry.
func (c *HTTPClient) send(ctx context.Context, build func() (*http.Request, error), authed bool) (*http.Response, error) {
	resp, err := c.sendOnce(build, authed)
	if err == nil {
		return resp, nil
	}

	var se *StatusError
	if !authed || !errors.As(err, &se) || se.Code != http.StatusUnauthorized ||
		!strings.Contains(se.Message, common.ErrTokenExpired.Error()) {
		return nil, err
	}

	c.mu.Lock()
	usingBearer := c.apiKey == "" && c.tokens.RefreshToken != ""
	c.mu.Unlock()
	if !usingBearer {
		return nil, err
	}

	if rerr := c.Refresh(ctx); rerr != nil {
		return nil, fmt.Errorf("refresh session: %w", rerr)
	}
	return c.sendOnce(build, authed)
}

func (c *HTTPClient) sendOnce(build func() (*http.Request, error), authed bool) (*http.Response, error) {
	req, err := build()
	if err != nil {
		return nil, err
	}
	if authed {
		if err := c.authorize(req); err != nil {
			return nil, err
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)
	if body.Error == "" {
		body.Error = http.StatusText(resp.StatusCode)
	}
	return nil, &StatusError{Code: resp.StatusCode, Message: body.Error}
}

func (c *HTTPClient) authorize(req *http.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.apiKey != "":
		req.Header.Set(common.APIKeyHeaderName, c.apiKey)
	case c.tokens.AccessToken != "":
		req.Header.Set(common.AuthorizationHeaderName, common.BearerPrefix+c.tokens.AccessToken)
	default:
		return ErrSessionRequired
	}
	return nil
}
