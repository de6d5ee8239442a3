package httpapi

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dmitrijs2005/optipress/internal/common"
	"github.com/dmitrijs2005/optipress/internal/logging"
	"github.com/dmitrijs2005/optipress/internal/server/config"
	"github.com/dmitrijs2005/optipress/internal/server/identity"
	"github.com/dmitrijs2005/optipress/internal/server/imaging"
	"github.com/dmitrijs2005/optipress/internal/server/ledger"
	"github.com/dmitrijs2005/optipress/internal/server/metrics"
	"github.com/dmitrijs2005/optipress/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/optipress/internal/server/services"
	"github.com/dmitrijs2005/optipress/internal/server/storage"
	"github.com/dmitrijs2005/optipress/internal/server/transfer"
	"github.com/dmitrijs2005/optipress/internal/server/webhooks"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

const webhookSecret = "whsec_http"

type testServer struct {
	srv   *Server
	store *storage.MemoryStore
	repos *repomanager.InMemoryRepositoryManager
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.WebhookSecret = webhookSecret

	log := logging.Nop()
	m := metrics.NewMetrics("optipress")
	repos := repomanager.NewInMemoryRepositoryManager()
	store := storage.NewMemoryStore()

	l := ledger.New(repos, m, log)
	chain := identity.NewDefaultChain(repos.Accounts(db), []byte(cfg.SecretKey), log)
	orch := transfer.New(db, repos, store, cfg, m, log)
	users := services.NewUserService(db, repos, l, cfg, log)
	opt := services.NewOptimizeService(db, chain, orch, imaging.NewStdTransformer(cfg.MaxWidth), l, cfg, m, log)
	rec := webhooks.NewReconciler(db, repos, l, cfg, m, log)

	return &testServer{
		srv:   NewServer(":0", log, m, chain, users, opt, orch, rec),
		store: store,
		repos: repos,
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	return w
}

func (ts *testServer) doJSON(t *testing.T, method, path string, payload any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	if headers == nil {
		headers = map[string]string{}
	}
	headers["Content-Type"] = "application/json"
	return ts.do(t, method, path, body, headers)
}

func (ts *testServer) signup(t *testing.T, email string) sessionResponse {
	t.Helper()
	w := ts.doJSON(t, http.MethodPost, "/api/auth/signup", credentialsRequest{Email: email, Password: "s3cret"}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var s sessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &s))
	return s
}

func bearer(s sessionResponse) map[string]string {
	return map[string]string{"Authorization": "Bearer " + s.AccessToken}
}

func apiKey(s sessionResponse) map[string]string {
	return map[string]string{"X-API-Key": s.User.APIKey}
}

func (ts *testServer) credits(t *testing.T, s sessionResponse) int64 {
	t.Helper()
	w := ts.do(t, http.MethodGet, "/api/user/credits", nil, bearer(s))
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Credits int64 `json:"credits"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Credits
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 24))
	for x := 0; x < 32; x++ {
		for y := 0; y < 24; y++ {
			img.Set(x, y, color.RGBA{uint8(x * 8), uint8(y * 10), 90, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestHandleHealth(t *testing.T) {
	ts := setupTestServer(t)

	w := ts.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
	assert.NotEmpty(t, w.Header().Get(common.CorrelationHeaderName))
}

func TestCorrelationIDIsEchoed(t *testing.T) {
	ts := setupTestServer(t)

	w := ts.do(t, http.MethodGet, "/health", nil, map[string]string{common.CorrelationHeaderName: "req-42"})
	assert.Equal(t, "req-42", w.Header().Get(common.CorrelationHeaderName))
}

func TestMetricsEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	ts.do(t, http.MethodGet, "/health", nil, nil)

	w := ts.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `optipress_http_requests_total{endpoint="/health",method="GET",status="200"} 1`)
}

func TestAuthFlow(t *testing.T) {
	ts := setupTestServer(t)
	s := ts.signup(t, "flow@example.com")

	assert.Equal(t, int64(10), s.User.Credits)
	assert.NotEmpty(t, s.RefreshToken)

	w := ts.doJSON(t, http.MethodPost, "/api/auth/signup", credentialsRequest{Email: "flow@example.com", Password: "x"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.doJSON(t, http.MethodPost, "/api/auth/login", credentialsRequest{Email: "flow@example.com", Password: "bad"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.doJSON(t, http.MethodPost, "/api/auth/login", credentialsRequest{Email: "flow@example.com", Password: "s3cret"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var logged sessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &logged))

	w = ts.do(t, http.MethodGet, "/api/user/me", nil, bearer(logged))
	require.Equal(t, http.StatusOK, w.Code)
	var me profileResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &me))
	assert.Equal(t, s.User, me)

	// The signup refresh token was replaced by login.
	w = ts.doJSON(t, http.MethodPost, "/api/auth/refresh", refreshRequest{RefreshToken: s.RefreshToken}, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = ts.doJSON(t, http.MethodPost, "/api/auth/refresh", refreshRequest{RefreshToken: logged.RefreshToken}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.doJSON(t, http.MethodPost, "/api/auth/refresh", refreshRequest{RefreshToken: logged.RefreshToken}, nil)
	assert.Equal(t, http.StatusForbidden, w.Code, "replayed refresh token")

	w = ts.do(t, http.MethodPost, "/api/auth/logout", nil, bearer(logged))
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodPost, "/api/auth/refresh", []byte("{"), map[string]string{"Content-Type": "application/json"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUnauthenticated(t *testing.T) {
	ts := setupTestServer(t)

	w := ts.do(t, http.MethodGet, "/api/user/me", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(t, http.MethodPost, "/api/images/optimize", []byte("x"), map[string]string{"X-API-Key": "bogus"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(t, http.MethodGet, "/api/user/credits", nil, map[string]string{"Authorization": "Bearer not-a-jwt"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestOptimize_APIKeyGetsBinary(t *testing.T) {
	ts := setupTestServer(t)
	s := ts.signup(t, "plugin@example.com")

	h := apiKey(s)
	h[common.FormatHeaderName] = "jpeg"
	h[common.QualityHeaderName] = "60"
	w := ts.do(t, http.MethodPost, "/api/images/optimize", pngBytes(t), h)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="optimized.jpg"`, w.Header().Get("Content-Disposition"))
	assert.NotEmpty(t, w.Header().Get(common.SizeBeforeHeaderName))

	_, format, err := image.DecodeConfig(bytes.NewReader(w.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)

	assert.Equal(t, int64(9), ts.credits(t, s))
}

func TestOptimize_DefaultFormatIsWebP(t *testing.T) {
	ts := setupTestServer(t)
	s := ts.signup(t, "webp@example.com")

	w := ts.do(t, http.MethodPost, "/api/images/optimize", pngBytes(t), apiKey(s))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "image/webp", w.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="optimized.webp"`, w.Header().Get("Content-Disposition"))

	_, format, err := image.DecodeConfig(bytes.NewReader(w.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, "webp", format)
}

func TestOptimize_DashboardGetsJSON(t *testing.T) {
	ts := setupTestServer(t)
	s := ts.signup(t, "dash@example.com")

	h := bearer(s)
	h[common.FormatHeaderName] = "png"
	w := ts.do(t, http.MethodPost, "/api/images/optimize", pngBytes(t), h)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp optimizeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "png", resp.Format)
	assert.True(t, strings.HasPrefix(resp.DataURL, "data:image/png;base64,"))
	assert.Empty(t, resp.URL)
}

func TestOptimize_Errors(t *testing.T) {
	ts := setupTestServer(t)
	s := ts.signup(t, "err@example.com")

	h := apiKey(s)
	h[common.FormatHeaderName] = "bmp"
	w := ts.do(t, http.MethodPost, "/api/images/optimize", pngBytes(t), h)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/api/images/optimize", []byte("not an image"), map[string]string{
		"X-API-Key": s.User.APIKey, common.FormatHeaderName: "png",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.doJSON(t, http.MethodPost, "/api/images/optimize", optimizeRequest{Path: "raw/someone/else.png"}, apiKey(s))
	assert.Equal(t, http.StatusNotFound, w.Code)

	assert.Equal(t, int64(10), ts.credits(t, s), "failures never debit")
}

func TestOptimize_ZeroBalance(t *testing.T) {
	ts := setupTestServer(t)
	s := ts.signup(t, "zero@example.com")
	require.NoError(t, ts.repos.Accounts(nil).AtomicDecrementBalance(context.Background(), s.User.ID, 10))

	h := apiKey(s)
	h[common.FormatHeaderName] = "png"
	w := ts.do(t, http.MethodPost, "/api/images/optimize", pngBytes(t), h)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestStagedUploadFlow(t *testing.T) {
	ts := setupTestServer(t)
	s := ts.signup(t, "staged@example.com")

	w := ts.doJSON(t, http.MethodPost, "/api/images/upload-url", uploadURLRequest{Filename: "big photo.png", ContentType: "image/png"}, bearer(s))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var up uploadURLResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &up))
	assert.True(t, strings.HasPrefix(up.Path, "raw/"+s.User.ID+"/"))
	assert.True(t, strings.HasSuffix(up.Path, "-big_photo.png"))
	assert.NotEmpty(t, up.URL)

	_, err := ts.store.Put(context.Background(), up.Path, pngBytes(t), "image/png")
	require.NoError(t, err)

	w = ts.doJSON(t, http.MethodPost, "/api/images/optimize", optimizeRequest{Path: up.Path, Format: "png", Quality: 90}, bearer(s))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.False(t, ts.store.Has(up.Path))
	assert.Equal(t, int64(9), ts.credits(t, s))

	w = ts.doJSON(t, http.MethodPost, "/api/images/delete", deleteRequest{Path: up.Path}, bearer(s))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteRoute(t *testing.T) {
	ts := setupTestServer(t)
	s := ts.signup(t, "del@example.com")

	w := ts.doJSON(t, http.MethodPost, "/api/images/upload-url", uploadURLRequest{Filename: "a.png"}, bearer(s))
	require.Equal(t, http.StatusOK, w.Code)
	var up uploadURLResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &up))
	_, err := ts.store.Put(context.Background(), up.Path, []byte("x"), "image/png")
	require.NoError(t, err)

	w = ts.doJSON(t, http.MethodPost, "/api/images/delete", deleteRequest{Path: up.Path}, apiKey(s))
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, ts.store.Has(up.Path))

	w = ts.doJSON(t, http.MethodPost, "/api/images/delete", deleteRequest{}, apiKey(s))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookRoute(t *testing.T) {
	ts := setupTestServer(t)
	body := []byte(`{"id":"evt_1","type":"payment.completed","user":{"email":"hook@example.com"},"plan_id":34240}`)
	sig := webhooks.Sign([]byte(webhookSecret), body)

	w := ts.do(t, http.MethodPost, "/api/webhooks/freemius", body, map[string]string{common.SignatureHeaderName: sig})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), webhooks.StateApplied)

	w = ts.do(t, http.MethodPost, "/api/webhooks/freemius", body, map[string]string{common.SignatureHeaderName: sig})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), webhooks.StateDeduplicated)

	acc, err := ts.repos.Accounts(nil).FindByEmail(context.Background(), "hook@example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), acc.Credits)

	tampered := bytes.Replace(body, []byte("34240"), []byte("34243"), 1)
	w = ts.do(t, http.MethodPost, "/api/webhooks/freemius", tampered, map[string]string{common.SignatureHeaderName: sig})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(t, http.MethodPost, "/api/webhooks/freemius", body, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	bad := []byte(`{"type":`)
	w = ts.do(t, http.MethodPost, "/api/webhooks/freemius", bad, map[string]string{common.SignatureHeaderName: webhooks.Sign([]byte(webhookSecret), bad)})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{common.ErrNoCredentials, http.StatusUnauthorized},
		{common.ErrSignature, http.StatusUnauthorized},
		{common.ErrRefreshTokenMismatch, http.StatusForbidden},
		{common.ErrInsufficientBalance, http.StatusForbidden},
		{common.Validationf("x"), http.StatusBadRequest},
		{common.ErrAlreadyExists, http.StatusBadRequest},
		{common.ErrorNotFound, http.StatusNotFound},
		{common.ErrTimeout, http.StatusServiceUnavailable},
		{common.ErrStorage, http.StatusInternalServerError},
		{&common.TransformError{Format: "webp", Err: common.ErrorInternal}, http.StatusInternalServerError},
		{common.ErrorInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
