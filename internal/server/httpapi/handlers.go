package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dmitrijs2005/optipress/internal/common"
	"github.com/dmitrijs2005/optipress/internal/server/services"
	"github.com/dmitrijs2005/optipress/internal/server/transfer"
	"github.com/gin-gonic/gin"
)

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type profileResponse struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	Credits int64  `json:"credits"`
	APIKey  string `json:"api_key"`
}

type tokensResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type sessionResponse struct {
	tokensResponse
	User profileResponse `json:"user"`
}

type uploadURLRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
}

type uploadURLResponse struct {
	Path      string    `json:"path"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// optimizeRequest is the JSON form of /api/images/optimize, used for staged
// inputs. Quality may be a number or a string.
type optimizeRequest struct {
	Path    string `json:"path"`
	Format  string `json:"format"`
	Quality any    `json:"quality"`
}

type optimizeResponse struct {
	Format       string  `json:"format"`
	SizeBefore   int     `json:"size_before"`
	SizeAfter    int     `json:"size_after"`
	SavedPercent float64 `json:"saved_percent"`
	DataURL      string  `json:"data_url,omitempty"`
	URL          string  `json:"url,omitempty"`
}

type deleteRequest struct {
	Path string `json:"path"`
}

type webhookResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func toProfile(p services.Profile) profileResponse {
	return profileResponse{ID: p.ID, Email: p.Email, Credits: p.Credits, APIKey: p.APIKey}
}

func toSession(s *services.Session) sessionResponse {
	return sessionResponse{
		tokensResponse: tokensResponse{AccessToken: s.Tokens.AccessToken, RefreshToken: s.Tokens.RefreshToken},
		User:           toProfile(s.Profile),
	}
}

// bindJSON decodes a bounded JSON body into dst.
func bindJSON(c *gin.Context, dst any) error {
	dec := json.NewDecoder(io.LimitReader(c.Request.Body, maxJSONBody))
	if err := dec.Decode(dst); err != nil {
		return common.Validationf("invalid JSON body: %v", err)
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": time.Now().UTC()})
}

func (s *Server) handleSignup(c *gin.Context) {
	var req credentialsRequest
	if err := bindJSON(c, &req); err != nil {
		s.abortWithError(c, err)
		return
	}

	session, err := s.users.Signup(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toSession(session))
}

func (s *Server) handleLogin(c *gin.Context) {
	var req credentialsRequest
	if err := bindJSON(c, &req); err != nil {
		s.abortWithError(c, err)
		return
	}

	session, err := s.users.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, toSession(session))
}

func (s *Server) handleRefresh(c *gin.Context) {
	var req refreshRequest
	if err := bindJSON(c, &req); err != nil {
		s.abortWithError(c, err)
		return
	}
	if req.RefreshToken == "" {
		s.abortWithError(c, common.Validationf("refresh_token is required"))
		return
	}

	pair, err := s.users.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, tokensResponse{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken})
}

func (s *Server) handleLogout(c *gin.Context) {
	if err := s.users.Logout(c.Request.Context(), accountFrom(c).ID); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "logged out"})
}

func (s *Server) handleMe(c *gin.Context) {
	p, err := s.users.Profile(c.Request.Context(), accountFrom(c).ID)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, toProfile(*p))
}

func (s *Server) handleCredits(c *gin.Context) {
	credits, err := s.users.Credits(c.Request.Context(), accountFrom(c).ID)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"credits": credits})
}

func (s *Server) handleUploadURL(c *gin.Context) {
	var req uploadURLRequest
	if err := bindJSON(c, &req); err != nil {
		s.abortWithError(c, err)
		return
	}
	if req.Filename == "" {
		s.abortWithError(c, common.Validationf("filename is required"))
		return
	}

	up, err := s.transfer.PrepareUpload(c.Request.Context(), accountFrom(c).ID, req.Filename, req.ContentType)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, uploadURLResponse{Path: up.Key, URL: up.URL, ExpiresAt: up.ExpiresAt})
}

// handleOptimize accepts a raw image body with options in X-Format and
// X-Quality, or a JSON body naming a staged path. API-key callers get the
// optimized bytes back; dashboard callers get JSON with a data URL.
func (s *Server) handleOptimize(c *gin.Context) {
	in, opts, err := s.readOptimizeInput(c)
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	acc := accountFrom(c)
	res, err := s.optimize.OptimizeAccount(c.Request.Context(), acc, in, opts)
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	c.Header(common.SizeBeforeHeaderName, strconv.Itoa(res.SizeBefore))
	c.Header(common.SizeAfterHeaderName, strconv.Itoa(res.SizeAfter))

	if viaAPIKey(c) && res.Inline != nil {
		c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="optimized.%s"`, res.Format.Ext()))
		c.Data(http.StatusOK, res.Format.ContentType(), res.Inline)
		return
	}

	resp := optimizeResponse{
		Format:       string(res.Format),
		SizeBefore:   res.SizeBefore,
		SizeAfter:    res.SizeAfter,
		SavedPercent: res.SavedPercent,
		URL:          res.URL,
	}
	if res.Inline != nil {
		resp.DataURL = "data:" + res.Format.ContentType() + ";base64," + base64.StdEncoding.EncodeToString(res.Inline)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) readOptimizeInput(c *gin.Context) (transfer.Input, services.Options, error) {
	if strings.HasPrefix(c.ContentType(), "application/json") {
		var req optimizeRequest
		if err := bindJSON(c, &req); err != nil {
			return transfer.Input{}, services.Options{}, err
		}
		if req.Path == "" {
			return transfer.Input{}, services.Options{}, common.Validationf("path is required")
		}
		opts := services.Options{Format: req.Format}
		if req.Quality != nil {
			opts.Quality = fmt.Sprint(req.Quality)
		}
		return transfer.Input{Path: req.Path}, opts, nil
	}

	// One byte past the threshold is enough to reject the body as too large.
	limit := int64(s.transfer.Threshold()) + 1
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, limit))
	if err != nil {
		return transfer.Input{}, services.Options{}, common.Validationf("read body: %v", err)
	}

	opts := services.Options{
		Format:  c.GetHeader(common.FormatHeaderName),
		Quality: c.GetHeader(common.QualityHeaderName),
	}
	return transfer.Input{Inline: body}, opts, nil
}

func (s *Server) handleDelete(c *gin.Context) {
	var req deleteRequest
	if err := bindJSON(c, &req); err != nil {
		s.abortWithError(c, err)
		return
	}
	if req.Path == "" {
		s.abortWithError(c, common.Validationf("path is required"))
		return
	}

	if err := s.transfer.Release(c.Request.Context(), accountFrom(c).ID, req.Path); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// handleWebhook answers 200 for applied, duplicate and ignored deliveries so
// the provider stops retrying, and 503 for store failures so it retries.
func (s *Server) handleWebhook(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		s.abortWithError(c, common.Validationf("read body: %v", err))
		return
	}

	res, err := s.reconciler.Apply(c.Request.Context(), raw, c.GetHeader(common.SignatureHeaderName))
	if err != nil {
		if errors.Is(err, common.ErrorInternal) {
			s.abortWithStatus(c, http.StatusServiceUnavailable, err)
			return
		}
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, webhookResponse{Status: res.State, Reason: res.Reason})
}
