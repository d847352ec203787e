package server

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/dvcrn/claude-openai-bridge/internal/apierr"
	"github.com/dvcrn/claude-openai-bridge/internal/auth"
	"github.com/dvcrn/claude-openai-bridge/internal/credentials"
	"github.com/dvcrn/claude-openai-bridge/internal/instructions"
	"github.com/dvcrn/claude-openai-bridge/internal/probe"
)

// adminMiddleware checks the admin key from 'Authorization: Bearer <key>',
// 'X-Admin-Key' or 'X-API-Key'. Without a configured key the admin API is
// closed. Requests carrying an Origin header come from a browser page and
// are refused whatever key they carry.
func (s *Server) adminMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		r := c.Request()
		if s.adminKey == "" {
			s.log.Error().
				Str("method", r.Method).
				Str("uri", r.RequestURI).
				Msg("ADMIN_API_KEY not set, admin API disabled")
			return apierr.New(apierr.KindInternal, "Admin API not configured", nil)
		}
		if origin := r.Header.Get("Origin"); origin != "" {
			s.log.Warn().
				Str("method", r.Method).
				Str("uri", r.RequestURI).
				Str("origin", origin).
				Msg("Rejected cross-origin admin request")
			return apierr.WithStatus(apierr.KindInvalidRequest, http.StatusForbidden, "admin API does not accept browser requests", nil)
		}

		provided := ""
		if authHeader := r.Header.Get("Authorization"); authHeader != "" {
			parts := strings.Fields(authHeader)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				s.log.Warn().
					Str("method", r.Method).
					Str("uri", r.RequestURI).
					Str("remote_addr", r.RemoteAddr).
					Msg("Invalid Authorization header format for admin endpoint")
				return apierr.WithStatus(apierr.KindUpstreamAuthRejected, http.StatusUnauthorized, "invalid Authorization header format", nil)
			}
			provided = parts[1]
		} else if key := r.Header.Get("X-Admin-Key"); key != "" {
			provided = key
		} else {
			provided = r.Header.Get("X-API-Key")
		}

		if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(s.adminKey)) != 1 {
			s.log.Warn().
				Str("method", r.Method).
				Str("uri", r.RequestURI).
				Str("remote_addr", r.RemoteAddr).
				Bool("key_present", provided != "").
				Msg("Rejected admin request")
			return apierr.WithStatus(apierr.KindUpstreamAuthRejected, http.StatusUnauthorized, "unauthorized", nil)
		}

		s.log.Info().
			Str("method", r.Method).
			Str("uri", r.RequestURI).
			Str("remote_addr", r.RemoteAddr).
			Msg("Admin request authorized")
		return next(c)
	}
}

type statusResponse struct {
	Backend      string                   `json:"backend"`
	Target       string                   `json:"target"`
	OAuth        *oauthStatus             `json:"oauth,omitempty"`
	Capabilities []probe.EntryInfo        `json:"capabilities"`
	Instructions []instructions.EntryInfo `json:"instructions"`
}

type oauthStatus struct {
	State              string     `json:"state"`
	Reason             string     `json:"reason,omitempty"`
	AuthorizeURL       string     `json:"authorize_url,omitempty"`
	HasCredentials     bool       `json:"has_credentials"`
	AccountID          string     `json:"account_id,omitempty"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
	MinutesUntilExpiry *int       `json:"minutes_until_expiry,omitempty"`
	IsExpired          bool       `json:"is_expired"`
	NeedsRefreshSoon   bool       `json:"needs_refresh_soon"`
}

func (s *Server) handleStatus(c echo.Context) error {
	out := statusResponse{
		Backend:      s.routing.Backend.String(),
		Target:       s.routing.Target,
		Capabilities: s.prober.Entries(),
		Instructions: []instructions.EntryInfo{},
	}
	if s.instructions != nil {
		out.Instructions = s.instructions.Entries()
	}
	if s.auth != nil {
		out.OAuth = s.oauthStatus()
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) oauthStatus() *oauthStatus {
	state := s.auth.State()
	st := &oauthStatus{
		State:        state.Status.String(),
		Reason:       state.Reason,
		AuthorizeURL: state.AuthorizeURL,
	}
	tok := s.auth.Token()
	if tok == nil || tok.AccessToken == "" {
		return st
	}
	st.HasCredentials = true
	st.AccountID = tok.AccountID
	if !tok.ExpiresAt.IsZero() {
		expires := tok.ExpiresAt
		left := int(expires.Sub(s.now()).Minutes())
		st.ExpiresAt = &expires
		st.MinutesUntilExpiry = &left
		st.IsExpired = !s.now().Before(expires)
		st.NeedsRefreshSoon = left < 60
	}
	return st
}

// handleReset forgets confirmed shapes and cached instructions.
func (s *Server) handleReset(c echo.Context) error {
	s.prober.Reset()
	if s.instructions != nil {
		if err := s.instructions.Reset(); err != nil {
			return apierr.New(apierr.KindInternal, "failed to reset instruction cache", err)
		}
	}
	s.log.Info().Msg("♻️ Capability and instruction caches reset")
	return c.JSON(http.StatusOK, map[string]string{"status": "success", "message": "Caches reset"})
}

func (s *Server) handleClearCredentials(c echo.Context) error {
	if s.auth == nil {
		return apierr.New(apierr.KindInvalidRequest, "OAuth is not enabled for this backend", nil)
	}
	if err := s.auth.Clear(); err != nil {
		return apierr.New(apierr.KindInternal, "failed to clear credentials", err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "success", "message": "Credentials cleared"})
}

// handleSetCredentials stores tokens obtained elsewhere, for deployments
// that cannot run the browser sign-in.
func (s *Server) handleSetCredentials(c echo.Context) error {
	if s.auth == nil {
		return apierr.New(apierr.KindInvalidRequest, "OAuth is not enabled for this backend", nil)
	}
	if !isJSON(c.Request().Header.Get(echo.HeaderContentType)) {
		return apierr.WithStatus(apierr.KindInvalidRequest, http.StatusUnsupportedMediaType, "Content-Type must be application/json", nil)
	}
	var body struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresAt    int64  `json:"expiresAt"`
		AccountID    string `json:"accountID,omitempty"`
	}
	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, maxRequestBody))
	if err != nil {
		return apierr.New(apierr.KindInvalidRequest, "failed to read request body", err)
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return apierr.New(apierr.KindInvalidRequest, "invalid request body", err)
	}
	if body.AccessToken == "" || body.RefreshToken == "" || body.ExpiresAt == 0 {
		return apierr.New(apierr.KindInvalidRequest, "missing required fields: accessToken, refreshToken, expiresAt", nil)
	}

	tok := credentials.Token{
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		ExpiresAt:    time.UnixMilli(body.ExpiresAt),
		AccountID:    body.AccountID,
	}
	if tok.AccountID == "" {
		tok.AccountID = auth.AccountIDFromJWT(tok.AccessToken)
	}
	if err := s.auth.SetToken(tok); err != nil {
		return apierr.New(apierr.KindInternal, "failed to update credentials", err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "success", "message": "Credentials updated successfully"})
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == echo.MIMEApplicationJSON
}
