package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"authgate.org/internal/audit"
	"authgate.org/internal/auth"
	"authgate.org/internal/obs"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// sessionResponse is the shape shared by login and refresh.
type sessionResponse struct {
	AccessToken  string             `json:"access_token"`
	TokenType    string             `json:"token_type"`
	ExpiresIn    int64              `json:"expires_in"`
	RefreshToken string             `json:"refresh_token"`
	User         auth.UserWithRoles `json:"user"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	pair, principal, err := a.sessions.Login(r.Context(), req.Email, req.Password, requestMeta(r))
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			obs.CountLogin("denied")
			writeError(w, r, http.StatusUnauthorized, "Unauthorized")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "login failed")
		return
	}

	obs.CountLogin("ok")
	a.setAuthCookies(w, pair)
	writeJSON(w, http.StatusOK, a.sessionResponse(pair, principal))
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	user, err := a.rbac.Register(r.Context(), req.Name, req.Email, req.Username, req.Password)
	if err != nil {
		handleRBACError(w, r, err)
		return
	}

	obs.CountRegistration()
	_ = audit.LogEvent(r.Context(), "auth.register", map[string]any{
		"user_id": user.ID,
		"email":   user.Email,
		"ip":      clientIP(r),
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "User registered successfully",
		"user":    user,
	})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	pair, principal, err := a.sessions.Refresh(r.Context(), a.refreshValue(r), requestMeta(r))
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrMissingToken),
			errors.Is(err, auth.ErrNotFound),
			errors.Is(err, auth.ErrTokenExpired):
			obs.CountRefresh("denied")
			a.clearAuthCookies(w)
			writeError(w, r, http.StatusUnauthorized, "Unauthorized")
		default:
			writeError(w, r, http.StatusInternalServerError, "refresh failed")
		}
		return
	}

	obs.CountRefresh("ok")
	a.setAuthCookies(w, pair)
	writeJSON(w, http.StatusOK, a.sessionResponse(pair, principal))
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	a.sessions.Logout(r.Context(), a.refreshValue(r), requestMeta(r))
	a.clearAuthCookies(w)
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Successfully logged out",
	})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "Unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, principalPayload(principal))
}

// refreshValue pulls the refresh token from the cookie, falling back to an
// optional JSON body for clients that do not hold cookies.
func (a *API) refreshValue(r *http.Request) string {
	if c, err := r.Cookie(refreshTokenCookie); err == nil && c.Value != "" {
		return c.Value
	}
	var req refreshRequest
	_ = json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20)).Decode(&req)
	return req.RefreshToken
}

func (a *API) sessionResponse(pair auth.TokenPair, principal auth.Principal) sessionResponse {
	return sessionResponse{
		AccessToken:  pair.AccessToken,
		TokenType:    "bearer",
		ExpiresIn:    int64(a.sessions.Codec().TTL().Seconds()),
		RefreshToken: pair.RefreshToken,
		User:         principalPayload(principal),
	}
}

func principalPayload(p auth.Principal) auth.UserWithRoles {
	return auth.UserWithRoles{
		User:        *p.User,
		Roles:       p.RoleNames(),
		Permissions: p.PermissionNames(),
	}
}

func (a *API) setAuthCookies(w http.ResponseWriter, pair auth.TokenPair) {
	http.SetCookie(w, a.cookie(accessTokenCookie, pair.AccessToken, pair.AccessExpiresAt))
	http.SetCookie(w, a.cookie(refreshTokenCookie, pair.RefreshToken, pair.RefreshExpiresAt))
}

func (a *API) clearAuthCookies(w http.ResponseWriter) {
	expired := a.cookie(accessTokenCookie, "", time.Time{})
	expired.MaxAge = -1
	http.SetCookie(w, expired)
	expired = a.cookie(refreshTokenCookie, "", time.Time{})
	expired.MaxAge = -1
	http.SetCookie(w, expired)
}

func (a *API) cookie(name, value string, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   a.cfg.CookieDomain,
		Expires:  expires,
		HttpOnly: true,
		Secure:   a.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}

func requestMeta(r *http.Request) auth.RequestMeta {
	return auth.RequestMeta{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	}
}
