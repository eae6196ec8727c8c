// Integration HTTP handlers.
//
// This file exposes the OAuth connect flow for each configured portal:
//   - GET    /integrations/{portal}/auth-url     (authorization URL)
//   - GET    /integrations/{portal}/callback     (code exchange, browser redirect)
//   - GET    /integrations/{portal}/me           (connection check)
//   - DELETE /integrations/{portal}/connection   (disconnect)
package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/portal-integrator/internal/failure"
	"github.com/tbourn/portal-integrator/internal/oauth"
)

// AuthURLResponse carries the portal authorization URL.
type AuthURLResponse struct {
	URL string `json:"url" example:"https://auth.olx.com.br/oauth?client_id=...&state=..."`
}

// integration resolves the :portal path parameter, writing a 404 when no
// OAuth service is configured for it.
func (h *Handlers) integration(c *gin.Context) (OAuthService, bool) {
	s, found := h.oauthSvc[strings.ToLower(c.Param("portal"))]
	if !found {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "unknown portal")
		return nil, false
	}
	return s, true
}

// AuthURL godoc
// @ID          integrationAuthURL
// @Summary     Get the portal authorization URL
// @Tags        Integrations
// @Produce     json
//
// @Param       portal    path   string  true  "Portal code"  example(olx)
// @Param       tenantId  query  string  true  "Tenant ID"    example(dealer-7)
//
// @Success     200  {object} handlers.AuthURLResponse
// @Failure     400  {object} handlers.ErrorResponse "tenantId required"
// @Failure     404  {object} handlers.ErrorResponse "Unknown portal"
// @Router      /integrations/{portal}/auth-url [get]
func (h *Handlers) AuthURL(c *gin.Context) {
	s, found := h.integration(c)
	if !found {
		return
	}
	u, err := s.AuthorizationURL(tenantID(c))
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}
	ok(c, http.StatusOK, AuthURLResponse{URL: u})
}

// Callback godoc
// @ID          integrationCallback
// @Summary     OAuth redirect target
// @Description Exchanges the authorization code and redirects the browser back to the app with a success or error flag.
// @Tags        Integrations
//
// @Param       portal  path   string  true   "Portal code"  example(olx)
// @Param       code    query  string  false  "Authorization code"
// @Param       state   query  string  false  "Opaque state from the auth URL"
// @Param       error   query  string  false  "Error reported by the portal"
//
// @Success     302  {string} string "Redirect to the app"
// @Failure     400  {object} handlers.ErrorResponse "Missing code or state"
// @Failure     404  {object} handlers.ErrorResponse "Unknown portal"
// @Router      /integrations/{portal}/callback [get]
func (h *Handlers) Callback(c *gin.Context) {
	s, found := h.integration(c)
	if !found {
		return
	}
	target, err := s.HandleCallback(c.Request.Context(), oauth.CallbackParams{
		Code:  c.Query("code"),
		State: c.Query("state"),
		Error: c.Query("error"),
	})
	if err != nil {
		if errors.Is(err, oauth.ErrInvalidCallback) {
			fail(c, http.StatusBadRequest, ErrCodeInvalidCallback, "code and state are required")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	c.Redirect(http.StatusFound, target)
}

// Me godoc
// @ID          integrationMe
// @Summary     Check the portal connection
// @Description Validates the stored token against the portal identity endpoint. A rejected token flags the connection for re-authorization.
// @Tags        Integrations
// @Produce     json
//
// @Param       portal    path   string  true  "Portal code"  example(olx)
// @Param       tenantId  query  string  true  "Tenant ID"    example(dealer-7)
//
// @Success     200  {object} oauth.Identity
// @Failure     400  {object} handlers.ErrorResponse "tenantId required"
// @Failure     404  {object} handlers.ErrorResponse "Not connected"
// @Failure     500  {object} handlers.ErrorResponse "Identity check failed"
// @Router      /integrations/{portal}/me [get]
func (h *Handlers) Me(c *gin.Context) {
	s, found := h.integration(c)
	if !found {
		return
	}
	id, err := s.FetchIdentity(c.Request.Context(), tenantID(c))
	switch {
	case err == nil:
		ok(c, http.StatusOK, id)
	case errors.Is(err, oauth.ErrMissingTenant):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
	case errors.Is(err, oauth.ErrNotConnected):
		fail(c, http.StatusNotFound, ErrCodeNotConnected, "not connected")
	case failure.RequiresReauth(err):
		fail(c, http.StatusInternalServerError, ErrCodeReauthRequired, err.Error())
	default:
		fail(c, http.StatusInternalServerError, ErrCodeIdentityFailed, err.Error())
	}
}

// Disconnect godoc
// @ID          integrationDisconnect
// @Summary     Remove the portal connection
// @Tags        Integrations
//
// @Param       portal    path   string  true  "Portal code"  example(olx)
// @Param       tenantId  query  string  true  "Tenant ID"    example(dealer-7)
//
// @Success     204  {string} string "No Content"
// @Failure     400  {object} handlers.ErrorResponse "tenantId required"
// @Failure     404  {object} handlers.ErrorResponse "Not connected"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /integrations/{portal}/connection [delete]
func (h *Handlers) Disconnect(c *gin.Context) {
	s, found := h.integration(c)
	if !found {
		return
	}
	err := s.Disconnect(c.Request.Context(), tenantID(c))
	switch {
	case err == nil:
		noContent(c)
	case errors.Is(err, oauth.ErrMissingTenant):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
	case errors.Is(err, oauth.ErrNotConnected):
		fail(c, http.StatusNotFound, ErrCodeNotConnected, "not connected")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeDisconnectFailed, err.Error())
	}
}
