// Package oauth implements the OAuth credential lifecycle for one portal:
// building authorization URLs, exchanging callback codes for tokens,
// refreshing tokens, validating them against the portal's identity endpoint
// and disconnecting.
//
// Tokens are encrypted with the injected cipher before they reach the
// credential store, and every externally visible outcome is recorded in the
// integration audit log under the "auth-flow" job id.
//
// The state parameter carries only base64(JSON {"tenantId"}); it does not
// include an anti-forgery nonce. Adding one changes the callback contract
// with the authorization server and is tracked as a known gap.
package oauth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/oauth2"
	"gorm.io/gorm"

	"github.com/tbourn/portal-integrator/internal/domain"
	"github.com/tbourn/portal-integrator/internal/failure"
	"github.com/tbourn/portal-integrator/internal/repo"
)

var (
	// ErrMissingTenant is returned when no tenant id is supplied.
	ErrMissingTenant = errors.New("tenantId is required")
	// ErrInvalidCallback is returned for callbacks without code or state.
	ErrInvalidCallback = errors.New("invalid callback request")
	// ErrInvalidState is returned when the state cannot be decoded.
	ErrInvalidState = errors.New("invalid oauth state")
	// ErrNotConnected is returned when the tenant has no connection.
	ErrNotConnected = errors.New("portal not connected")
)

// DefaultScopes are requested when Config.Scopes is empty.
var DefaultScopes = []string{"autoupload", "basic_user_info"}

// TokenCipher encrypts tokens at rest.
type TokenCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// Config describes one portal's OAuth endpoints and client.
type Config struct {
	PortalCode   string
	ClientID     string
	ClientSecret string
	// AuthURL is the authorization endpoint.
	AuthURL string
	// TokenURL defaults to AuthURL + "/token".
	TokenURL string
	// IdentityURL returns the profile of the token owner.
	IdentityURL string
	// AppURL is the dealership frontend; browsers land on
	// AppURL/integrations after the callback.
	AppURL string
	// APIURL is the public base URL of this API, used for the redirect URI.
	// Defaults to AppURL.
	APIURL string
	Scopes []string
}

// Identity is the result of FetchIdentity.
type Identity struct {
	Connected bool           `json:"connected"`
	User      map[string]any `json:"user"`
	ExpiresAt *time.Time     `json:"expiresAt,omitempty"`
}

// CallbackParams are the query values the authorization server sends back.
type CallbackParams struct {
	Code  string
	State string
	Error string
}

// Service implements the OAuth exchange for one portal.
type Service struct {
	DB         *gorm.DB
	Cipher     TokenCipher
	HTTPClient *http.Client
	Now        func() time.Time

	cfg   Config
	oauth *oauth2.Config
}

// NewService builds a Service. A nil httpClient uses a client with a 15s
// timeout.
func NewService(db *gorm.DB, cipher TokenCipher, cfg Config, httpClient *http.Client) *Service {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	cfg.AppURL = strings.TrimRight(cfg.AppURL, "/")
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	if cfg.APIURL == "" {
		cfg.APIURL = cfg.AppURL
	}
	cfg.AuthURL = strings.TrimRight(cfg.AuthURL, "/")
	if cfg.TokenURL == "" {
		cfg.TokenURL = cfg.AuthURL + "/token"
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = DefaultScopes
	}
	s := &Service{
		DB:         db,
		Cipher:     cipher,
		HTTPClient: httpClient,
		Now:        func() time.Time { return time.Now().UTC() },
		cfg:        cfg,
	}
	s.oauth = &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   cfg.AuthURL,
			TokenURL:  cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: s.RedirectURI(),
		Scopes:      cfg.Scopes,
	}
	return s
}

// PortalCode returns the portal this service is bound to.
func (s *Service) PortalCode() string { return s.cfg.PortalCode }

// RedirectURI is the callback URL registered with the portal.
func (s *Service) RedirectURI() string {
	return fmt.Sprintf("%s/api/integrations/%s/callback", s.cfg.APIURL, s.cfg.PortalCode)
}

func (s *Service) clientCtx(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, s.HTTPClient)
}

func (s *Service) redirect(key, value string) string {
	return s.cfg.AppURL + "/integrations?" + url.Values{key: {s.cfg.PortalCode + "_" + value}}.Encode()
}

// EncodeState encodes the tenant id into the opaque state parameter.
func EncodeState(tenantID string) string {
	raw, _ := json.Marshal(struct {
		TenantID string `json:"tenantId"`
	}{tenantID})
	return base64.StdEncoding.EncodeToString(raw)
}

// DecodeState recovers the tenant id from a state parameter. Standard and
// URL-safe base64, padded or not, are accepted.
func DecodeState(state string) (string, error) {
	state = strings.TrimSpace(state)
	var raw []byte
	var err error
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if raw, err = enc.DecodeString(state); err == nil {
			break
		}
	}
	if err != nil {
		return "", ErrInvalidState
	}
	var st struct {
		TenantID string `json:"tenantId"`
	}
	if err := json.Unmarshal(raw, &st); err != nil || strings.TrimSpace(st.TenantID) == "" {
		return "", ErrInvalidState
	}
	return st.TenantID, nil
}

// AuthorizationURL returns the URL the tenant's browser is sent to.
func (s *Service) AuthorizationURL(tenantID string) (string, error) {
	if strings.TrimSpace(tenantID) == "" {
		return "", ErrMissingTenant
	}
	return s.oauth.AuthCodeURL(EncodeState(tenantID)), nil
}

// HandleCallback completes the authorization-code flow and returns the URL
// to redirect the browser to. Only malformed requests (no code or state)
// produce an error; every other failure degrades to an error redirect and
// an audit entry, leaving any existing connection untouched.
func (s *Service) HandleCallback(ctx context.Context, p CallbackParams) (string, error) {
	ctx, span := otel.Tracer("oauth").Start(ctx, "oauth.callback")
	defer span.End()
	span.SetAttributes(attribute.String("portal.code", s.cfg.PortalCode))

	if p.Error != "" {
		if tenantID, err := DecodeState(p.State); err == nil {
			s.audit(ctx, tenantID, domain.LevelError, "OAuth authorization denied: "+p.Error)
		}
		log.Warn().Str("portal", s.cfg.PortalCode).Str("oauth_error", p.Error).Msg("authorization denied")
		return s.redirect("error", "denied"), nil
	}
	if strings.TrimSpace(p.Code) == "" || strings.TrimSpace(p.State) == "" {
		return "", ErrInvalidCallback
	}

	tenantID, err := DecodeState(p.State)
	if err != nil {
		log.Error().Err(err).Str("portal", s.cfg.PortalCode).Msg("oauth callback state")
		span.SetStatus(codes.Error, "invalid state")
		return s.redirect("error", "failed"), nil
	}
	span.SetAttributes(attribute.String("tenant.id", tenantID))

	if err := s.exchangeAndStore(ctx, tenantID, p.Code); err != nil {
		log.Error().Err(err).Str("portal", s.cfg.PortalCode).Str("tenant_id", tenantID).Msg("oauth callback failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, "callback failed")
		s.audit(ctx, tenantID, domain.LevelError, "OAuth callback failed: "+err.Error())
		return s.redirect("error", "failed"), nil
	}
	return s.redirect("success", "connected"), nil
}

func (s *Service) exchangeAndStore(ctx context.Context, tenantID, code string) error {
	tok, err := s.oauth.Exchange(s.clientCtx(ctx), code)
	if err != nil {
		return fmt.Errorf("exchange code: %w", err)
	}
	if tok.AccessToken == "" {
		return errors.New("token response without access_token")
	}

	access, err := s.Cipher.Encrypt(tok.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	var refresh *string
	if tok.RefreshToken != "" {
		enc, err := s.Cipher.Encrypt(tok.RefreshToken)
		if err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
		refresh = &enc
	}
	var expiresAt *time.Time
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry.UTC()
		expiresAt = &exp
	}

	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := repo.UpsertConnection(ctx, tx, &domain.PortalConnection{
			TenantID:     tenantID,
			PortalCode:   s.cfg.PortalCode,
			AccessToken:  access,
			RefreshToken: refresh,
			ExpiresAt:    expiresAt,
			Active:       true,
			NeedsReauth:  false,
			ConnectedAt:  s.Now(),
		}); err != nil {
			return fmt.Errorf("store connection: %w", err)
		}
		_, err := repo.AppendLog(ctx, tx, tenantID, s.cfg.PortalCode, domain.AuthFlowJobID, domain.LevelInfo, "OAuth connection established")
		return err
	})
}

// FetchIdentity validates the stored token against the portal's identity
// endpoint. A 401 raises needsReauth before the auth failure is returned.
func (s *Service) FetchIdentity(ctx context.Context, tenantID string) (*Identity, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, ErrMissingTenant
	}
	ctx, span := otel.Tracer("oauth").Start(ctx, "oauth.identity")
	defer span.End()

	conn, err := repo.GetConnection(ctx, s.DB, tenantID, s.cfg.PortalCode)
	if errors.Is(err, repo.ErrNotFound) || (err == nil && conn.AccessToken == "") {
		return nil, ErrNotConnected
	}
	if err != nil {
		return nil, err
	}

	token, err := s.Cipher.Decrypt(conn.AccessToken)
	if err != nil {
		s.markNeedsReauth(ctx, tenantID)
		return nil, failure.Wrap(failure.KindDecryption, "oauth.identity", err)
	}

	u, err := url.Parse(s.cfg.IdentityURL)
	if err != nil {
		return nil, failure.Configuration("oauth.identity", "bad identity url: %v", err)
	}
	q := u.Query()
	q.Set("access_token", token)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, failure.Configuration("oauth.identity", "build request: %v", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		span.RecordError(err)
		return nil, failure.Transport("oauth.identity", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		s.markNeedsReauth(ctx, tenantID)
		span.SetStatus(codes.Error, "unauthorized")
		return nil, failure.Auth("oauth.identity", "identity endpoint rejected token")
	case resp.StatusCode >= 300:
		span.SetStatus(codes.Error, resp.Status)
		return nil, &failure.Error{Kind: failure.KindTransport, Op: "oauth.identity", Msg: "identity endpoint returned " + resp.Status}
	}

	var user map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, failure.Transport("oauth.identity", fmt.Errorf("decode identity: %w", err))
	}
	if err := repo.UpdateConnectionProfile(ctx, s.DB, conn.ID, user); err != nil {
		log.Warn().Err(err).Str("tenant_id", tenantID).Msg("store identity profile")
	}
	return &Identity{Connected: true, User: user, ExpiresAt: conn.ExpiresAt}, nil
}

// Refresh exchanges the stored refresh token for a new access token,
// persists the re-encrypted tokens and returns the plaintext access token.
// A 4xx answer from the token endpoint is an auth failure.
func (s *Service) Refresh(ctx context.Context, conn *domain.PortalConnection) (string, error) {
	ctx, span := otel.Tracer("oauth").Start(ctx, "oauth.refresh")
	defer span.End()

	if conn.RefreshToken == nil || *conn.RefreshToken == "" {
		return "", failure.Auth("oauth.refresh", "no refresh token stored")
	}
	rt, err := s.Cipher.Decrypt(*conn.RefreshToken)
	if err != nil {
		return "", failure.Wrap(failure.KindDecryption, "oauth.refresh", err)
	}

	tok, err := s.oauth.TokenSource(s.clientCtx(ctx), &oauth2.Token{RefreshToken: rt}).Token()
	if err != nil {
		span.RecordError(err)
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil && re.Response.StatusCode >= 400 && re.Response.StatusCode < 500 {
			return "", &failure.Error{Kind: failure.KindAuth, Op: "oauth.refresh", Msg: "refresh rejected", Err: err}
		}
		return "", failure.Transport("oauth.refresh", err)
	}

	access, err := s.Cipher.Encrypt(tok.AccessToken)
	if err != nil {
		return "", err
	}
	var refresh *string
	if tok.RefreshToken != "" && tok.RefreshToken != rt {
		enc, err := s.Cipher.Encrypt(tok.RefreshToken)
		if err != nil {
			return "", err
		}
		refresh = &enc
	}
	var expiresAt *time.Time
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry.UTC()
		expiresAt = &exp
	}
	if err := repo.UpdateConnectionTokens(ctx, s.DB, conn.ID, access, refresh, expiresAt); err != nil {
		return "", fmt.Errorf("store refreshed token: %w", err)
	}
	conn.AccessToken, conn.ExpiresAt = access, expiresAt
	if refresh != nil {
		conn.RefreshToken = refresh
	}
	s.audit(ctx, conn.TenantID, domain.LevelInfo, "OAuth token refreshed")
	return tok.AccessToken, nil
}

// Disconnect deletes the tenant's connection.
func (s *Service) Disconnect(ctx context.Context, tenantID string) error {
	if strings.TrimSpace(tenantID) == "" {
		return ErrMissingTenant
	}
	if err := repo.DeleteConnection(ctx, s.DB, tenantID, s.cfg.PortalCode); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrNotConnected
		}
		return err
	}
	s.audit(ctx, tenantID, domain.LevelInfo, "Connection removed")
	return nil
}

func (s *Service) markNeedsReauth(ctx context.Context, tenantID string) {
	if err := repo.MarkNeedsReauth(context.WithoutCancel(ctx), s.DB, tenantID, s.cfg.PortalCode); err != nil {
		log.Error().Err(err).Str("tenant_id", tenantID).Str("portal", s.cfg.PortalCode).Msg("mark needs_reauth")
	}
}

func (s *Service) audit(ctx context.Context, tenantID string, level domain.LogLevel, msg string) {
	if _, err := repo.AppendLog(context.WithoutCancel(ctx), s.DB, tenantID, s.cfg.PortalCode, domain.AuthFlowJobID, level, msg); err != nil {
		log.Error().Err(err).Str("tenant_id", tenantID).Msg("append audit log")
	}
}
