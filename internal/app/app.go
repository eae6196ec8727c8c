// Package app assembles the components shared by the API and worker
// processes from a loaded config.Config.
package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/portal-integrator/internal/config"
	"github.com/tbourn/portal-integrator/internal/domain"
	"github.com/tbourn/portal-integrator/internal/failure"
	"github.com/tbourn/portal-integrator/internal/http/handlers"
	"github.com/tbourn/portal-integrator/internal/oauth"
	"github.com/tbourn/portal-integrator/internal/portal"
	"github.com/tbourn/portal-integrator/internal/repo"
	"github.com/tbourn/portal-integrator/internal/secure"
)

// Components are the wired collaborators of one process.
type Components struct {
	DB       *gorm.DB
	Cipher   *secure.Cipher
	Registry *portal.Registry
	// OAuth holds one service per portal with an OAuth client configured.
	OAuth Refreshers
}

// Build opens and migrates the database, derives the token cipher and
// registers every enabled portal.
func Build(cfg config.Config) (*Components, error) {
	cipher, err := secure.NewCipher(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("token cipher: %w", err)
	}

	db, err := repo.Open(cfg.DB.Driver, cfg.DB.DSN())
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := repo.Migrate(db); err != nil {
		closeDB(db)
		return nil, fmt.Errorf("migrate: %w", err)
	}

	c := &Components{
		DB:       db,
		Cipher:   cipher,
		Registry: portal.NewRegistry(),
		OAuth:    Refreshers{},
	}
	httpClient := &http.Client{Timeout: cfg.Worker.AdapterTimeout}

	if cfg.OLX.Enabled() {
		c.Registry.Register(portal.NewOLX(portal.OLXConfig{
			BaseURL:    cfg.OLX.APIURL,
			HTTPClient: httpClient,
			RPS:        cfg.Portal.RPS,
			Burst:      cfg.Portal.Burst,
		}))
		c.OAuth[portal.OLXCode] = oauth.NewService(db, cipher, oauth.Config{
			PortalCode:   portal.OLXCode,
			ClientID:     cfg.OLX.ClientID,
			ClientSecret: cfg.OLX.ClientSecret,
			AuthURL:      cfg.OLX.AuthURL,
			TokenURL:     cfg.OLX.TokenURL,
			IdentityURL:  cfg.OLX.IdentityURL,
			AppURL:       cfg.AppURL,
			APIURL:       cfg.APIURL,
			Scopes:       cfg.OLX.Scopes,
		}, httpClient)
	}
	if cfg.Portal.DemoPortal {
		c.Registry.Register(portal.NewDemo(1))
	}

	log.Info().
		Str("db_driver", cfg.DB.Driver).
		Strs("portals", c.Registry.Codes()).
		Msg("components ready")
	return c, nil
}

// Integrations exposes the OAuth services to the HTTP handlers.
func (c *Components) Integrations() map[string]handlers.OAuthService {
	out := make(map[string]handlers.OAuthService, len(c.OAuth))
	for code, s := range c.OAuth {
		out[code] = s
	}
	return out
}

// Close releases the database handle.
func (c *Components) Close() {
	closeDB(c.DB)
}

func closeDB(db *gorm.DB) {
	if db == nil {
		return
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

// Refreshers routes token refreshes to the OAuth service of the
// connection's portal.
type Refreshers map[string]*oauth.Service

// Refresh renews conn's access token through its portal's OAuth service.
func (r Refreshers) Refresh(ctx context.Context, conn *domain.PortalConnection) (string, error) {
	s, ok := r[conn.PortalCode]
	if !ok {
		return "", failure.Configuration("app.refresh", "no OAuth client configured for portal %q", conn.PortalCode)
	}
	return s.Refresh(ctx, conn)
}
