package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/tbourn/portal-integrator/internal/domain"
	"github.com/tbourn/portal-integrator/internal/failure"
)

// OLXCode is the portal code of the OLX marketplace.
const OLXCode = "olx"

// OLXRules are the eligibility thresholds of OLX.
var OLXRules = Rules{MinDescription: 50, MinPrice: 1000, MinMedia: 2}

// OLXConfig configures the OLX HTTP adapter.
type OLXConfig struct {
	// BaseURL of the listings API, e.g. https://apps.olx.com.br/autoupload.
	BaseURL string
	// HTTPClient defaults to a client with a 15s timeout.
	HTTPClient *http.Client
	// RPS and Burst throttle outbound calls; RPS <= 0 disables throttling.
	RPS   float64
	Burst int
}

// OLX publishes listings through the OLX listings API using the tenant's
// OAuth bearer token.
type OLX struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// NewOLX returns an OLX adapter.
func NewOLX(cfg OLXConfig) *OLX {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	lim := rate.NewLimiter(rate.Inf, 0)
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}
	return &OLX{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  client,
		limiter: lim,
	}
}

func (o *OLX) Code() string              { return OLXCode }
func (o *OLX) Name() string              { return "OLX" }
func (o *OLX) RequiresCredentials() bool { return true }

func (o *OLX) Validate(v *domain.NormalizedVehicle) []string {
	return OLXRules.Check(o.Name(), v)
}

type olxListing struct {
	Title        string            `json:"title"`
	Description  string            `json:"description"`
	Price        float64           `json:"price"`
	Make         string            `json:"make"`
	Model        string            `json:"model"`
	Version      string            `json:"version,omitempty"`
	Year         int               `json:"year"`
	Mileage      int               `json:"mileage"`
	Fuel         string            `json:"fuel"`
	Transmission string            `json:"gearbox"`
	Color        string            `json:"color,omitempty"`
	Images       []string          `json:"images"`
	Features     []string          `json:"features,omitempty"`
	Source       map[string]string `json:"source,omitempty"`
}

func toOLXListing(v *domain.NormalizedVehicle) olxListing {
	images := make([]string, 0, len(v.Media))
	// Cover first.
	for _, m := range v.Media {
		if m.IsCover {
			images = append(images, m.URL)
		}
	}
	for _, m := range v.Media {
		if !m.IsCover {
			images = append(images, m.URL)
		}
	}
	return olxListing{
		Title:        v.Title,
		Description:  v.Description,
		Price:        v.Price,
		Make:         v.Make,
		Model:        v.Model,
		Version:      v.Trim,
		Year:         v.YearModel,
		Mileage:      v.Mileage,
		Fuel:         string(v.Fuel),
		Transmission: string(v.Transmission),
		Color:        v.Color,
		Images:       images,
		Features:     v.Features,
		Source:       map[string]string{"vehicle_id": v.ID},
	}
}

func (o *OLX) Publish(ctx context.Context, creds Credentials, v *domain.NormalizedVehicle) (PublishResult, error) {
	var out struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	if err := o.do(ctx, "olx.publish", creds, http.MethodPost, "/listings", toOLXListing(v), &out); err != nil {
		return PublishResult{}, err
	}
	if out.ID == "" {
		return PublishResult{}, failure.Transport("olx.publish", errors.New("response without listing id"))
	}
	return PublishResult{ExternalID: out.ID, ExternalURL: out.URL}, nil
}

func (o *OLX) Update(ctx context.Context, creds Credentials, externalID string, v *domain.NormalizedVehicle) error {
	return o.do(ctx, "olx.update", creds, http.MethodPut, "/listings/"+url.PathEscape(externalID), toOLXListing(v), nil)
}

func (o *OLX) Pause(ctx context.Context, creds Credentials, externalID string) error {
	return o.do(ctx, "olx.pause", creds, http.MethodPost, "/listings/"+url.PathEscape(externalID)+"/pause", nil, nil)
}

func (o *OLX) Remove(ctx context.Context, creds Credentials, externalID string) error {
	return o.do(ctx, "olx.remove", creds, http.MethodDelete, "/listings/"+url.PathEscape(externalID), nil, nil)
}

func (o *OLX) SyncStatus(ctx context.Context, creds Credentials, externalID string) (StatusResult, error) {
	var out struct {
		Status string `json:"status"`
		Active bool   `json:"active"`
	}
	if err := o.do(ctx, "olx.sync_status", creds, http.MethodGet, "/listings/"+url.PathEscape(externalID), nil, &out); err != nil {
		return StatusResult{}, err
	}
	return StatusResult{Status: out.Status, IsActive: out.Active}, nil
}

// do performs one JSON call and classifies the outcome.
func (o *OLX) do(ctx context.Context, op string, creds Credentials, method, path string, body, out any) (err error) {
	ctx, span := otel.Tracer("portal/olx").Start(ctx, op)
	span.SetAttributes(
		attribute.String("portal.code", OLXCode),
		attribute.String("http.method", method),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, failure.KindOf(err).String())
		}
		span.End()
	}()

	if strings.TrimSpace(creds.AccessToken) == "" {
		return failure.Configuration(op, "missing OLX access token")
	}
	if err := o.limiter.Wait(ctx); err != nil {
		return failure.Transport(op, err)
	}

	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return failure.Validation(op, "encode payload: %v", err)
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, o.baseURL+path, rdr)
	if err != nil {
		return failure.Configuration(op, "build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return failure.Transport(op, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err := classifyStatus(op, resp.StatusCode, raw); err != nil {
		return err
	}
	if out != nil && len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return failure.Transport(op, fmt.Errorf("decode response: %w", err))
		}
	}
	return nil
}

// classifyStatus maps an HTTP status onto a failure kind. 2xx yields nil.
func classifyStatus(op string, status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	detail := upstreamMessage(body)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return failure.Auth(op, "OLX rejected credentials (%d)%s", status, detail)
	case status == http.StatusNotFound:
		return failure.NotFound(op, "OLX listing not found%s", detail)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return failure.Validation(op, "OLX rejected listing (%d)%s", status, detail)
	case status == http.StatusTooManyRequests || status >= 500:
		return &failure.Error{Kind: failure.KindTransport, Op: op, Msg: fmt.Sprintf("OLX unavailable (%d)%s", status, detail)}
	default:
		return &failure.Error{Kind: failure.KindUnknown, Op: op, Msg: fmt.Sprintf("OLX unexpected status %d%s", status, detail)}
	}
}

func upstreamMessage(body []byte) string {
	var e struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil {
		if e.Message != "" {
			return ": " + e.Message
		}
		if e.Error != "" {
			return ": " + e.Error
		}
	}
	return ""
}
