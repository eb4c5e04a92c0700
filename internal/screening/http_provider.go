package screening

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/aegisshield/compliance-audit/internal/compliance"
)

// HTTPConfig configures the remote screening service client.
type HTTPConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type screeningRequest struct {
	EntityID   string                 `json:"entity_id"`
	EntityType string                 `json:"entity_type"`
	Attributes map[string]interface{} `json:"attributes"`
}

type screeningResponse struct {
	Source      string    `json:"source"`
	MatchStatus string    `json:"match_status"`
	RiskLevel   string    `json:"risk_level"`
	Details     string    `json:"details"`
	ScreenedAt  time.Time `json:"screened_at"`
}

// HTTPProvider screens entities against a remote service via POST /screenings.
type HTTPProvider struct {
	client *resty.Client
}

// NewHTTPProvider creates a provider for the service at cfg.BaseURL.
func NewHTTPProvider(cfg HTTPConfig) *HTTPProvider {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader("X-API-Key", cfg.APIKey)
	}
	if cfg.RequestTimeout > 0 {
		client.SetTimeout(cfg.RequestTimeout)
	}
	return &HTTPProvider{client: client}
}

func (p *HTTPProvider) Name() string { return "http" }

// Screen submits the entity snapshot and decodes the verdict.
func (p *HTTPProvider) Screen(ctx context.Context, entity compliance.Entity) (compliance.AmlResult, error) {
	var body screeningResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(screeningRequest{
			EntityID:   entity.ID,
			EntityType: string(entity.Type),
			Attributes: entity.Attributes,
		}).
		SetResult(&body).
		Post("/screenings")
	if err != nil {
		return compliance.AmlResult{}, fmt.Errorf("screening request failed: %w", err)
	}
	if resp.IsError() {
		return compliance.AmlResult{}, fmt.Errorf("screening service returned %d: %s", resp.StatusCode(), resp.String())
	}

	return compliance.AmlResult{
		Source:      body.Source,
		MatchStatus: compliance.MatchStatus(body.MatchStatus),
		RiskLevel:   compliance.RiskLevel(body.RiskLevel),
		Details:     body.Details,
		ScreenedAt:  body.ScreenedAt,
	}, nil
}
