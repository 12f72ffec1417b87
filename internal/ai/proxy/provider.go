// Package proxy talks to the in-house recognition proxy that fronts the vision model.
package proxy

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/kiranshivaraju/jobcore/internal/ai/aihttp"
	"github.com/kiranshivaraju/jobcore/internal/config"
	"github.com/kiranshivaraju/jobcore/pkg/models"
)

// Provider implements models.Recognizer against the recognition proxy.
type Provider struct {
	cfg    config.ProxyConfig
	client *http.Client
}

func NewProvider(cfg config.ProxyConfig) *Provider {
	return &Provider{cfg: cfg, client: &http.Client{}}
}

func (p *Provider) Name() string { return "proxy" }

type recognizeRequest struct {
	Image       string `json:"image_base64"`
	ContentType string `json:"content_type"`
	Locale      string `json:"locale,omitempty"`
	Strict      bool   `json:"strict,omitempty"`
}

type recognizeResponse struct {
	Content string `json:"content"`
}

// Recognize posts the image to {base}/v1/recognize and returns the model's text output.
// Deadlines come from ctx.
func (p *Provider) Recognize(ctx context.Context, req models.RecognitionRequest) ([]byte, error) {
	url := strings.TrimRight(p.cfg.BaseURL, "/") + "/v1/recognize"
	data, err := aihttp.PostJSON(ctx, p.client, url, p.cfg.Token, recognizeRequest{
		Image:       base64.StdEncoding.EncodeToString(req.Image),
		ContentType: req.ContentType,
		Locale:      req.Locale,
		Strict:      req.Strict,
	})
	if err != nil {
		return nil, err
	}

	var out recognizeResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: decode proxy envelope: %v", models.ErrInvalidResponse, err)
	}
	return []byte(out.Content), nil
}

var _ models.Recognizer = (*Provider)(nil)
