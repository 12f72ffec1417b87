package openai

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

const systemPrompt = `You estimate the nutrition of a meal photo.
Answer with a JSON object {"dishes":[{"name":string,"grams":number,"calories":number,"protein":number,"fat":number,"carbs":number,"confidence":number}]}.
If the photo shows no food, answer {"dishes":[],"not_food":true}.`

const strictSuffix = "\nReturn only the JSON object. No prose, no markdown fences."

// Provider implements models.Recognizer against an OpenAI-compatible chat
// completions endpoint with vision input.
type Provider struct {
	cfg    config.OpenAIConfig
	client *http.Client
}

func NewProvider(cfg config.OpenAIConfig) *Provider {
	return &Provider{cfg: cfg, client: &http.Client{}}
}

func (p *Provider) Name() string { return "openai" }

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []message       `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (p *Provider) Recognize(ctx context.Context, req models.RecognitionRequest) ([]byte, error) {
	prompt := systemPrompt
	if req.Locale != "" {
		prompt += "\nWrite dish names in the language " + req.Locale + "."
	}
	body := chatRequest{Model: p.cfg.Model, Temperature: 0}
	if req.Strict {
		prompt += strictSuffix
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	dataURI := fmt.Sprintf("data:%s;base64,%s", req.ContentType, base64.StdEncoding.EncodeToString(req.Image))
	body.Messages = []message{
		{Role: "system", Content: prompt},
		{Role: "user", Content: []contentPart{
			{Type: "text", Text: "Recognise the meal on this photo."},
			{Type: "image_url", ImageURL: &imageURL{URL: dataURI}},
		}},
	}

	url := strings.TrimRight(p.cfg.BaseURL, "/") + "/chat/completions"
	data, err := aihttp.PostJSON(ctx, p.client, url, p.cfg.APIKey, body)
	if err != nil {
		return nil, err
	}

	var out chatResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: decode completion: %v", models.ErrInvalidResponse, err)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("%w: completion has no choices", models.ErrInvalidResponse)
	}
	return []byte(out.Choices[0].Message.Content), nil
}

var _ models.Recognizer = (*Provider)(nil)
