package ai

import (
	"fmt"

	"github.com/kiranshivaraju/jobcore/internal/ai/mock"
	"github.com/kiranshivaraju/jobcore/internal/ai/openai"
	"github.com/kiranshivaraju/jobcore/internal/ai/proxy"
	"github.com/kiranshivaraju/jobcore/internal/config"
	"github.com/kiranshivaraju/jobcore/pkg/models"
)

// NewProvider constructs the appropriate AI provider based on config.
// Called once at process startup.
func NewProvider(cfg config.AIConfig) (models.Recognizer, error) {
	switch cfg.Provider {
	case "proxy":
		return proxy.NewProvider(cfg.Proxy), nil
	case "openai":
		return openai.NewProvider(cfg.OpenAI), nil
	case "mock":
		return mock.NewMockProvider(), nil
	default:
		return nil, fmt.Errorf("unknown AI provider %q: must be one of proxy, openai, mock", cfg.Provider)
	}
}
