package llm

import (
	"github.com/numberforty/cc-codex-crawler/internal/model"
	"github.com/numberforty/cc-codex-crawler/internal/util"
	"go.uber.org/zap"
)

// NewProvider creates the provider for the run configuration. It returns
// nil when annotation is disabled.
func NewProvider(cfg *model.Config, logger *zap.Logger) (Provider, error) {
	if !cfg.LLM.Enabled {
		return nil, nil
	}
	p, err := NewOpenAIProvider(cfg.LLM, util.NewHTTPClient(cfg.HTTP, 0), logger)
	if err != nil {
		return nil, err
	}
	return p, nil
}
