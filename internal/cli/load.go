package cli

import (
	"fmt"

	"github.com/numberforty/cc-codex-crawler/internal/model"
	"github.com/numberforty/cc-codex-crawler/internal/rules"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// registerDefaults makes every config key known to v, so that environment
// variables apply to keys absent from the config file.
func registerDefaults(v *viper.Viper) error {
	data, err := yaml.Marshal(model.DefaultConfig())
	if err != nil {
		return fmt.Errorf("encode defaults: %w", err)
	}
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("decode defaults: %w", err)
	}
	setDefaults(v, "", tree)

	// Omitted from the encoding when empty
	for _, key := range optionalKeys {
		v.SetDefault(key, "")
	}

	// OPENAI_API_KEY is the fallback for the annotation key
	v.SetDefault("llm.api_key", "")
	return v.BindEnv("llm.api_key", "CCFETCH_LLM_API_KEY", "OPENAI_API_KEY")
}

var optionalKeys = []string{
	"data_dir",
	"http.http_proxy",
	"http.https_proxy",
	"http.no_proxy",
	"llm.base_url",
	"metrics.addr",
}

func setDefaults(v *viper.Viper, prefix string, tree map[string]any) {
	for k, val := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]any); ok {
			setDefaults(v, key, sub)
			continue
		}
		v.SetDefault(key, val)
	}
}

// loadConfig resolves the layered configuration: flags, then CCFETCH_*
// environment, then the config file, then built-in defaults.
func loadConfig(v *viper.Viper) (*model.Config, error) {
	if err := registerDefaults(v); err != nil {
		return nil, err
	}

	cfg := model.DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, &model.ConfigError{Message: "decode configuration", Cause: err}
	}
	return cfg, nil
}

// loadRules reads the rule set from path, or from the record_selector
// section of the configuration when no path is given
func loadRules(path string, selector map[string]any) (*rules.RuleSet, error) {
	if path != "" {
		return rules.Load(path)
	}
	return rules.FromMap(selector)
}
