package main

import (
	"fmt"
	"os"

	"github.com/hebchat/hebchat/internal/handlers"
	"github.com/hebchat/hebchat/internal/services"
	"gopkg.in/yaml.v3"
)

type llmConfig interface {
	llm() (handlers.LLM, error)
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type config struct {
	Port      string    `yaml:"port"`
	DataDir   string    `yaml:"dataDir"`
	JWTSecret string    `yaml:"jwtSecret"`
	LLM       llmConfig `yaml:"llm"`
}

type anthropicConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	MaxTokens     int    `yaml:"maxTokens"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseURL"`
	MaxTokens     int    `yaml:"maxTokens"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

const (
	defaultPort      = "8080"
	defaultDataDir   = "data"
	defaultModel     = "claude-sonnet-4-20250514"
	defaultMaxTokens = 4000
)

func defaultConfig() config {
	return config{
		Port:    defaultPort,
		DataDir: defaultDataDir,
		LLM: &anthropicConfig{
			BaseLLMConfig: BaseLLMConfig{Provider: "anthropic", Model: defaultModel},
			MaxTokens:     defaultMaxTokens,
		},
	}
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port      string         `yaml:"port"`
		DataDir   string         `yaml:"dataDir"`
		JWTSecret string         `yaml:"jwtSecret"`
		LLM       map[string]any `yaml:"llm"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.DataDir = rawConfig.DataDir
	c.JWTSecret = rawConfig.JWTSecret

	if rawConfig.LLM == nil {
		c.LLM = defaultConfig().LLM
		return nil
	}

	llmProvider, ok := rawConfig.LLM["provider"].(string)
	if !ok {
		return fmt.Errorf("llm provider is required")
	}

	llmRawYAML, err := yaml.Marshal(rawConfig.LLM)
	if err != nil {
		return err
	}

	var llm llmConfig
	switch llmProvider {
	case "anthropic":
		llm = &anthropicConfig{}
	case "openai":
		llm = &openAIConfig{}
	case "ollama":
		llm = &ollamaConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	c.LLM = llm
	return nil
}

// applyEnv fills secrets and ports from the environment when the config file
// leaves them empty.
func (c *config) applyEnv() {
	if c.Port == "" {
		if p := os.Getenv("PORT"); p != "" {
			c.Port = p
		} else {
			c.Port = defaultPort
		}
	}
	if c.DataDir == "" {
		c.DataDir = defaultDataDir
	}
	if c.JWTSecret == "" {
		c.JWTSecret = os.Getenv("JWT_SECRET")
	}
}

func (a *anthropicConfig) llm() (handlers.LLM, error) {
	if a.Model == "" {
		a.Model = defaultModel
	}
	if a.MaxTokens == 0 {
		a.MaxTokens = defaultMaxTokens
	}

	apiKey := a.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}
	return services.NewAnthropic(apiKey, a.Model, a.MaxTokens), nil
}

func (o *openAIConfig) llm() (handlers.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if o.MaxTokens == 0 {
		o.MaxTokens = defaultMaxTokens
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	return services.NewOpenAI(apiKey, o.BaseURL, o.Model, o.MaxTokens), nil
}

func (o *ollamaConfig) llm() (handlers.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	if host == "" {
		host = "http://localhost:11434"
	}
	return services.NewOllama(host, o.Model), nil
}
