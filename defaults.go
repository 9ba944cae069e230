package siteloom

import (
	"fmt"

	"go.uber.org/zap"

	slackChannel "github.com/siteloom/siteloom/channel/slack"
	"github.com/siteloom/siteloom/config"
	"github.com/siteloom/siteloom/eventbus"
	ghExport "github.com/siteloom/siteloom/gitexport/github"
	"github.com/siteloom/siteloom/llm"
	llmAnthropic "github.com/siteloom/siteloom/llm/anthropic"
	llmOpenAI "github.com/siteloom/siteloom/llm/openai"
	"github.com/siteloom/siteloom/pipeline"
	dockerSandbox "github.com/siteloom/siteloom/sandbox/docker"
	sqliteStore "github.com/siteloom/siteloom/store/sqlite"
)

// applyDefaults fills in missing fields on the builder with sensible defaults.
func applyDefaults(b *Builder) error {
	if b.config == nil {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		b.config = cfg
	}

	if b.log == nil {
		log, err := buildLogger(b.config.LogLevel)
		if err != nil {
			return err
		}
		b.log = log
	}

	if b.store == nil {
		st, err := sqliteStore.New(b.config.DatabasePath)
		if err != nil {
			return fmt.Errorf("initializing store: %w", err)
		}
		b.store = st
	}

	if b.bus == nil {
		b.bus = eventbus.NewInMemoryBus()
	}

	if b.sandbox == nil {
		sb, err := dockerSandbox.New(dockerSandbox.Config{
			DefaultTemplate: b.config.SandboxTemplate,
			PublicHost:      b.config.SandboxPublicHost,
			IdleTimeout:     b.config.SandboxLifetime,
		}, b.log)
		if err != nil {
			return fmt.Errorf("initializing sandbox client: %w", err)
		}
		b.sandbox = sb
	}

	if b.llm == nil {
		client, err := llmClientFromConfig(b.config)
		if err != nil {
			return err
		}
		b.llm = client
	}

	if b.title == nil {
		b.title = pipeline.NewTitleStage(b.llm, b.log, "")
	}
	if b.response == nil {
		b.response = pipeline.NewResponseStage(b.llm, b.log, "")
	}

	if b.notifier == nil && b.config.SlackEnabled() {
		b.notifier = slackChannel.New(b.config.SlackBotToken, b.config.SlackChannel, b.log)
	}

	if b.exporter == nil && b.config.GitHubEnabled() {
		b.exporter = ghExport.New(b.config.GitHubToken, b.config.GitHubOwner)
	}

	return nil
}

// llmClientFromConfig creates an LLM client from configuration. The provider
// defaults to whichever API key is present, preferring Anthropic.
func llmClientFromConfig(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLMProvider {
	case "anthropic":
		return llmAnthropic.New(cfg.AnthropicAPIKey, cfg.LLMModel), nil
	case "openai":
		return llmOpenAI.New(cfg.OpenAIAPIKey, cfg.LLMModel), nil
	case "":
		if cfg.AnthropicAPIKey != "" {
			return llmAnthropic.New(cfg.AnthropicAPIKey, cfg.LLMModel), nil
		}
		if cfg.OpenAIAPIKey != "" {
			return llmOpenAI.New(cfg.OpenAIAPIKey, cfg.LLMModel), nil
		}
		return nil, fmt.Errorf("no LLM API key configured")
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLMProvider)
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	return cfg.Build()
}
