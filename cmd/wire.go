package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"echoroom-agent/handler"
	"echoroom-agent/internal/config"
	"echoroom-agent/internal/governor"
	"echoroom-agent/internal/integrations/gemini"
	"echoroom-agent/internal/integrations/openai"
	"echoroom-agent/internal/integrations/paramstore"
	"echoroom-agent/internal/knowledge"
	"echoroom-agent/internal/memory"
	"echoroom-agent/internal/repository"
	"echoroom-agent/internal/usage"
	"echoroom-agent/internal/usecase"
)

const (
	adminTokenParam  = "/admin-token"
	geminiTokenParam = "/gemini-token"
)

type app struct {
	handler *handler.Handler
	service *usecase.ChatService
	gov     *governor.Governor
	closers []func() error
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("close failed", "error", err)
		}
	}
}

// awsClients builds the AWS SDK config only when a component needs it.
type awsClients struct {
	ctx    context.Context
	loaded bool
	ssm    *paramstore.Client
	dynamo *awsdynamodb.Client
}

func (c *awsClients) load() error {
	if c.loaded {
		return nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(c.ctx)
	if err != nil {
		return fmt.Errorf("load AWS config: %w", err)
	}
	c.ssm, err = paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		return fmt.Errorf("create SSM client: %w", err)
	}
	c.dynamo = awsdynamodb.NewFromConfig(cfg)
	c.loaded = true
	return nil
}

func wireApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{}
	aws := &awsClients{ctx: ctx}

	kb, err := loadKnowledge(cfg.KnowledgeDir)
	if err != nil {
		return nil, err
	}

	a.gov = governor.New(cfg.Limits())

	var turns usecase.TurnStore
	if cfg.StateTable != "" {
		if err := aws.load(); err != nil {
			return nil, err
		}
		repo, err := repository.New(aws.dynamo, cfg.StateTable)
		if err != nil {
			return nil, fmt.Errorf("create state client: %w", err)
		}
		turns = repo
	} else {
		turns = memory.New()
	}

	svcOpts := []usecase.Option{usecase.WithLogger(logger)}
	if cfg.UsageDB != "" {
		ledger, err := usage.NewStore(cfg.UsageDB)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, ledger.Close)
		if err := seedGovernor(ctx, a.gov, ledger); err != nil {
			a.close()
			return nil, err
		}
		svcOpts = append(svcOpts, usecase.WithUsageRecorder(ledger))
	}

	llm, err := newLLMClient(ctx, cfg, aws)
	if err != nil {
		a.close()
		return nil, err
	}

	a.service, err = usecase.NewChatService(kb, llm, a.gov, turns, cfg.ChatConfig(), svcOpts...)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("create chat service: %w", err)
	}

	adminToken, err := resolveAdminToken(ctx, cfg, aws)
	if err != nil {
		a.close()
		return nil, err
	}
	a.handler, err = handler.NewHandler(a.service, a.gov, handler.WithLogger(logger), handler.WithAdminToken(adminToken))
	if err != nil {
		a.close()
		return nil, fmt.Errorf("create handler: %w", err)
	}

	logger.Info("app wired",
		"provider", cfg.LLM.Provider,
		"model", cfg.LLM.Model,
		"personas", len(kb.Personas()),
		"durable_memory", cfg.StateTable != "",
		"usage_ledger", cfg.UsageDB != "",
		"admin_routes", adminToken != "",
	)
	return a, nil
}

func loadKnowledge(dir string) (*knowledge.Store, error) {
	if dir == "" {
		return knowledge.Default()
	}
	return knowledge.LoadDir(dir)
}

type dailyTotaler interface {
	DailyTotal(ctx context.Context, day string) (int64, error)
}

// seedGovernor restores today's consumed tokens from the ledger.
func seedGovernor(ctx context.Context, gov *governor.Governor, ledger dailyTotaler) error {
	day := time.Now().UTC().Format(time.DateOnly)
	total, err := ledger.DailyTotal(ctx, day)
	if err != nil {
		return fmt.Errorf("seed governor: %w", err)
	}
	gov.Seed(day, total)
	return nil
}

func newLLMClient(ctx context.Context, cfg config.Config, aws *awsClients) (usecase.LLMClient, error) {
	switch cfg.LLM.Provider {
	case config.ProviderGemini:
		key := cfg.LLM.APIKey
		if key == "" {
			if cfg.ParamPrefix == "" {
				return nil, errors.New("gemini: llm.api_key or param_prefix must be set")
			}
			if err := aws.load(); err != nil {
				return nil, err
			}
			var err error
			if key, err = aws.ssm.GetParameter(ctx, cfg.ParamPrefix+geminiTokenParam); err != nil {
				return nil, fmt.Errorf("fetch gemini key: %w", err)
			}
		}
		return newGemini(ctx, cfg, key)
	default:
		opts := []openai.Option{
			openai.WithBaseURL(cfg.LLM.BaseURL),
			openai.WithMaxTokens(cfg.LLM.MaxTokens),
			openai.WithTemperature(cfg.LLM.Temperature),
		}
		var getter openai.Getter
		if cfg.LLM.APIKey != "" {
			opts = append(opts, openai.WithAPIKey(cfg.LLM.APIKey))
		} else if cfg.ParamPrefix != "" {
			if err := aws.load(); err != nil {
				return nil, err
			}
			getter = aws.ssm
		}
		c, err := openai.NewClient(getter, cfg.ParamPrefix, opts...)
		if err != nil {
			return nil, fmt.Errorf("create OpenAI client: %w", err)
		}
		return c, nil
	}
}

func newGemini(ctx context.Context, cfg config.Config, key string) (usecase.LLMClient, error) {
	baseURL := cfg.LLM.BaseURL
	if baseURL == config.DefaultOpenAIBaseURL {
		baseURL = ""
	}
	c, err := gemini.NewClient(ctx, key, baseURL,
		gemini.WithMaxTokens(cfg.LLM.MaxTokens),
		gemini.WithTemperature(cfg.LLM.Temperature),
	)
	if err != nil {
		return nil, fmt.Errorf("create Gemini client: %w", err)
	}
	return c, nil
}

// resolveAdminToken prefers the configured token and falls back to SSM. A
// missing parameter leaves the admin routes disabled.
func resolveAdminToken(ctx context.Context, cfg config.Config, aws *awsClients) (string, error) {
	if cfg.AdminToken != "" || cfg.ParamPrefix == "" {
		return cfg.AdminToken, nil
	}
	if err := aws.load(); err != nil {
		return "", err
	}
	token, ok, err := aws.ssm.Lookup(ctx, cfg.ParamPrefix+adminTokenParam)
	if err != nil {
		return "", fmt.Errorf("fetch admin token: %w", err)
	}
	if !ok {
		return "", nil
	}
	return token, nil
}
