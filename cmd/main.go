package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"golang.org/x/time/rate"

	"dream-journal/handler"
	"dream-journal/internal/config"
	"dream-journal/internal/integrations/openai"
	"dream-journal/internal/integrations/paramstore"
	"dream-journal/internal/logger"
	"dream-journal/internal/quota"
	"dream-journal/internal/recurrence"
	"dream-journal/internal/repository"
	"dream-journal/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}

	log, err := logger.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		slog.Error("failed to create logger", "err", err)
		os.Exit(1)
	}
	slog.SetDefault(log)

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		fatal("failed to load AWS config", err)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		fatal("failed to create SSM client", err)
	}
	store, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable)
	if err != nil {
		fatal("failed to create state client", err)
	}

	openaiOpts := []openai.Option{
		openai.WithHTTPClient(&http.Client{Timeout: cfg.OpenAITimeout}),
		openai.WithRateLimit(rate.NewLimiter(rate.Limit(cfg.OpenAIRateLimit), cfg.OpenAIRateBurst)),
	}
	if cfg.OpenAIBaseURL != "" {
		openaiOpts = append(openaiOpts, openai.WithBaseURL(cfg.OpenAIBaseURL))
	}
	openaiClient, err := openai.NewClient(ssmClient, cfg.ParamPrefix, openaiOpts...)
	if err != nil {
		fatal("failed to create OpenAI client", err)
	}

	// ---- Domain ----
	quotaEngine, err := quota.NewEngine(store, quota.DefaultPlans(), log)
	if err != nil {
		fatal("failed to create quota engine", err)
	}
	matcher, err := recurrence.NewMatcher(store, log)
	if err != nil {
		fatal("failed to create recurrence matcher", err)
	}
	models, err := usecase.NewModelSettings(ssmClient, cfg.ParamPrefix)
	if err != nil {
		fatal("failed to create model settings", err)
	}

	dreamService, err := usecase.NewDreamService(quotaEngine, matcher, openaiClient, store, models, log, cfg.MaxDreamLength)
	if err != nil {
		fatal("failed to create dream service", err)
	}
	imageService, err := usecase.NewImageService(openaiClient, store, models, log)
	if err != nil {
		fatal("failed to create image service", err)
	}
	accountService, err := usecase.NewAccountService(quotaEngine, store, log)
	if err != nil {
		fatal("failed to create account service", err)
	}

	// ---- Handler ----
	h, err := handler.NewHandler(dreamService, imageService, accountService, log, cfg.UpgradeURL)
	if err != nil {
		fatal("failed to create handler", err)
	}

	lambda.Start(h.Handle)
}

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}
