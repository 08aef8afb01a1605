package main

import (
	"time"

	"github.com/ahmadshakeelpu/psych-study/internal/config"
	"github.com/ahmadshakeelpu/psych-study/internal/database"
	"github.com/ahmadshakeelpu/psych-study/internal/handlers"
	logger "github.com/ahmadshakeelpu/psych-study/internal/logging"
	"github.com/ahmadshakeelpu/psych-study/internal/models"
	"github.com/ahmadshakeelpu/psych-study/internal/repository"
	"github.com/ahmadshakeelpu/psych-study/internal/router"
	"github.com/ahmadshakeelpu/psych-study/internal/services"
	"github.com/ahmadshakeelpu/psych-study/internal/utils"

	"go.uber.org/zap"
)

func main() {
	// Read configuration first, with a console-only logger for startup; the
	// full logger needs the logging section.
	boot := logger.Bootstrap()
	if err := config.Init(".", boot); err != nil {
		boot.Fatal("Failed to initialize configuration", zap.Error(err))
	}

	log, err := logger.Init(".", config.Conf.Logging)
	if err != nil {
		boot.Fatal("Failed to initialize logger", zap.Error(err))
	}
	defer log.Sync()

	// The export endpoint is useless without a token; mint one for this run
	// if the operator configured none.
	if config.Conf.Server.AdminToken == "" && config.Conf.Server.AdminTokenHash == "" {
		token, err := utils.GenerateSecureToken(32)
		if err != nil {
			log.Fatal("Failed to generate admin token", zap.Error(err))
		}
		config.Conf.Server.AdminToken = token
		log.Warn("No admin token configured; generated one for this run",
			zap.String("admin_token", token))
	}

	// Initialize Database
	database.Init(log)

	// Load the question banks and prompt set at startup
	bank, err := models.LoadQuestionBank(config.Conf.Study.QuestionsFile)
	if err != nil {
		log.Fatal("Failed to load question bank", zap.Error(err))
	}
	prompts, err := models.LoadPromptSet(config.Conf.Study.PromptsFile)
	if err != nil {
		log.Fatal("Failed to load prompt set", zap.Error(err))
	}

	// Wire persistence, services and handlers
	store := repository.New(database.DB)

	completionConf := config.Conf.Completion
	completer := services.NewCompletionClient(
		completionConf.BaseURL,
		completionConf.APIKey,
		completionConf.Model,
		completionConf.MaxTokens,
		time.Duration(completionConf.TimeoutSeconds)*time.Second,
	)

	sessionService := services.NewSessionService(store, completer, bank, prompts, config.Conf.Study, log)
	exportService := services.NewExportService(store, config.Conf.Study.Rounds)

	studyHandler := handlers.NewStudyHandler(log, sessionService)
	adminHandler := handlers.NewAdminHandler(log, exportService)

	// Setup router and serve
	r := router.Setup(log, studyHandler, adminHandler)

	port := config.Conf.Server.Port
	log.Info("Starting server", zap.String("port", port))
	if err := r.Run(":" + port); err != nil {
		log.Fatal("Server failed", zap.Error(err))
	}
}
