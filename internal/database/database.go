package database

import (
	"fmt"

	"github.com/ahmadshakeelpu/psych-study/internal/config"
	logging "github.com/ahmadshakeelpu/psych-study/internal/logging"
	"github.com/ahmadshakeelpu/psych-study/internal/models"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

func Init(log *zap.Logger) {
	var err error
	dbConf := config.Conf.Database
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		dbConf.Host, dbConf.User, dbConf.Password, dbConf.DBName, dbConf.Port)

	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logging.NewQueryLogger(log, logger.Warn),
	})

	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}

	log.Info("Database connection established successfully.")
	runMigrations(log)
}

func runMigrations(log *zap.Logger) {
	// GORM's AutoMigrate will create tables, columns, and foreign keys.
	// It will NOT create custom indexes, so we handle that separately.
	err := DB.AutoMigrate(
		&models.Participant{},
		&models.ScaleResponse{},
		&models.ConversationEntry{},
	)
	if err != nil {
		log.Fatal("Failed to run database migrations", zap.Error(err))
	}
	log.Info("Database migrations completed successfully.")

	// Ledger reads are always "all entries for one participant, in insertion
	// order"; this composite index serves that directly.
	ledgerIndex := `CREATE INDEX IF NOT EXISTS idx_entries_participant_order ON conversation_entries (participant_id, id);`
	if err := DB.Exec(ledgerIndex).Error; err != nil {
		log.Fatal("Failed to create custom index on conversation_entries", zap.Error(err))
	}
	log.Info("Custom indexes ensured successfully.")
}
