package repository

import (
	"fmt"

	"gorm.io/driver/postgres"

	"github.com/core-coin/tributum/pkg/logger"
)

// NewPostgresDB opens the production store.
func NewPostgresDB(user, password, dbname, host string, port int, logger *logger.Logger) (*GormDB, error) {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
		host, user, password, dbname, port)

	db, err := open(postgres.Open(dsn), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	logger.Info("Successfully connected to PostgreSQL!")
	return db, nil
}
