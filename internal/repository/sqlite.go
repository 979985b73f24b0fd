package repository

import (
	"fmt"

	"github.com/glebarez/sqlite"

	"github.com/core-coin/tributum/pkg/logger"
)

// NewSQLiteDB opens a single-node store backed by SQLite. path may be a file
// or an in-memory DSN such as "file:name?mode=memory&cache=shared".
func NewSQLiteDB(path string, logger *logger.Logger) (*GormDB, error) {
	db, err := open(sqlite.Open(path), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	sqlDB, err := db.Conn.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}
	// SQLite allows a single writer; serializing connections keeps CAS updates free of lock errors.
	sqlDB.SetMaxOpenConns(1)
	logger.Infow("SQLite database opened", "path", path)
	return db, nil
}
