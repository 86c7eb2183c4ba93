package storage

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// NewPostgresStorage connects with a lib/pq connection string, e.g.
// "host=localhost port=5432 user=bot dbname=bot sslmode=disable".
func NewPostgresStorage(dsn string, logger *zap.Logger) (*SQLStorage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	s, err := newSQLStorage(db, "postgres", logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("PostgreSQL storage ready")
	return s, nil
}
