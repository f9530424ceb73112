package bootstrap

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"brokerrelay/internal/config"
	"brokerrelay/internal/logger"
)

// DatabaseConnector opens and tears down the optional audit-trail
// PostgreSQL connection. Audit persistence is never required for the
// engine to run, so a blank DatabaseURL is treated as "disabled", not
// an error.
type DatabaseConnector struct {
	Config *config.Config
	Logger logger.Logger
}

func NewDatabaseConnector(cfg *config.Config, log logger.Logger) *DatabaseConnector {
	return &DatabaseConnector{
		Config: cfg,
		Logger: log,
	}
}

func (dc *DatabaseConnector) InitPostgreSQL(ctx context.Context) (*sql.DB, error) {
	if dc.Config.Audit.DatabaseURL == "" {
		return nil, nil
	}

	db, err := sql.Open("postgres", dc.Config.Audit.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping audit database: %w", err)
	}

	dc.Logger.Info("audit database connected successfully")
	return db, nil
}

func (dc *DatabaseConnector) ShutdownDatabases(ctx context.Context, postgres *sql.DB) []error {
	var errs []error

	if postgres != nil {
		if err := postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("audit database close error: %w", err))
		}
	}

	return errs
}
