package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/XSAM/otelsql"
	_ "github.com/lib/pq"
	"github.com/notifyrelay/notifyrelay/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

type DB struct {
	*sql.DB
}

// NewConnection opens a plain connection to the database identified by the
// DSN (postgres:// URL or key=value form) and verifies it with a ping.
func NewConnection(databaseURL string) (*DB, error) {
	ctx := telemetry.WithCorrelationID(context.Background(), telemetry.NewCorrelationID())
	logger := telemetry.LogFromContext(ctx).WithFields(map[string]interface{}{
		"operation": "database_connection",
	})

	logger.Info("Establishing database connection")

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		logger.WithError(err).Error("Failed to open database connection")
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	configurePool(db)

	if err := db.Ping(); err != nil {
		logger.WithError(err).Error("Failed to ping database")
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Database connection established successfully")
	return &DB{db}, nil
}

// NewInstrumentedConnection opens a connection wrapped with OpenTelemetry
// tracing and pool stats metrics.
func NewInstrumentedConnection(databaseURL string) (*DB, error) {
	ctx := telemetry.WithCorrelationID(context.Background(), telemetry.NewCorrelationID())
	logger := telemetry.LogFromContext(ctx).WithFields(map[string]interface{}{
		"operation":       "instrumented_database_connection",
		"instrumentation": "opentelemetry",
	})

	logger.Info("Establishing instrumented database connection")

	db, err := otelsql.Open("postgres", databaseURL,
		otelsql.WithAttributes(dsnAttributes(databaseURL)...),
	)
	if err != nil {
		logger.WithError(err).Error("Failed to open instrumented database connection")
		return nil, fmt.Errorf("failed to open instrumented database: %w", err)
	}

	configurePool(db)

	if err := db.Ping(); err != nil {
		logger.WithError(err).Error("Failed to ping instrumented database")
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := otelsql.RegisterDBStatsMetrics(db,
		otelsql.WithAttributes(semconv.DBSystemPostgreSQL),
	); err != nil {
		logger.WithError(err).Warn("Failed to register database stats")
	}

	logger.Info("Instrumented database connection established successfully")
	return &DB{db}, nil
}

func configurePool(db *sql.DB) {
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
}

// dsnAttributes extracts span attributes from a URL-form DSN. key=value DSNs
// yield only the db.system attribute.
func dsnAttributes(databaseURL string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{semconv.DBSystemPostgreSQL}

	u, err := url.Parse(databaseURL)
	if err != nil || u.Host == "" {
		return attrs
	}

	if name := strings.TrimPrefix(u.Path, "/"); name != "" {
		attrs = append(attrs, semconv.DBName(name))
	}
	attrs = append(attrs, semconv.NetPeerName(u.Hostname()))
	if port, err := strconv.Atoi(u.Port()); err == nil {
		attrs = append(attrs, semconv.NetPeerPort(port))
	}

	return attrs
}

func (db *DB) Close() error {
	return db.DB.Close()
}

// Health pings the database with the caller's context.
func (db *DB) Health(ctx context.Context) error {
	return db.PingContext(ctx)
}

// WithTransaction runs fn inside a transaction, rolling back on error or
// panic and committing otherwise.
func (db *DB) WithTransaction(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	logger := telemetry.LogFromContext(ctx).WithFields(map[string]interface{}{
		"operation": "database_transaction",
	})

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		logger.WithError(err).Error("Failed to begin transaction")
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			logger.WithField("panic", p).Error("Transaction panicked, rolling back")
			tx.Rollback()
			panic(p)
		} else if err != nil {
			logger.WithError(err).Warn("Transaction failed, rolling back")
			tx.Rollback()
		} else {
			err = tx.Commit()
			if err != nil {
				logger.WithError(err).Error("Failed to commit transaction")
			}
		}
	}()

	return fn(tx)
}
