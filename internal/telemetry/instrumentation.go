package telemetry

import (
	"database/sql"
	"fmt"

	"github.com/XSAM/otelsql"
	"github.com/go-redis/redis/extra/redisotel/v8"
	"github.com/go-redis/redis/v8"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// InstrumentDatabase opens a database connection wrapped with OpenTelemetry
// instrumentation and registers connection pool stats metrics.
func InstrumentDatabase(driverName, dataSourceName string) (*sql.DB, error) {
	db, err := otelsql.Open(driverName, dataSourceName,
		otelsql.WithAttributes(
			semconv.DBSystemPostgreSQL,
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open instrumented database: %w", err)
	}

	err = otelsql.RegisterDBStatsMetrics(db,
		otelsql.WithAttributes(
			semconv.DBSystemPostgreSQL,
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register database stats: %w", err)
	}

	return db, nil
}

// InstrumentRedisClient adds OpenTelemetry tracing to a Redis client
func InstrumentRedisClient(client *redis.Client) {
	client.AddHook(redisotel.NewTracingHook())
}
