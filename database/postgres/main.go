package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"salescoachdev/classifier"
	"salescoachdev/logger"
	"salescoachdev/retrieval"
	"salescoachdev/session"
)

var (
	_ retrieval.SearchStore  = (*Database)(nil)
	_ retrieval.IndexStore   = (*Database)(nil)
	_ classifier.TagStore    = (*Database)(nil)
	_ classifier.ReviewStore = (*Database)(nil)
	_ session.Repository     = (*Database)(nil)
)

type DatabaseConnectProps struct {
	Logger   *logger.LogMiddleware
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
	// Retries is the number of connection attempts. Zero means 5.
	Retries int
	// RetryDelay is the pause between attempts. Zero means 5s.
	RetryDelay time.Duration
}

// Database is the document store and the session repository on one connection pool.
type Database struct {
	db     *sql.DB
	logger *logger.LogMiddleware
}

func Connect(ctx context.Context, args DatabaseConnectProps) (*Database, error) {
	tracer := otel.Tracer("postgres/Connect")
	ctx, span := tracer.Start(ctx, "Connect")
	defer span.End()

	connectRetries := args.Retries
	if connectRetries <= 0 {
		connectRetries = 5
	}
	sleepTime := args.RetryDelay
	if sleepTime <= 0 {
		sleepTime = 5 * time.Second
	}

	logger := args.Logger.Logger(ctx)

	var conn *sql.DB
	var err error
	for connectRetries > 0 {
		conn, err = getConnection(ctx, args)
		if err == nil {
			logger.Info("[Postgres] Database client started", zap.String("host", args.Host), zap.String("database", args.Name))
			return &Database{db: conn, logger: args.Logger}, nil
		}
		connectRetries -= 1
		logger.Error(
			"[Postgres] Could not connect to Postgres. Retrying after sleeping.",
			zap.Error(err),
			zap.Int("Retries Left", connectRetries),
			zap.Duration("Sleep Time", sleepTime),
			zap.String("host", args.Host))
		if connectRetries == 0 {
			break
		}
		select {
		case <-ctx.Done():
			span.RecordError(ctx.Err())
			return nil, ctx.Err()
		case <-time.After(sleepTime):
		}
	}

	logger.Error("[Postgres] Failed to Connect to Postgres")
	span.RecordError(err)
	return nil, fmt.Errorf("connect to postgres: %w", err)
}

func getConnection(ctx context.Context, args DatabaseConnectProps) (*sql.DB, error) {
	tracer := otel.Tracer("postgres/getConnection")
	ctx, span := tracer.Start(ctx, "getConnection")
	defer span.End()

	sslMode := args.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	postgresqlDbInfo := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		args.Host, args.Port, args.User, args.Password, args.Name, sslMode,
	)

	db, err := sql.Open("postgres", postgresqlDbInfo)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		span.RecordError(err)
		db.Close()
		return nil, err
	}
	return db, nil
}

// Close releases the connection pool.
func (d *Database) Close() error {
	return d.db.Close()
}

// Ping checks that the database answers.
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}
