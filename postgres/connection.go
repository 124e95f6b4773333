// Package postgres provides the database hub shared by the stores: a
// primary/replica connection pair behind a resolver, schema migrations on
// connect, and a transaction manager with transient-error retry.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bxcodec/dbresolver/v2"
	"github.com/golang-migrate/migrate/v4"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migration source
	_ "github.com/jackc/pgx/v5/stdlib"                   // pgx database/sql driver

	"github.com/kairospay/subscription-core/log"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

var (
	credentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	passwordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
	dbNamePattern      = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)
)

// Connection is the postgres hub. Reads are balanced across primary and
// replica by the resolver; transactions always run on the primary.
type Connection struct {
	ConnectionStringPrimary string
	ConnectionStringReplica string
	DBName                  string
	MigrationsPath          string
	Logger                  log.Logger
	MaxOpenConnections      int
	MaxIdleConnections      int

	mu       sync.RWMutex
	resolver dbresolver.DB
}

func (connection *Connection) initDefaults() {
	if connection.Logger == nil {
		connection.Logger = log.NewNop()
	}

	if connection.MaxOpenConnections <= 0 {
		connection.MaxOpenConnections = defaultMaxOpenConns
	}

	if connection.MaxIdleConnections <= 0 {
		connection.MaxIdleConnections = defaultMaxIdleConns
	}
}

// Connect opens the primary and replica pools, runs pending migrations on
// the primary, and verifies connectivity.
func (connection *Connection) Connect(ctx context.Context) error {
	connection.mu.Lock()
	defer connection.mu.Unlock()

	connection.initDefaults()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before database connection: %w", err)
	}

	if connection.resolver != nil {
		return nil
	}

	connection.Logger.Log(ctx, log.LevelInfo, "connecting to primary and replica databases")

	primary, err := sql.Open("pgx", connection.ConnectionStringPrimary)
	if err != nil {
		return fmt.Errorf("open primary database: %s", sanitizeConnError(err))
	}

	var success bool

	defer func() {
		if !success {
			primary.Close()
		}
	}()

	connection.tunePool(primary)

	replica, err := sql.Open("pgx", connection.ConnectionStringReplica)
	if err != nil {
		return fmt.Errorf("open replica database: %s", sanitizeConnError(err))
	}

	defer func() {
		if !success {
			replica.Close()
		}
	}()

	connection.tunePool(replica)

	resolver := dbresolver.New(
		dbresolver.WithPrimaryDBs(primary),
		dbresolver.WithReplicaDBs(replica),
		dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
	)
	if resolver == nil {
		return errors.New("resolver returned nil connection")
	}

	if connection.MigrationsPath != "" {
		if err := connection.runMigrations(ctx, primary); err != nil {
			return err
		}
	}

	if err := resolver.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	connection.resolver = resolver
	success = true

	connection.Logger.Log(ctx, log.LevelInfo, "connected to postgres",
		log.String("database", connection.DBName),
	)

	return nil
}

// DB returns the resolver, connecting first if necessary.
func (connection *Connection) DB(ctx context.Context) (dbresolver.DB, error) {
	connection.mu.RLock()

	if connection.resolver != nil {
		resolver := connection.resolver
		connection.mu.RUnlock()

		return resolver, nil
	}

	connection.mu.RUnlock()

	if err := connection.Connect(ctx); err != nil {
		return nil, err
	}

	connection.mu.RLock()
	defer connection.mu.RUnlock()

	return connection.resolver, nil
}

// Close releases both pools.
func (connection *Connection) Close() error {
	connection.mu.Lock()
	defer connection.mu.Unlock()

	if connection.resolver == nil {
		return nil
	}

	err := connection.resolver.Close()
	connection.resolver = nil

	return err
}

func (connection *Connection) tunePool(db *sql.DB) {
	db.SetMaxOpenConns(connection.MaxOpenConnections)
	db.SetMaxIdleConns(connection.MaxIdleConnections)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)
}

func (connection *Connection) runMigrations(ctx context.Context, primary *sql.DB) error {
	if !dbNamePattern.MatchString(connection.DBName) {
		return fmt.Errorf("invalid database name: %q", connection.DBName)
	}

	migrationsPath, err := sanitizePath(connection.MigrationsPath)
	if err != nil {
		return err
	}

	sourceURL, err := url.Parse(filepath.ToSlash(migrationsPath))
	if err != nil {
		return fmt.Errorf("parse migrations url: %w", err)
	}

	sourceURL.Scheme = "file"

	driver, err := migratepostgres.WithInstance(primary, &migratepostgres.Config{
		DatabaseName: connection.DBName,
		SchemaName:   "public",
	})
	if err != nil {
		return fmt.Errorf("create postgres migration driver: %w", err)
	}

	migrator, err := migrate.NewWithDatabaseInstance(sourceURL.String(), connection.DBName, driver)
	if err != nil {
		return fmt.Errorf("create migration instance: %w", err)
	}

	if err := migrator.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			connection.Logger.Log(ctx, log.LevelInfo, "no new migrations")

			return nil
		}

		var dirty migrate.ErrDirty
		if errors.As(err, &dirty) {
			return fmt.Errorf("migration failed: dirty database version %d", dirty.Version)
		}

		return fmt.Errorf("migration failed: %w", err)
	}

	connection.Logger.Log(ctx, log.LevelInfo, "migrations applied")

	return nil
}

func sanitizeConnError(err error) string {
	if err == nil {
		return ""
	}

	sanitized := credentialsPattern.ReplaceAllString(err.Error(), "://***@")

	return passwordPattern.ReplaceAllString(sanitized, "${1}***")
}

func sanitizePath(path string) (string, error) {
	cleaned := filepath.Clean(path)

	for _, part := range strings.Split(cleaned, string(filepath.Separator)) {
		if part == ".." {
			return "", fmt.Errorf("invalid migrations path: %q", path)
		}
	}

	absPath, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}

	return absPath, nil
}
