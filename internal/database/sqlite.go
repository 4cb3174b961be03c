package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/utils"
	_ "modernc.org/sqlite"
)

// SQLiteManager owns the settlement database
type SQLiteManager struct {
	path   string
	db     *sql.DB
	logger Logger
}

// NewSQLiteManager opens database_file inside the app data dir (absolute paths are used as is)
func NewSQLiteManager(cm *utils.ConfigManager, logger Logger) (*SQLiteManager, error) {
	dbFileName := cm.GetConfigWithDefault("database_file", "settlement-node.db")
	path := utils.DataPath(cm, dbFileName)
	return OpenSQLite(path, logger)
}

// OpenSQLite opens (or creates) the database at path and initializes every table
func OpenSQLite(path string, logger Logger) (*SQLiteManager, error) {
	sqlm := &SQLiteManager{
		path:   path,
		logger: logger,
	}

	db, err := sqlm.createConnection()
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection: %w", err)
	}
	sqlm.db = db

	initializers := []struct {
		name string
		fn   func() error
	}{
		{"payment_intents", sqlm.InitPaymentIntentsTable},
		{"chain_scan_cursors", sqlm.InitScanCursorsTable},
		{"webhook_events", sqlm.InitWebhookEventsTable},
		{"scheduler_leases", sqlm.InitSchedulerLeasesTable},
	}
	for _, init := range initializers {
		if err := init.fn(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to init %s table: %w", init.name, err)
		}
	}

	logger.Info(fmt.Sprintf("Database ready at %s", path), "database")
	return sqlm, nil
}

func (sqlm *SQLiteManager) createConnection() (*sql.DB, error) {
	dsn := sqlm.path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	separator := "?"
	if strings.Contains(dsn, "?") {
		separator = "&"
	}
	dsn += separator + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		sqlm.logger.Error(fmt.Sprintf("Can not create database connection. (%s)", err.Error()), "database")
		return nil, err
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(context.Background()); err != nil {
		db.Close()
		sqlm.logger.Error(fmt.Sprintf("Database ping failed: %s", err.Error()), "database")
		return nil, err
	}

	return db, nil
}

// GetDB returns the database connection for direct access if needed
func (sqlm *SQLiteManager) GetDB() *sql.DB {
	return sqlm.db
}

func (sqlm *SQLiteManager) Close() error {
	if sqlm.db != nil {
		return sqlm.db.Close()
	}
	return nil
}

// GetStats returns connection pool and table counters
func (sqlm *SQLiteManager) GetStats(ctx context.Context) map[string]interface{} {
	dbStats := sqlm.db.Stats()
	stats := map[string]interface{}{
		"open_connections": dbStats.OpenConnections,
		"in_use":           dbStats.InUse,
		"idle":             dbStats.Idle,
	}

	rows, err := sqlm.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM payment_intents GROUP BY status`)
	if err != nil {
		sqlm.logger.Warn(fmt.Sprintf("Failed to count intents: %v", err), "database")
		return stats
	}
	defer rows.Close()

	counts := map[string]int64{}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err == nil {
			counts[status] = count
		}
	}
	stats["intents"] = counts
	return stats
}
