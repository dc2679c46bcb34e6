package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"horse.fit/canon/internal/config"
)

var ErrNoRows = sql.ErrNoRows

var errPoolClosed = errors.New("database pool is not initialized")

const slowQueryThreshold = 500 * time.Millisecond

type CommandTag struct {
	rowsAffected int64
}

func (c CommandTag) RowsAffected() int64 {
	return c.rowsAffected
}

// Row defers a QueryRow error until Scan, like database/sql.
type Row struct {
	row *sql.Row
	err error
}

func (r *Row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if r.row == nil {
		return ErrNoRows
	}
	return r.row.Scan(dest...)
}

type Rows struct {
	*sql.Rows
}

// Close discards the close error; callers check Err after iterating.
func (r *Rows) Close() {
	if r != nil && r.Rows != nil {
		_ = r.Rows.Close()
	}
}

// Tx is the raw SQL surface shared by the pool and an open transaction.
type Tx interface {
	QueryRow(ctx context.Context, query string, args ...any) *Row
	Query(ctx context.Context, query string, args ...any) (*Rows, error)
	Exec(ctx context.Context, query string, args ...any) (CommandTag, error)
}

// conn runs raw SQL through a gorm handle, which is either the pool itself
// or a transaction started by gorm.
type conn struct {
	db *gorm.DB
}

func (c conn) QueryRow(ctx context.Context, query string, args ...any) *Row {
	if c.db == nil {
		return &Row{err: errPoolClosed}
	}
	return &Row{row: c.db.WithContext(ctx).Raw(query, args...).Row()}
}

func (c conn) Query(ctx context.Context, query string, args ...any) (*Rows, error) {
	if c.db == nil {
		return nil, errPoolClosed
	}
	rows, err := c.db.WithContext(ctx).Raw(query, args...).Rows()
	if err != nil {
		return nil, err
	}
	return &Rows{Rows: rows}, nil
}

func (c conn) Exec(ctx context.Context, query string, args ...any) (CommandTag, error) {
	if c.db == nil {
		return CommandTag{}, errPoolClosed
	}
	res := c.db.WithContext(ctx).Exec(query, args...)
	return CommandTag{rowsAffected: res.RowsAffected}, res.Error
}

// Pool owns the gorm handle for the canon schema. It is built once per
// process and handed to the store; nothing in this package keeps a global.
type Pool struct {
	conn
	sqlDB *sql.DB
}

var _ Tx = (*Pool)(nil)

func NewPool(ctx context.Context, cfg *config.Config) (*Pool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	gdb, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		Logger: logger.New(log.New(os.Stderr, "gorm ", log.LstdFlags), logger.Config{
			SlowThreshold:             slowQueryThreshold,
			LogLevel:                  resolveGormLogLevel(cfg.LogLevel, cfg.Environment),
			IgnoreRecordNotFoundError: true,
		}),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open gorm database: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("get gorm sql db: %w", err)
	}
	configureConns(sqlDB, cfg.DBMinConns, cfg.DBMaxConns)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	pool := &Pool{conn: conn{db: gdb}, sqlDB: sqlDB}
	if err := pool.migrate(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return pool, nil
}

func configureConns(sqlDB *sql.DB, minConns, maxConns int32) {
	maxOpen := int(maxConns)
	if maxOpen <= 0 {
		maxOpen = 8
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(max(1, min(int(minConns), maxOpen)))
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
}

func (p *Pool) Ping(ctx context.Context) error {
	if p == nil || p.sqlDB == nil {
		return errPoolClosed
	}
	return p.sqlDB.PingContext(ctx)
}

// inTx runs fn in one transaction; a nil return commits.
func (p *Pool) inTx(ctx context.Context, label string, fn func(tx Tx) error) error {
	if p == nil || p.db == nil {
		return errPoolClosed
	}
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(conn{db: tx})
	})
	if err != nil {
		return fmt.Errorf("%s tx: %w", label, err)
	}
	return nil
}

func (p *Pool) Close() error {
	if p == nil || p.sqlDB == nil {
		return nil
	}
	return p.sqlDB.Close()
}

func IsNoRows(err error) bool {
	return errors.Is(err, ErrNoRows)
}

func resolveGormLogLevel(appLogLevel, environment string) logger.LogLevel {
	switch strings.ToLower(strings.TrimSpace(appLogLevel)) {
	case "trace":
		return logger.Info
	case "debug", "info", "warn", "warning", "":
		return logger.Warn
	case "error":
		return logger.Error
	case "disabled", "silent":
		return logger.Silent
	default:
		if strings.EqualFold(strings.TrimSpace(environment), "local") {
			return logger.Warn
		}
		return logger.Error
	}
}
