package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

const (
	sqlInsertQuery string = "insert into dispositions (envelope_id, occurred_at, peer, sender, recipients, subject, size, disposition, reason, plugin, relay, elapsed_ms) values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"

	sqliteCreateTable string = `
	create table if not exists dispositions (
    envelope_id text primary key,
    occurred_at datetime default CURRENT_TIMESTAMP,
    peer text,
    sender text,
    recipients text,
    subject text,
    size integer,
    disposition text,
    reason text,
    plugin text,
    relay text,
    elapsed_ms integer
	)`
	mysqlCreateTable string = `
	create table if not exists dispositions (
    envelope_id varchar(26) primary key,
    occurred_at datetime(6) not null,
    peer varchar(64),
    sender varchar(320),
    recipients text,
    subject text,
    size int,
    disposition varchar(32),
    reason text,
    plugin varchar(64),
    relay varchar(64),
    elapsed_ms bigint
	)`
)

// TimeFormat is the layout of occurred_at values written to SQL sinks.
const TimeFormat string = "2006-01-02 15:04:05.999999"

// SQLHook stores records in a dispositions table.
type SQLHook struct {
	name   string
	driver string
	dsn    string
	ddl    string
	pool   *sql.DB // Database connection pool.
}

// NewSQLiteHook stores records in the SQLite database at dsn.
func NewSQLiteHook(dsn string) *SQLHook {
	return &SQLHook{name: "sqlite", driver: "sqlite", dsn: dsn, ddl: sqliteCreateTable}
}

// NewMySQLHook stores records in the MySQL database at dsn.
func NewMySQLHook(dsn string) *SQLHook {
	return &SQLHook{name: "mysql", driver: "mysql", dsn: dsn, ddl: mysqlCreateTable}
}

func (h *SQLHook) Name() string {
	return h.name
}

func (h *SQLHook) conn() (*sql.DB, error) {
	if h.pool != nil {
		return h.pool, nil
	}
	if h.dsn == "" {
		return nil, fmt.Errorf("missing dsn for %s", h.name)
	}

	pool, err := sql.Open(h.driver, h.dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open error: %w", err)
	}
	h.pool = pool
	return h.pool, nil
}

// Init opens the pool and creates the table if needed.
func (h *SQLHook) Init(ctx context.Context) error {
	pool, err := h.conn()
	if err != nil {
		return err
	}
	if _, err := pool.ExecContext(ctx, h.ddl); err != nil {
		return fmt.Errorf("db exec error: %w", err)
	}
	return nil
}

func (h *SQLHook) Record(ctx context.Context, r *Record) error {
	if h.pool == nil {
		return fmt.Errorf("%s hook not initialized", h.name)
	}
	_, err := h.pool.ExecContext(ctx,
		sqlInsertQuery,
		r.EnvelopeID,
		r.OccurredAt.Format(TimeFormat),
		r.Peer,
		r.Sender,
		strings.Join(r.Recipients, ","),
		r.Subject,
		r.Size,
		r.Disposition,
		r.Reason,
		r.Plugin,
		r.Relay,
		r.Elapsed.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("db exec error: %w", err)
	}
	return nil
}

func (h *SQLHook) Close() error {
	if h.pool == nil {
		return nil
	}
	return h.pool.Close()
}
