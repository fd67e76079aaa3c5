package changefeed

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/juju/clock"
	_ "github.com/lib/pq"
	"github.com/sethvargo/go-retry"
)

// Feed modes.
const (
	ModeStreaming = "streaming"
	ModePolling   = "polling"
)

// DefaultCursorColumn orders and filters rows in polling mode.
const DefaultCursorColumn = "updated_at"

// Config describes one feed over a single view.
type Config struct {
	DSN          string
	View         string
	CursorColumn string
	BatchSize    int
	PollInterval time.Duration
	FetchTimeout time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	// Compat sends statements without bind parameters and decodes every
	// non-scalar value as text, for servers that speak the Postgres wire
	// protocol with a reduced type system.
	Compat bool
	Clock  clock.Clock
}

func (c Config) withDefaults() Config {
	if c.CursorColumn == "" {
		c.CursorColumn = DefaultCursorColumn
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	return c
}

// Open returns the source for mode.
func Open(mode string, cfg Config) (Source, error) {
	switch mode {
	case "", ModeStreaming:
		return NewSubscribeSource(cfg)
	case ModePolling:
		return NewPollingSource(cfg)
	default:
		return nil, fmt.Errorf("unknown feed mode %q", mode)
	}
}

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// pgConn is the SQL-wire handle shared by both sources. Compatibility mode
// is fixed at construction.
type pgConn struct {
	db     *sql.DB
	compat bool
}

func openConn(open sqlOpenFunc, dsn string, compat bool) (*pgConn, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("feed dsn is required")
	}
	db, err := open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open feed connection: %w", err)
	}
	return &pgConn{db: db, compat: compat}, nil
}

func (c *pgConn) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// scanRows reads every remaining row into column maps.
func (c *pgConn) scanRows(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = c.decode(vals[i])
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (c *pgConn) decode(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case time.Time:
		if c.compat {
			return x.UTC().Format(time.RFC3339Nano)
		}
		return x
	default:
		return v
	}
}

// literal renders v inline for compatibility mode statements.
func literal(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return "'" + x.UTC().Format(time.RFC3339Nano) + "'::timestamptz"
	default:
		return "'" + strings.ReplaceAll(fmt.Sprint(x), "'", "''") + "'"
	}
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

// quoteRelation quotes each dot-separated part of a relation name.
func quoteRelation(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = quoteIdentifier(p)
	}
	return strings.Join(parts, ".")
}

func newBackoff(cfg Config) retry.Backoff {
	return retry.WithMaxRetries(uint64(cfg.MaxRetries), retry.NewExponential(cfg.RetryBackoff))
}

func transient(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrTransient, err)
}
