package changefeed

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"

	"github.com/sethvargo/go-retry"
)

const subscribeCursor = "viewsync_feed"

// Columns prepended to every SUBSCRIBE ... WITH (PROGRESS) row.
const (
	colTimestamp  = "mz_timestamp"
	colProgressed = "mz_progressed"
	colDiff       = "mz_diff"
)

// SubscribeSource streams a view through a long-lived SUBSCRIBE cursor. Any
// interruption discards the session; the next call reconnects and the
// server replays a fresh snapshot.
type SubscribeSource struct {
	cfg    Config
	conn   *pgConn
	logger *slog.Logger

	sess    *subscribeSession
	pending []Event
	dropped atomic.Int64
}

type subscribeSession struct {
	conn *sql.Conn
	tx   *sql.Tx
}

// NewSubscribeSource prepares a streaming source. No connection is made
// until the first call to Next.
func NewSubscribeSource(cfg Config) (*SubscribeSource, error) {
	return newSubscribeSource(cfg, sql.Open)
}

func newSubscribeSource(cfg Config, open sqlOpenFunc) (*SubscribeSource, error) {
	cfg = cfg.withDefaults()
	if cfg.View == "" {
		return nil, fmt.Errorf("feed view is required")
	}
	conn, err := openConn(open, cfg.DSN, cfg.Compat)
	if err != nil {
		return nil, err
	}
	return &SubscribeSource{
		cfg:    cfg,
		conn:   conn,
		logger: slog.Default().With("component", "changefeed", "mode", ModeStreaming, "view", cfg.View),
	}, nil
}

// Next implements Source.
func (s *SubscribeSource) Next(ctx context.Context) (Event, error) {
	for len(s.pending) == 0 {
		if err := ctx.Err(); err != nil {
			return Event{}, err
		}
		if s.sess == nil {
			if err := s.connect(ctx); err != nil {
				return Event{}, err
			}
		}
		evs, err := s.fetch(ctx)
		if err != nil {
			s.teardown()
			if ctx.Err() != nil {
				return Event{}, ctx.Err()
			}
			return Event{}, transient("fetch", err)
		}
		s.pending = evs
	}
	ev := s.pending[0]
	s.pending = s.pending[1:]
	return ev, nil
}

// Dropped returns how many feed rows could not be decoded and were skipped.
func (s *SubscribeSource) Dropped() int64 {
	return s.dropped.Load()
}

// Close ends the session and releases the connection pool.
func (s *SubscribeSource) Close() error {
	s.teardown()
	return s.conn.Close()
}

func (s *SubscribeSource) connect(ctx context.Context) error {
	attempt := 0
	err := retry.Do(ctx, newBackoff(s.cfg), func(ctx context.Context) error {
		attempt++
		sess, err := s.open(ctx)
		if err != nil {
			s.logger.Warn("subscribe failed", "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		s.sess = sess
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return transient("subscribe", err)
	}
	s.logger.Info("subscribed", "attempts", attempt)
	return nil
}

func (s *SubscribeSource) open(ctx context.Context) (*subscribeSession, error) {
	conn, err := s.conn.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		conn.Close()
		return nil, err
	}
	stmt := fmt.Sprintf("DECLARE %s CURSOR FOR SUBSCRIBE (SELECT * FROM %s) WITH (PROGRESS)",
		subscribeCursor, quoteRelation(s.cfg.View))
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		tx.Rollback()
		conn.Close()
		return nil, err
	}
	return &subscribeSession{conn: conn, tx: tx}, nil
}

func (s *SubscribeSource) fetch(ctx context.Context) ([]Event, error) {
	stmt := fmt.Sprintf("FETCH ALL %s WITH (timeout = %s)",
		subscribeCursor, literal(s.cfg.FetchTimeout.String()))
	rows, err := s.sess.tx.QueryContext(ctx, stmt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	raw, err := s.conn.scanRows(rows)
	if err != nil {
		return nil, err
	}
	evs := make([]Event, 0, len(raw))
	for _, r := range raw {
		ev, err := decodeSubscribeRow(r)
		if err != nil {
			s.dropped.Add(1)
			s.logger.Warn("malformed feed row dropped", "action", "row_dropped", "error", err)
			continue
		}
		evs = append(evs, ev)
	}
	return evs, nil
}

func (s *SubscribeSource) teardown() {
	s.pending = nil
	if s.sess == nil {
		return
	}
	s.sess.tx.Rollback()
	s.sess.conn.Close()
	s.sess = nil
}

// decodeSubscribeRow splits the SUBSCRIBE metadata columns from the row.
func decodeSubscribeRow(r map[string]any) (Event, error) {
	ts, err := timestampOf(r[colTimestamp])
	if err != nil {
		return Event{}, fmt.Errorf("decode %s: %w", colTimestamp, err)
	}
	if progressed, _ := boolOf(r[colProgressed]); progressed {
		return ProgressAt(ts), nil
	}
	diff, err := intOf(r[colDiff])
	if err != nil {
		return Event{}, fmt.Errorf("decode %s: %w", colDiff, err)
	}
	row := make(map[string]any, len(r))
	for k, v := range r {
		switch k {
		case colTimestamp, colProgressed, colDiff:
			continue
		}
		row[k] = v
	}
	return Event{Timestamp: ts, Diff: diff, Row: row}, nil
}

func timestampOf(v any) (Timestamp, error) {
	switch x := v.(type) {
	case int64:
		if x < 0 {
			return 0, fmt.Errorf("negative timestamp %d", x)
		}
		return Timestamp(x), nil
	case uint64:
		return Timestamp(x), nil
	case float64:
		if x < 0 {
			return 0, fmt.Errorf("negative timestamp %v", x)
		}
		return Timestamp(x), nil
	case string:
		return ParseTimestamp(x)
	case nil:
		return 0, errors.New("missing timestamp")
	default:
		return 0, fmt.Errorf("unexpected timestamp type %T", v)
	}
}

func boolOf(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		return strconv.ParseBool(x)
	case nil:
		return false, nil
	default:
		return false, fmt.Errorf("unexpected bool type %T", v)
	}
}

func intOf(v any) (int, error) {
	switch x := v.(type) {
	case int64:
		return int(x), nil
	case int:
		return x, nil
	case float64:
		return int(x), nil
	case string:
		return strconv.Atoi(x)
	case nil:
		return 0, errors.New("missing diff")
	default:
		return 0, fmt.Errorf("unexpected diff type %T", v)
	}
}
