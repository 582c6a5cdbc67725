package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"itemmarket/core/events"
)

// ErrSaleIDOutOfRange reports a sale id the journal cannot index. Ids are
// stored as signed 64-bit integers.
var ErrSaleIDOutOfRange = errors.New("journal: sale id out of range")

// Entry is a persisted event.
type Entry struct {
	Sequence   int64             `json:"sequence"`
	Type       string            `json:"type"`
	SaleID     *uint64           `json:"saleId,omitempty"`
	Attributes map[string]string `json:"attributes"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// Journal appends every emitted event to a SQLite table so indexers can
// replay the marketplace history.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
	nowFn  func() time.Time

	mu     sync.Mutex
	failed int
}

// Open creates or opens the journal database at path.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	j := &Journal{db: db, logger: slog.Default(), nowFn: time.Now}
	if err := j.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS events (
            sequence INTEGER PRIMARY KEY AUTOINCREMENT,
            type TEXT NOT NULL,
            sale_id INTEGER,
            attributes TEXT NOT NULL,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS events_sale_id ON events(sale_id, sequence);`,
	}
	for _, stmt := range schema {
		if _, err := j.db.Exec(stmt); err != nil {
			return fmt.Errorf("journal: init schema: %w", err)
		}
	}
	return nil
}

// SetLogger overrides the logger used to report write failures.
func (j *Journal) SetLogger(logger *slog.Logger) {
	if logger != nil {
		j.logger = logger
	}
}

// Close releases the database handle.
func (j *Journal) Close() error { return j.db.Close() }

// Emit implements events.Emitter. Write failures are logged and counted; they
// never reach the operation that produced the event.
func (j *Journal) Emit(evt events.Event) {
	if j == nil || evt == nil || evt.Event() == nil {
		return
	}
	if _, err := j.Append(context.Background(), evt); err != nil {
		j.mu.Lock()
		j.failed++
		j.mu.Unlock()
		j.logger.Error("journal append failed", slog.String("type", evt.EventType()), slog.Any("error", err))
	}
}

// Failures reports how many events could not be persisted.
func (j *Journal) Failures() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.failed
}

// Append stores evt and returns its sequence number.
func (j *Journal) Append(ctx context.Context, evt events.Event) (int64, error) {
	payload := evt.Event()
	if payload == nil {
		return 0, errors.New("journal: empty event")
	}
	attrs := payload.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	encoded, err := json.Marshal(attrs)
	if err != nil {
		return 0, fmt.Errorf("journal: encode attributes: %w", err)
	}
	var saleID sql.NullInt64
	if raw, ok := attrs["id"]; ok {
		if id, err := strconv.ParseUint(raw, 10, 63); err == nil {
			saleID = sql.NullInt64{Int64: int64(id), Valid: true}
		}
	}
	res, err := j.db.ExecContext(ctx,
		`INSERT INTO events(type, sale_id, attributes, created_at) VALUES(?, ?, ?, ?)`,
		payload.Type, saleID, string(encoded), j.nowFn().UTC())
	if err != nil {
		return 0, fmt.Errorf("journal: insert: %w", err)
	}
	return res.LastInsertId()
}

// ForSale returns every event of sale id in emission order.
func (j *Journal) ForSale(ctx context.Context, id uint64) ([]Entry, error) {
	if id > math.MaxInt64 {
		return nil, fmt.Errorf("%w: %d", ErrSaleIDOutOfRange, id)
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT sequence, type, sale_id, attributes, created_at FROM events WHERE sale_id = ? ORDER BY sequence`,
		int64(id))
	if err != nil {
		return nil, fmt.Errorf("journal: query sale %d: %w", id, err)
	}
	return scanEntries(rows)
}

// Since returns up to limit events with a sequence greater than after.
func (j *Journal) Since(ctx context.Context, after int64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT sequence, type, sale_id, attributes, created_at FROM events WHERE sequence > ? ORDER BY sequence LIMIT ?`,
		after, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: query since %d: %w", after, err)
	}
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var (
			entry  Entry
			saleID sql.NullInt64
			attrs  string
		)
		if err := rows.Scan(&entry.Sequence, &entry.Type, &saleID, &attrs, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		if saleID.Valid {
			id := uint64(saleID.Int64)
			entry.SaleID = &id
		}
		if err := json.Unmarshal([]byte(attrs), &entry.Attributes); err != nil {
			return nil, fmt.Errorf("journal: decode attributes: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}
