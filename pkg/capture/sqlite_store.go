package capture

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	initSchemaSQL = `
CREATE TABLE IF NOT EXISTS captures (
    slot         INTEGER PRIMARY KEY,
    seq          INTEGER NOT NULL,
    captured_at  INTEGER NOT NULL,
    sample_rate  INTEGER NOT NULL,
    samples      INTEGER NOT NULL,
    has_filtered INTEGER NOT NULL,
    raw_crc      INTEGER NOT NULL,
    filtered_crc INTEGER NOT NULL,
    data         BLOB NOT NULL
)`

	upsertCaptureSQL = `
INSERT OR REPLACE INTO captures (
                      slot,
                      seq,
                      captured_at,
                      sample_rate,
                      samples,
                      has_filtered,
                      raw_crc,
                      filtered_crc,
                      data)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectHeadersSQL = `
SELECT 
    slot,
    seq,
    captured_at,
    sample_rate,
    samples,
    has_filtered,
    raw_crc,
    filtered_crc
FROM captures 
ORDER BY slot`

	selectDataSQL = `SELECT data FROM captures WHERE slot = ?`

	deleteCaptureSQL = `DELETE FROM captures WHERE slot = ?`
)

// SQLiteStore keeps one row per slot in an SQLite database.
type SQLiteStore struct {
	dbPath      string
	slots       int
	slotSamples int
	logger      *zap.Logger

	mu sync.Mutex // Serializes statements and guards db after Close

	db     *sql.DB
	dbOnce sync.Once
	dbErr  error

	closeOnce sync.Once
	closeErr  error
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a store backed by the database at dbPath. The
// database is opened lazily on first use.
func NewSQLiteStore(dbPath string, slots, slotSamples int, logger *zap.Logger) (*SQLiteStore, error) {
	if slots <= 0 {
		return nil, fmt.Errorf("%w: %d slots", ErrSlotRange, slots)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLiteStore{
		dbPath:      dbPath,
		slots:       slots,
		slotSamples: slotSamples,
		logger:      logger.Named("capture-sqlite"),
	}, nil
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.dbOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", s.dbPath, "_journal_mode=WAL&_synchronous=NORMAL"))
		if err != nil {
			s.dbErr = fmt.Errorf("opening database: %w", err)
			return
		}
		db.SetMaxOpenConns(1)

		if _, err = db.Exec(initSchemaSQL); err != nil {
			s.dbErr = multierr.Append(fmt.Errorf("initializing schema: %w", err), db.Close())
			return
		}
		s.db = db
	})

	if s.db == nil && s.dbErr == nil {
		return nil, ErrClosed
	}
	return s.db, s.dbErr
}

// Slots returns the ring size.
func (s *SQLiteStore) Slots() int { return s.slots }

// Store writes c into the next slot.
func (s *SQLiteStore) Store(ctx context.Context, c *Capture) (slot int, err error) {
	if len(c.Raw) > s.slotSamples {
		return 0, fmt.Errorf("%w: %d samples, slot holds %d", ErrTooLarge, len(c.Raw), s.slotSamples)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.getDB()
	if err != nil {
		return 0, fmt.Errorf("getting connection: %w", err)
	}

	used, err := s.headers(ctx, db)
	if err != nil {
		return 0, err
	}
	slot = nextSlot(used, s.slots)

	c.Seal()
	c.Slot = slot
	data, err := c.MarshalBinary()
	if err != nil {
		return 0, err
	}

	stmt, err := db.PrepareContext(ctx, upsertCaptureSQL)
	if err != nil {
		return 0, fmt.Errorf("preparing statement: %w", err)
	}
	defer closeWithError(stmt, &err)

	if _, err = stmt.ExecContext(ctx,
		slot,
		int64(c.Seq),
		c.Captured.UnixNano(),
		c.SampleRate,
		c.Samples,
		c.HasFiltered,
		c.RawCRC,
		c.FilteredCRC,
		data,
	); err != nil {
		return 0, fmt.Errorf("inserting capture: %w", err)
	}

	s.logger.Debug("stored", zap.Int("slot", slot), zap.Uint32("samples", c.Samples))
	return slot, nil
}

// List returns the headers of the occupied slots.
func (s *SQLiteStore) List(ctx context.Context) ([]Header, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.getDB()
	if err != nil {
		return nil, fmt.Errorf("getting connection: %w", err)
	}
	return s.headers(ctx, db)
}

func (s *SQLiteStore) headers(ctx context.Context, db *sql.DB) (headers []Header, err error) {
	rows, err := db.QueryContext(ctx, selectHeadersSQL)
	if err != nil {
		return nil, fmt.Errorf("querying captures: %w", err)
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var (
			h        Header
			seq      int64
			captured int64
		)
		if err = rows.Scan(&h.Slot, &seq, &captured, &h.SampleRate, &h.Samples, &h.HasFiltered, &h.RawCRC, &h.FilteredCRC); err != nil {
			return nil, fmt.Errorf("scanning capture: %w", err)
		}
		h.Seq = uint64(seq)
		h.Captured = timeFromNanos(captured)
		headers = append(headers, h)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating captures: %w", err)
	}
	return headers, nil
}

// Read loads and verifies the capture in slot.
func (s *SQLiteStore) Read(ctx context.Context, slot int) (*Capture, error) {
	if err := checkSlot(slot, s.slots); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.getDB()
	if err != nil {
		return nil, fmt.Errorf("getting connection: %w", err)
	}

	var data []byte
	err = db.QueryRowContext(ctx, selectDataSQL, slot).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrEmptySlot, slot)
	}
	if err != nil {
		return nil, fmt.Errorf("reading slot %d: %w", slot, err)
	}

	c := &Capture{}
	if err := c.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("slot %d: %w", slot, err)
	}
	c.Slot = slot
	return c, nil
}

// Delete removes the capture in slot.
func (s *SQLiteStore) Delete(ctx context.Context, slot int) error {
	if err := checkSlot(slot, s.slots); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.getDB()
	if err != nil {
		return fmt.Errorf("getting connection: %w", err)
	}

	res, err := db.ExecContext(ctx, deleteCaptureSQL, slot)
	if err != nil {
		return fmt.Errorf("deleting slot %d: %w", slot, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %d", ErrEmptySlot, slot)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	s.closeOnce.Do(func() {
		// Prevent a later lazy open.
		s.dbOnce.Do(func() {})

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.db != nil {
			s.closeErr = s.db.Close()
			s.db = nil
		}
	})
	return s.closeErr
}
