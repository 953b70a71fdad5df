// Package savestate stores instance images in a SQLite database, keyed by
// cart name and slot number.
package savestate

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/chazu/sprout/vm"
)

var log = commonlog.GetLogger("sprout.savestate")

// ErrNotFound indicates that a slot holds no snapshot.
var ErrNotFound = errors.New("savestate: no snapshot in slot")

const schema = `CREATE TABLE IF NOT EXISTS snapshots (
	cart     TEXT    NOT NULL,
	slot     INTEGER NOT NULL,
	created  INTEGER NOT NULL,
	frames   INTEGER NOT NULL,
	instance TEXT    NOT NULL,
	image    BLOB    NOT NULL,
	PRIMARY KEY (cart, slot)
)`

// Entry describes a stored snapshot.
type Entry struct {
	Cart     string
	Slot     int
	Created  time.Time
	Frames   int
	Instance uuid.UUID
	Size     int // image bytes
}

// Store is a snapshot database.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the database at path, creating its directory if
// needed.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection serialises writers and keeps busy errors away.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}
	log.Debugf("opened %s", path)
	return &Store{db: db, path: path}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save writes an image of in to the slot, replacing what was there.
func (s *Store) Save(ctx context.Context, cart string, slot int, in *vm.Instance) error {
	var buf bytes.Buffer
	if err := in.SaveImageTo(&buf); err != nil {
		return err
	}
	return s.SaveImage(ctx, cart, slot, buf.Bytes())
}

// SaveImage stores an image produced by vm.Instance.SaveImageTo. The
// header is read back to fill in the slot's metadata.
func (s *Store) SaveImage(ctx context.Context, cart string, slot int, image []byte) error {
	hdr, err := vm.ReadImageHeader(bytes.NewReader(image))
	if err != nil {
		return fmt.Errorf("savestate: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO snapshots (cart, slot, created, frames, instance, image) VALUES (?, ?, ?, ?, ?, ?)",
		cart, slot, hdr.Created, hdr.Frames, uuid.UUID(hdr.ID).String(), image,
	)
	if err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}
	log.Infof("saved %s slot %d (%d bytes, %d frames)", cart, slot, len(image), hdr.Frames)
	return nil
}

// LoadImage returns the raw image stored in a slot.
func (s *Store) LoadImage(ctx context.Context, cart string, slot int) ([]byte, error) {
	var image []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT image FROM snapshots WHERE cart = ? AND slot = ?", cart, slot,
	).Scan(&image)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s/%d", ErrNotFound, cart, slot)
		}
		return nil, fmt.Errorf("querying snapshot: %w", err)
	}
	return image, nil
}

// Load restores the instance stored in a slot.
func (s *Store) Load(ctx context.Context, cart string, slot int, opts vm.Options) (*vm.Instance, error) {
	image, err := s.LoadImage(ctx, cart, slot)
	if err != nil {
		return nil, err
	}
	in, err := vm.LoadImageFromBytes(image, opts)
	if err != nil {
		return nil, fmt.Errorf("restoring %s/%d: %w", cart, slot, err)
	}
	log.Infof("loaded %s slot %d", cart, slot)
	return in, nil
}

// List describes the snapshots of a cart, ordered by slot.
func (s *Store) List(ctx context.Context, cart string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT slot, created, frames, instance, length(image) FROM snapshots WHERE cart = ? ORDER BY slot", cart)
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e := Entry{Cart: cart}
		var created int64
		var id string
		if err := rows.Scan(&e.Slot, &created, &e.Frames, &id, &e.Size); err != nil {
			return nil, fmt.Errorf("scanning snapshot: %w", err)
		}
		e.Created = time.Unix(created, 0)
		if e.Instance, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("snapshot %s/%d: %w", cart, e.Slot, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Delete removes the snapshot in a slot.
func (s *Store) Delete(ctx context.Context, cart string, slot int) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM snapshots WHERE cart = ? AND slot = ?", cart, slot)
	if err != nil {
		return fmt.Errorf("deleting snapshot: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s/%d", ErrNotFound, cart, slot)
	}
	return nil
}
