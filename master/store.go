package master

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	"speccal/frame"
)

// CacheMissError is generated when a durable entry is absent or its
// stored bytes fail verification.  It is recoverable: the caller
// recomputes.  A corrupted entry is never partially returned.
type CacheMissError struct {
	Key    Key
	Reason string
}

func (e *CacheMissError) Error() string {
	return fmt.Sprintf("master cache miss for %s: %s", e.Key, e.Reason)
}

// IsCacheMiss reports whether err is a CacheMissError.
func IsCacheMiss(err error) bool {
	var cm *CacheMissError
	return errors.As(err, &cm)
}

var errStoreLocked = errors.New("cache directory locked by another process")

// Store is the durable half of the master cache: product files laid
// out as {setup}/{detector}/{frametype}.<ext> under the cache root,
// with a SQLite index recording input checksums, stored-byte CRCs, and
// reuse audit fields.  The root is guarded by a cross-process file
// lock held for the lifetime of the store.
type Store struct {
	dir  string
	db   *sql.DB
	lock *flock.Flock
}

// OpenStore locks and opens the cache directory, creating it and the
// index schema as needed.  Lock acquisition retries with exponential
// backoff so two pipeline runs started together serialize instead of
// failing.
func OpenStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0777); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}

	lock := flock.New(filepath.Join(dir, "cache.lock"))
	op := func() error {
		got, err := lock.TryLock()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !got {
			return errStoreLocked
		}
		return nil
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      10 * time.Second,
		Clock:               backoff.SystemClock})
	if err != nil {
		return nil, fmt.Errorf("locking cache dir %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, "index.db"))
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("opening cache index: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, execErr := db.Exec(pragma); execErr != nil {
			db.Close()
			lock.Unlock()
			return nil, fmt.Errorf("applying pragma %q: %w", pragma, execErr)
		}
	}
	const schema = `CREATE TABLE IF NOT EXISTS entries (
		setup           TEXT NOT NULL,
		detector        TEXT NOT NULL,
		frametype       TEXT NOT NULL,
		input_checksum  TEXT NOT NULL,
		stored_crc      TEXT NOT NULL,
		file            TEXT NOT NULL,
		created_at      TEXT NOT NULL,
		created_by_run  TEXT NOT NULL,
		reused          INTEGER NOT NULL DEFAULT 0,
		last_reused_run TEXT,
		PRIMARY KEY (setup, detector, frametype)
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		lock.Unlock()
		return nil, fmt.Errorf("creating cache index schema: %w", err)
	}
	return &Store{dir: dir, db: db, lock: lock}, nil
}

// Close closes the index and releases the directory lock.
func (s *Store) Close() error {
	err := s.db.Close()
	if uerr := s.lock.Unlock(); err == nil {
		err = uerr
	}
	return err
}

// Save encodes the product, writes it under the key's path, and upserts
// the index row.  The file lands via a temp-file rename so a crash
// never leaves a half-written product behind the index's back.
func (s *Store) Save(key Key, inputChecksum uint64, p Product, runID string) error {
	buf := bytes.Buffer{}
	if err := p.EncodeProduct(&buf); err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	storedCRC := frame.ChecksumBytes(buf.Bytes())

	rel := filepath.Join(key.Setup, key.Detector, key.FrameType+p.ProductExt())
	abs := filepath.Join(s.dir, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0777); err != nil {
		return err
	}
	tmp := abs + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0666); err != nil {
		return err
	}
	if err := os.Rename(tmp, abs); err != nil {
		os.Remove(tmp)
		return err
	}

	_, err := s.db.Exec(
		`INSERT INTO entries (
			setup, detector, frametype, input_checksum, stored_crc,
			file, created_at, created_by_run, reused, last_reused_run
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, NULL)
		ON CONFLICT (setup, detector, frametype) DO UPDATE SET
			input_checksum = excluded.input_checksum,
			stored_crc = excluded.stored_crc,
			file = excluded.file,
			created_at = excluded.created_at,
			created_by_run = excluded.created_by_run,
			reused = 0,
			last_reused_run = NULL`,
		key.Setup, key.Detector, key.FrameType,
		formatChecksum(inputChecksum), formatChecksum(storedCRC),
		rel, time.Now().UTC().Format(time.RFC3339Nano), runID)
	if err != nil {
		return fmt.Errorf("indexing %s: %w", key, err)
	}
	return nil
}

// Load round-trips the product for key from disk, verifying the stored
// bytes against the recorded CRC.  It returns the input checksum the
// entry was computed from so callers can apply the reuse gate.
func (s *Store) Load(key Key, decode DecodeFunc) (Product, uint64, error) {
	var inputHex, crcHex, rel string
	err := s.db.QueryRow(
		`SELECT input_checksum, stored_crc, file FROM entries
		 WHERE setup = ? AND detector = ? AND frametype = ?`,
		key.Setup, key.Detector, key.FrameType).Scan(&inputHex, &crcHex, &rel)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, &CacheMissError{Key: key, Reason: "no entry"}
	}
	if err != nil {
		return nil, 0, fmt.Errorf("querying cache index for %s: %w", key, err)
	}

	inputChecksum, err := parseChecksum(inputHex)
	if err != nil {
		return nil, 0, &CacheMissError{Key: key, Reason: "unreadable input checksum: " + err.Error()}
	}
	storedCRC, err := parseChecksum(crcHex)
	if err != nil {
		return nil, 0, &CacheMissError{Key: key, Reason: "unreadable stored crc: " + err.Error()}
	}

	b, err := os.ReadFile(filepath.Join(s.dir, rel))
	if err != nil {
		return nil, 0, &CacheMissError{Key: key, Reason: "product file unreadable: " + err.Error()}
	}
	if got := frame.ChecksumBytes(b); got != storedCRC {
		return nil, 0, &CacheMissError{
			Key:    key,
			Reason: fmt.Sprintf("stored bytes corrupted: crc %016x, recorded %016x", got, storedCRC)}
	}
	p, err := decode(bytes.NewReader(b))
	if err != nil {
		return nil, 0, &CacheMissError{Key: key, Reason: "product does not decode: " + err.Error()}
	}
	return p, inputChecksum, nil
}

// MarkReused records, for audit only, that the entry was served from
// disk in the given run rather than freshly computed.
func (s *Store) MarkReused(key Key, runID string) error {
	_, err := s.db.Exec(
		`UPDATE entries SET reused = 1, last_reused_run = ?
		 WHERE setup = ? AND detector = ? AND frametype = ?`,
		runID, key.Setup, key.Detector, key.FrameType)
	return err
}

// Delete removes the entry and its product file, if present.
func (s *Store) Delete(key Key) error {
	var rel string
	err := s.db.QueryRow(
		`SELECT file FROM entries WHERE setup = ? AND detector = ? AND frametype = ?`,
		key.Setup, key.Detector, key.FrameType).Scan(&rel)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(
		`DELETE FROM entries WHERE setup = ? AND detector = ? AND frametype = ?`,
		key.Setup, key.Detector, key.FrameType); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.dir, rel)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func formatChecksum(v uint64) string {
	return fmt.Sprintf("%016x", v)
}

func parseChecksum(s string) (uint64, error) {
	return strconv.ParseUint(s, 16, 64)
}
