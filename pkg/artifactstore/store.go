// Package artifactstore keeps recording artifacts outside the process: a local
// SQLite store that survives restarts until the backend accepted an upload,
// and an S3-compatible archive.
package artifactstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/am-sokolov/liveroom-go/pkg/room"
)

const schema = `
CREATE TABLE IF NOT EXISTS artifacts (
	id          TEXT PRIMARY KEY,
	sessionId   TEXT NOT NULL,
	data        BLOB NOT NULL,
	mimeType    TEXT NOT NULL,
	format      TEXT NOT NULL,
	quality     TEXT NOT NULL,
	duration    INTEGER NOT NULL,
	recordedAt  INTEGER NOT NULL,
	uploaded    INTEGER NOT NULL DEFAULT 0,
	remoteId    TEXT,
	remoteUrl   TEXT,
	archiveUrl  TEXT,
	failed      TEXT
);
CREATE INDEX IF NOT EXISTS artifacts_pending ON artifacts (uploaded, recordedAt);
`

// Store is a SQLite-backed room.LocalArtifactStore.
type Store struct {
	db *sql.DB
}

var _ room.LocalArtifactStore = (*Store)(nil)

// DefaultPath returns the default database path under the user cache dir.
func DefaultPath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "liveroom", "artifacts.sqlite")
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save inserts or replaces a.
func (s *Store) Save(ctx context.Context, a *room.Artifact) error {
	var failed sql.NullString
	if a.Failed != nil {
		failed = sql.NullString{String: a.Failed.Error(), Valid: true}
	}
	var remoteID, remoteURL sql.NullString
	if a.Remote != nil {
		remoteID = sql.NullString{String: a.Remote.ID, Valid: true}
		remoteURL = sql.NullString{String: a.Remote.URL, Valid: a.Remote.URL != ""}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO artifacts
			(id, sessionId, data, mimeType, format, quality, duration, recordedAt, uploaded, remoteId, remoteUrl, archiveUrl, failed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.SessionID, a.Data, a.MimeType, a.Format, string(a.Quality), a.DurationSeconds,
		a.RecordedAt.UnixMilli(), boolInt(a.Uploaded), remoteID, remoteURL,
		sql.NullString{String: a.ArchiveURL, Valid: a.ArchiveURL != ""}, failed)
	if err != nil {
		return fmt.Errorf("save artifact %s: %w", a.ID, err)
	}
	return nil
}

// MarkUploaded records that the backend accepted the artifact.
func (s *Store) MarkUploaded(ctx context.Context, id string, info *room.RecordingInfo) error {
	var remoteID, remoteURL sql.NullString
	if info != nil {
		remoteID = sql.NullString{String: info.ID, Valid: true}
		remoteURL = sql.NullString{String: info.URL, Valid: info.URL != ""}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE artifacts SET uploaded = 1, remoteId = ?, remoteUrl = ? WHERE id = ?`,
		remoteID, remoteURL, id)
	if err != nil {
		return fmt.Errorf("mark uploaded %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return room.NotFound("artifact " + id)
	}
	return nil
}

// Get returns one artifact.
func (s *Store) Get(ctx context.Context, id string) (*room.Artifact, error) {
	row := s.db.QueryRowContext(ctx, selectArtifact+` WHERE id = ?`, id)
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, room.NotFound("artifact " + id)
	}
	return a, err
}

// Pending returns artifacts not yet accepted by the backend, oldest first.
func (s *Store) Pending(ctx context.Context) ([]*room.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, selectArtifact+` WHERE uploaded = 0 ORDER BY recordedAt ASC`)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	var out []*room.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Delete removes an artifact.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete artifact %s: %w", id, err)
	}
	return nil
}

// Prune deletes uploaded artifacts recorded before cutoff and returns how
// many were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM artifacts WHERE uploaded = 1 AND recordedAt < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	return res.RowsAffected()
}

const selectArtifact = `
	SELECT id, sessionId, data, mimeType, format, quality, duration, recordedAt,
	       uploaded, remoteId, remoteUrl, archiveUrl, failed
	FROM artifacts`

type scanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row scanner) (*room.Artifact, error) {
	var (
		a                                       room.Artifact
		quality                                 string
		recordedAt                              int64
		uploaded                                int
		remoteID, remoteURL, archiveURL, failed sql.NullString
	)
	if err := row.Scan(&a.ID, &a.SessionID, &a.Data, &a.MimeType, &a.Format, &quality,
		&a.DurationSeconds, &recordedAt, &uploaded, &remoteID, &remoteURL, &archiveURL, &failed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan artifact: %w", err)
	}
	a.Quality = room.Quality(quality)
	a.RecordedAt = time.UnixMilli(recordedAt).UTC()
	a.Uploaded = uploaded == 1
	if remoteID.Valid {
		a.Remote = &room.RecordingInfo{ID: remoteID.String, URL: remoteURL.String, SessionID: a.SessionID}
	}
	a.ArchiveURL = archiveURL.String
	if failed.Valid {
		a.Failed = errors.New(failed.String)
	}
	return &a, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
