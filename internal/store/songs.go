package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff"
	mysqldriver "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"github.com/makeasinger/studio/internal/config"
	"github.com/makeasinger/studio/internal/model"
)

// ErrNotFound is returned when a song does not exist.
var ErrNotFound = errors.New("song not found")

const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"

	songsTable = "songs"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS songs (
id varchar(36) primary key,
owner_id varchar(255) not null,
job_id varchar(36) not null,
title varchar(255),
audio_url text not null,
remote_url text,
duration double,
bpm integer,
key_scale varchar(64),
time_signature varchar(16),
created bigint not null);
CREATE INDEX IF NOT EXISTS ix_songs_owner_id ON songs (owner_id);
CREATE INDEX IF NOT EXISTS ix_songs_job_id ON songs (job_id);`

const mysqlSchema = `CREATE TABLE IF NOT EXISTS songs (
id varchar(36) primary key,
owner_id varchar(255) not null,
job_id varchar(36) not null,
title varchar(255),
audio_url varchar(1024) not null,
remote_url varchar(1024),
duration double,
bpm integer,
key_scale varchar(64),
time_signature varchar(16),
created bigint not null,
index ix_songs_owner_id (owner_id),
index ix_songs_job_id (job_id));`

var songColumns = []string{
	"id", "owner_id", "job_id", "title", "audio_url", "remote_url",
	"duration", "bpm", "key_scale", "time_signature", "created",
}

// SongStore persists song records in SQLite or MySQL.
type SongStore struct {
	db     *sql.DB
	driver string
	sb     sq.StatementBuilderType
}

// Open connects to the configured database and applies the schema.
func Open(ctx context.Context, cfg *config.DatabaseConfig) (*SongStore, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = DriverSQLite
	}
	if driver != DriverSQLite && driver != DriverMySQL {
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	if driver == DriverMySQL {
		if _, err := mysqldriver.ParseDSN(cfg.DSN); err != nil {
			return nil, fmt.Errorf("invalid mysql dsn: %w", err)
		}
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		// One writer at a time.
		db.SetMaxOpenConns(1)
	}

	s := &SongStore{
		db:     db,
		driver: driver,
		sb:     sq.StatementBuilder.PlaceholderFormat(sq.Question),
	}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *SongStore) Close() error {
	return s.db.Close()
}

// Migrate creates the schema if it does not exist.
func (s *SongStore) Migrate(ctx context.Context) error {
	schema := sqliteSchema
	if s.driver == DriverMySQL {
		schema = mysqlSchema
	}
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// Ping checks the database connection.
func (s *SongStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateSongs inserts songs in one transaction.
func (s *SongStore) CreateSongs(ctx context.Context, songs []model.Song) error {
	if len(songs) == 0 {
		return nil
	}

	insert := s.sb.Insert(songsTable).Columns(songColumns...)
	for _, song := range songs {
		var bpm interface{}
		if song.BPM != nil {
			bpm = *song.BPM
		}
		insert = insert.Values(
			song.ID, song.OwnerID, song.JobID, song.Title, song.AudioURL, song.RemoteURL,
			song.Duration, bpm, song.KeyScale, song.TimeSignature, song.CreatedAt.UnixNano(),
		)
	}
	query, args, err := insert.ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert: %w", err)
	}

	return s.runWithRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			_ = tx.Rollback()
			if isDup(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		return tx.Commit()
	})
}

// List returns an owner's songs, newest first, and the owner's total.
func (s *SongStore) List(ctx context.Context, ownerID string, limit, offset int) ([]model.Song, int, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	countQuery, countArgs, err := s.sb.Select("COUNT(*)").From(songsTable).Where(sq.Eq{"owner_id": ownerID}).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build count: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count songs: %w", err)
	}

	query, args, err := s.sb.Select(songColumns...).
		From(songsTable).
		Where(sq.Eq{"owner_id": ownerID}).
		OrderBy("created DESC", "audio_url ASC").
		Limit(uint64(limit)).
		Offset(uint64(offset)).
		ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list songs: %w", err)
	}
	defer rows.Close()

	songs := make([]model.Song, 0)
	for rows.Next() {
		song, err := scanSong(rows)
		if err != nil {
			return nil, 0, err
		}
		songs = append(songs, *song)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to list songs: %w", err)
	}
	return songs, total, nil
}

// Get returns one song.
func (s *SongStore) Get(ctx context.Context, id string) (*model.Song, error) {
	query, args, err := s.sb.Select(songColumns...).From(songsTable).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	song, err := scanSong(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return song, err
}

// ByJob returns the songs produced by a job in file order.
func (s *SongStore) ByJob(ctx context.Context, jobID string) ([]model.Song, error) {
	query, args, err := s.sb.Select(songColumns...).
		From(songsTable).
		Where(sq.Eq{"job_id": jobID}).
		OrderBy("audio_url ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query songs: %w", err)
	}
	defer rows.Close()

	var songs []model.Song
	for rows.Next() {
		song, err := scanSong(rows)
		if err != nil {
			return nil, err
		}
		songs = append(songs, *song)
	}
	return songs, rows.Err()
}

// SetRemoteURL records where a song's audio was published.
func (s *SongStore) SetRemoteURL(ctx context.Context, audioURL, remoteURL string) error {
	query, args, err := s.sb.Update(songsTable).
		Set("remote_url", remoteURL).
		Where(sq.Eq{"audio_url": audioURL}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build update: %w", err)
	}
	return s.runWithRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return backoff.Permanent(ErrNotFound)
		}
		return nil
	})
}

func (s *SongStore) runWithRetry(ctx context.Context, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 10 * time.Second
	return backoff.Retry(fn, backoff.WithContext(b, ctx))
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSong(row rowScanner) (*model.Song, error) {
	var (
		song      model.Song
		title     sql.NullString
		remoteURL sql.NullString
		duration  sql.NullFloat64
		bpm       sql.NullInt64
		keyScale  sql.NullString
		timeSig   sql.NullString
		created   int64
	)
	err := row.Scan(&song.ID, &song.OwnerID, &song.JobID, &title, &song.AudioURL, &remoteURL,
		&duration, &bpm, &keyScale, &timeSig, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan song: %w", err)
	}
	song.Title = title.String
	song.RemoteURL = remoteURL.String
	song.Duration = duration.Float64
	if bpm.Valid {
		v := int(bpm.Int64)
		song.BPM = &v
	}
	song.KeyScale = keyScale.String
	song.TimeSignature = timeSig.String
	song.CreatedAt = time.Unix(0, created).UTC()
	return &song, nil
}

// isDup reports a duplicate key error.
func isDup(err error) bool {
	var me *mysqldriver.MySQLError
	if errors.As(err, &me) {
		return me.Number == 1062
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
