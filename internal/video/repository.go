// Package video persists metadata for published videos.
package video

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Record is a published video.
type Record struct {
	ID          string    `json:"id"`
	AuthorID    string    `json:"authorId"`
	URL         string    `json:"url"`
	Description string    `json:"description"`
	Views       int64     `json:"views"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Key returns the storage key the record's URL points at.
func (r *Record) Key() string {
	u, err := url.Parse(r.URL)
	if err != nil || u.Path == "" {
		return ""
	}
	return path.Base(u.Path)
}

// ErrNotFound is returned when a video does not exist.
var ErrNotFound = errors.New("video not found")

// dbtx is the subset of *pgxpool.Pool the repository needs.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository handles all video database operations.
type Repository struct {
	db dbtx
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool}
}

// Create inserts rec and fills in the server-assigned fields.
func (r *Repository) Create(ctx context.Context, rec *Record) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO videos (id, author_id, url, description)
		 VALUES ($1, $2, $3, $4)
		 RETURNING views, created_at`,
		rec.ID, rec.AuthorID, rec.URL, rec.Description,
	).Scan(&rec.Views, &rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("create video: %w", err)
	}
	return nil
}

// GetByID fetches a video by its UUID.
func (r *Repository) GetByID(ctx context.Context, id string) (*Record, error) {
	rec := &Record{}
	err := r.db.QueryRow(ctx,
		`SELECT id, author_id, url, description, views, created_at
		 FROM videos WHERE id = $1`,
		id,
	).Scan(&rec.ID, &rec.AuthorID, &rec.URL, &rec.Description, &rec.Views, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get video by id: %w", err)
	}
	return rec, nil
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM videos WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete video: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordView counts viewer once per video. It reports whether the count changed.
func (r *Repository) RecordView(ctx context.Context, id, viewerID string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`WITH inserted AS (
		     INSERT INTO video_views (video_id, viewer_id)
		     VALUES ($1, $2)
		     ON CONFLICT DO NOTHING
		     RETURNING video_id
		 )
		 UPDATE videos SET views = views + 1, updated_at = now()
		 WHERE id IN (SELECT video_id FROM inserted)`,
		id, viewerID,
	)
	if err != nil {
		return false, fmt.Errorf("record view: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
