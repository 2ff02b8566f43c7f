package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrDuplicateRequest is returned when records for a request id already
// exist for the user. The request_id index stays non-unique; rejection is
// a mutation-level policy, not a schema constraint.
var ErrDuplicateRequest = errors.New("request already recorded")

// ErrNoImages rejects a record call with an empty image list.
var ErrNoImages = errors.New("at least one image required")

// Generation is one persisted output image. Records are insert-only:
// created after a remote job completes, removed only by user cascade.
type Generation struct {
	ID          int       `json:"id"`
	RequestID   string    `json:"request_id"`
	UserID      uuid.UUID `json:"user_id"`
	URL         string    `json:"url"`
	ContentType *string   `json:"content_type,omitempty"`
	FileName    *string   `json:"file_name,omitempty"`
	FileSize    *int      `json:"file_size,omitempty"`
	Width       *int      `json:"width,omitempty"`
	Height      *int      `json:"height,omitempty"`
	Prompt      *string   `json:"prompt,omitempty"`
	CreatedAt   string    `json:"created_at"`
}

// GenerationImage is the metadata of one produced image to persist.
type GenerationImage struct {
	URL         string
	ContentType *string
	FileName    *string
	FileSize    *int
	Width       *int
	Height      *int
}

// InsertGenerations stores one record per produced image, all owned by
// userID and keyed by the provider request id. A second call with a request
// id already recorded for this user is rejected with ErrDuplicateRequest.
func (db *DB) InsertGenerations(ctx context.Context, userID uuid.UUID, requestID string, images []GenerationImage, prompt *string) error {
	if requestID == "" {
		return errors.New("request id required")
	}
	if len(images) == 0 {
		return ErrNoImages
	}
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Serialize concurrent inserts of the same (user, request id) until
	// commit; the EXISTS probe alone would let two identical calls race past
	// each other since the index is non-unique.
	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1 || ':' || $2, 0))`,
		userID.String(), requestID); err != nil {
		return err
	}

	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM generations WHERE request_id = $1 AND user_id = $2)`,
		requestID, userID).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return ErrDuplicateRequest
	}
	for _, img := range images {
		if _, err := tx.Exec(ctx,
			`INSERT INTO generations (request_id, user_id, url, content_type, file_name, file_size, width, height, prompt)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			requestID, userID, img.URL, img.ContentType, img.FileName, img.FileSize, img.Width, img.Height, prompt); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// ListGenerationsByUser returns records owned by userID, newest first.
// limit 0 means no paging.
func (db *DB) ListGenerationsByUser(ctx context.Context, userID uuid.UUID, offset, limit int) ([]Generation, error) {
	q := `SELECT id, request_id, user_id, url, content_type, file_name, file_size, width, height, prompt, created_at::text
		 FROM generations WHERE user_id = $1 ORDER BY created_at DESC, id DESC`
	args := []interface{}{userID}
	if limit > 0 {
		q += ` LIMIT $2 OFFSET $3`
		args = append(args, limit, offset)
	}
	rows, err := db.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []Generation
	for rows.Next() {
		var g Generation
		if err := rows.Scan(&g.ID, &g.RequestID, &g.UserID, &g.URL, &g.ContentType, &g.FileName, &g.FileSize, &g.Width, &g.Height, &g.Prompt, &g.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, g)
	}
	return list, rows.Err()
}

// GenerationsByRequest returns a user's records for one request id, in
// insertion order. Used by the mirror to swap provider URLs for durable ones.
func (db *DB) GenerationsByRequest(ctx context.Context, userID uuid.UUID, requestID string) ([]Generation, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT id, request_id, user_id, url, content_type, file_name, file_size, width, height, prompt, created_at::text
		 FROM generations WHERE user_id = $1 AND request_id = $2 ORDER BY id ASC`, userID, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []Generation
	for rows.Next() {
		var g Generation
		if err := rows.Scan(&g.ID, &g.RequestID, &g.UserID, &g.URL, &g.ContentType, &g.FileName, &g.FileSize, &g.Width, &g.Height, &g.Prompt, &g.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, g)
	}
	return list, rows.Err()
}

// UpdateGenerationURL rewrites the stored URL of one record (mirror swap).
func (db *DB) UpdateGenerationURL(ctx context.Context, id int, url string) error {
	tag, err := db.Pool.Exec(ctx, `UPDATE generations SET url = $2 WHERE id = $1`, id, url)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}
