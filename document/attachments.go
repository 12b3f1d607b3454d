package document

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrAttachmentNotFound is returned when no attachment row exists for the id.
var ErrAttachmentNotFound = errors.New("document: attachment not found")

// Attachment is a stored binary owned by a record.
type Attachment struct {
	ID        string
	Name      string
	MimeType  string
	ResModel  string
	ResID     int64
	Checksum  string
	Content   []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Checksum returns the hex sha256 of content.
func Checksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// AttachmentRepository stores attachments in PostgreSQL.
type AttachmentRepository struct {
	pool *pgxpool.Pool
}

func NewAttachmentRepository(pool *pgxpool.Pool) *AttachmentRepository {
	return &AttachmentRepository{pool: pool}
}

// Create inserts a new attachment with the given id.
func (r *AttachmentRepository) Create(ctx context.Context, tx pgx.Tx, a Attachment) error {
	const insertSQL = `
INSERT INTO attachments (id, name, mime_type, res_model, res_id, checksum, size_bytes, content)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
`
	if _, err := tx.Exec(ctx, insertSQL, a.ID, a.Name, a.MimeType, a.ResModel, a.ResID, Checksum(a.Content), len(a.Content), a.Content); err != nil {
		return fmt.Errorf("document: insert attachment: %w", err)
	}
	return nil
}

// Replace overwrites the content of an existing attachment, keeping its id.
func (r *AttachmentRepository) Replace(ctx context.Context, tx pgx.Tx, a Attachment) error {
	const updateSQL = `
UPDATE attachments
SET name = $2, mime_type = $3, checksum = $4, size_bytes = $5, content = $6, updated_at = now()
WHERE id = $1;
`
	tag, err := tx.Exec(ctx, updateSQL, a.ID, a.Name, a.MimeType, Checksum(a.Content), len(a.Content), a.Content)
	if err != nil {
		return fmt.Errorf("document: replace attachment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAttachmentNotFound
	}
	return nil
}

// Get loads an attachment with its content.
func (r *AttachmentRepository) Get(ctx context.Context, id string) (Attachment, error) {
	const selectSQL = `
SELECT id::text, name, mime_type, res_model, res_id, checksum, content, created_at, updated_at
FROM attachments WHERE id = $1`

	var a Attachment
	err := r.pool.QueryRow(ctx, selectSQL, id).Scan(&a.ID, &a.Name, &a.MimeType, &a.ResModel, &a.ResID, &a.Checksum, &a.Content, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Attachment{}, ErrAttachmentNotFound
		}
		return Attachment{}, fmt.Errorf("document: get attachment: %w", err)
	}
	return a, nil
}
