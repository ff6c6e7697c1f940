package attachment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"medchat/internal/models"
)

type registry struct {
	db *sql.DB
}

func (r *registry) insert(ctx context.Context, att *models.Attachment) error {
	var expires sql.NullTime
	if !att.ExpiresAt.IsZero() {
		expires = sql.NullTime{Time: att.ExpiresAt, Valid: true}
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO attachments (ref, display_name, stored_path, mime_type, media_kind, source, size, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		att.Ref, att.DisplayName, att.StoredPath, att.MimeType, att.Kind, att.Source, att.Size, att.CreatedAt, expires,
	)
	return err
}

func (r *registry) get(ctx context.Context, ref string) (*models.Attachment, error) {
	var (
		att     models.Attachment
		expires sql.NullTime
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT ref, display_name, stored_path, mime_type, media_kind, source, size, created_at, expires_at
		 FROM attachments WHERE ref = ?`,
		ref,
	).Scan(&att.Ref, &att.DisplayName, &att.StoredPath, &att.MimeType, &att.Kind, &att.Source, &att.Size, &att.CreatedAt, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lookup attachment: %w", err)
	}
	if expires.Valid {
		att.ExpiresAt = expires.Time
	}
	return &att, nil
}

func (r *registry) delete(ctx context.Context, ref string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM attachments WHERE ref = ?`, ref)
	return err
}

func (r *registry) refs(ctx context.Context) ([]string, error) {
	return r.queryRefs(ctx, `SELECT ref FROM attachments`)
}

func (r *registry) expired(ctx context.Context, now time.Time) ([]string, error) {
	return r.queryRefs(ctx, `SELECT ref FROM attachments WHERE expires_at IS NOT NULL AND expires_at <= ?`, now)
}

func (r *registry) queryRefs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	var refs []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}
