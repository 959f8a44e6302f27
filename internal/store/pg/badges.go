package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"conbadge.org/internal/badge"
)

// Badges implements badge.Store.
type Badges struct {
	db *sql.DB
}

var _ badge.Store = (*Badges)(nil)

func (s *Badges) Create(ctx context.Context, b badge.Badge) error {
	_, err := s.db.ExecContext(ctx, `
		insert into badges(id, mac, secret, name, image, registered_at, changed_at)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, b.ID, b.MAC, b.Secret, b.Name, b.Image, b.RegisteredAt.UTC(), b.ChangedAt.UTC())
	if isUniqueViolation(err) {
		return badge.ErrConflict
	}
	return err
}

func (s *Badges) Get(ctx context.Context, id string) (badge.Badge, error) {
	var b badge.Badge
	err := s.db.QueryRowContext(ctx, `
		select id, mac, secret, name, image, registered_at, changed_at
		from badges where id=$1
	`, id).Scan(&b.ID, &b.MAC, &b.Secret, &b.Name, &b.Image, &b.RegisteredAt, &b.ChangedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return badge.Badge{}, badge.ErrNotFound
	}
	if err != nil {
		return badge.Badge{}, err
	}
	b.RegisteredAt = b.RegisteredAt.UTC()
	b.ChangedAt = b.ChangedAt.UTC()
	return b, nil
}

func (s *Badges) UpdateName(ctx context.Context, id, name string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `update badges set name=$2, changed_at=$3 where id=$1`, id, name, at.UTC())
	if err != nil {
		return err
	}
	return requireOneRow(res, badge.ErrNotFound)
}

func (s *Badges) UpdateImage(ctx context.Context, id string, image []byte, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `update badges set image=$2, changed_at=$3 where id=$1`, id, image, at.UTC())
	if err != nil {
		return err
	}
	return requireOneRow(res, badge.ErrNotFound)
}
