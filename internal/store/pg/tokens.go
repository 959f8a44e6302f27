package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"conbadge.org/internal/auth"
)

// Tokens implements auth.TokenStore. Issuance for one badge is serialized by
// locking its badges row.
type Tokens struct {
	db *sql.DB
}

var _ auth.TokenStore = (*Tokens)(nil)

func (s *Tokens) CreateEphemeral(ctx context.Context, tok auth.Token, limit int, liveSince time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var dummy int
	if err := tx.QueryRowContext(ctx, `select 1 from badges where id=$1 for update`, tok.BadgeID).Scan(&dummy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return auth.ErrNotFound
		}
		return err
	}

	var live int
	if err := tx.QueryRowContext(ctx, `
		select count(*) from auth_tokens
		where badge_id=$1 and class=$2 and issued_at >= $3
	`, tok.BadgeID, int(auth.ClassEphemeral), liveSince.UTC()).Scan(&live); err != nil {
		return err
	}
	if live >= limit {
		return auth.ErrLimitReached
	}

	if _, err := tx.ExecContext(ctx, `
		insert into auth_tokens(id, badge_id, class, issued_at) values ($1,$2,$3,$4)
	`, tok.ID, tok.BadgeID, int(auth.ClassEphemeral), tok.IssuedAt.UTC()); err != nil {
		if isUniqueViolation(err) {
			return auth.ErrDuplicateID
		}
		return err
	}
	return tx.Commit()
}

func (s *Tokens) Find(ctx context.Context, id string) (auth.Token, error) {
	tok := auth.Token{ID: id}
	var class int
	err := s.db.QueryRowContext(ctx, `
		select badge_id, class, issued_at from auth_tokens where id=$1
	`, id).Scan(&tok.BadgeID, &class, &tok.IssuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Token{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Token{}, err
	}
	tok.Class = auth.Class(class)
	tok.IssuedAt = tok.IssuedAt.UTC()
	return tok, nil
}

// Exchange relies on the row lock taken by delete: a concurrent caller blocks
// until the first commits and then finds nothing to delete.
func (s *Tokens) Exchange(ctx context.Context, oldID string, next auth.Token) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var badgeID string
	err = tx.QueryRowContext(ctx, `delete from auth_tokens where id=$1 returning badge_id`, oldID).Scan(&badgeID)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.ErrNotFound
	}
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		insert into auth_tokens(id, badge_id, class, issued_at) values ($1,$2,$3,$4)
	`, next.ID, badgeID, int(next.Class), next.IssuedAt.UTC()); err != nil {
		if isUniqueViolation(err) {
			return auth.ErrDuplicateID
		}
		return err
	}
	return tx.Commit()
}

func (s *Tokens) DeleteExpired(ctx context.Context, class auth.Class, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from auth_tokens where class=$1 and issued_at < $2`, int(class), cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
