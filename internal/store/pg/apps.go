package pg

import (
	"context"
	"database/sql"
	"time"

	"conbadge.org/internal/apps"
)

// Apps implements apps.Store. Versions for one name are assigned under a
// transaction-scoped advisory lock keyed by the name.
type Apps struct {
	db *sql.DB
}

var _ apps.Store = (*Apps)(nil)

func (s *Apps) Create(ctx context.Context, name, title string, at time.Time) (apps.Bundle, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apps.Bundle{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `select pg_advisory_xact_lock(hashtext($1))`, name); err != nil {
		return apps.Bundle{}, err
	}
	b := apps.Bundle{Name: name, Title: title, CreatedAt: at.UTC()}
	if err := tx.QueryRowContext(ctx, `
		insert into app_bundles(name, version, title, created_at)
		select $1, coalesce(max(version), 0) + 1, $2, $3 from app_bundles where name=$1
		returning version
	`, name, title, b.CreatedAt).Scan(&b.Version); err != nil {
		if isUniqueViolation(err) {
			return apps.Bundle{}, apps.ErrConflict
		}
		return apps.Bundle{}, err
	}
	if err := tx.Commit(); err != nil {
		return apps.Bundle{}, err
	}
	return b, nil
}

func (s *Apps) Publish(ctx context.Context, name string, version int) error {
	res, err := s.db.ExecContext(ctx, `update app_bundles set ready=true where name=$1 and version=$2`, name, version)
	if err != nil {
		return err
	}
	return requireOneRow(res, apps.ErrNotFound)
}

func (s *Apps) Delete(ctx context.Context, name string, version int) error {
	res, err := s.db.ExecContext(ctx, `delete from app_bundles where name=$1 and version=$2`, name, version)
	if err != nil {
		return err
	}
	return requireOneRow(res, apps.ErrNotFound)
}

func (s *Apps) Latest(ctx context.Context) ([]apps.Bundle, error) {
	rows, err := s.db.QueryContext(ctx, `
		select distinct on (name) name, version, title, created_at
		from app_bundles
		where ready
		order by name asc, version desc
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []apps.Bundle
	for rows.Next() {
		var b apps.Bundle
		if err := rows.Scan(&b.Name, &b.Version, &b.Title, &b.CreatedAt); err != nil {
			return nil, err
		}
		b.CreatedAt = b.CreatedAt.UTC()
		res = append(res, b)
	}
	return res, rows.Err()
}
