package migrate

import (
	"context"
	"errors"
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"0001_a.up.sql":   {Data: []byte("create table a (id text);")},
		"0001_a.down.sql": {Data: []byte("drop table a;")},
		"0002_b.up.sql":   {Data: []byte("-- second table\ncreate table b (id text);\ncreate index b_idx on b (id);\n")},
		"0002_b.down.sql": {Data: []byte("drop table b;")},
	}
}

var fixedNow = time.Date(2024, 5, 18, 10, 0, 0, 0, time.UTC)

func newMock(t *testing.T) (*Manager, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewManager(db, testFS(), nil, WithClock(func() time.Time { return fixedNow })), mock
}

func expectLocked(mock sqlmock.Sqlmock) {
	mock.ExpectExec("select pg_advisory_lock").WithArgs(defaultLockKey).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
}

func expectUnlock(mock sqlmock.Sqlmock) {
	mock.ExpectExec("select pg_advisory_unlock").WithArgs(defaultLockKey).WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestUpAppliesPending(t *testing.T) {
	mgr, mock := newMock(t)

	expectLocked(mock)
	mock.ExpectQuery("select name from schema_migrations").WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_a.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("create table b").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create index b_idx").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into schema_migrations").WithArgs("0002_b.up.sql", fixedNow).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	expectUnlock(mock)

	if err := mgr.Up(context.Background()); err != nil {
		t.Fatalf("Up: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpFailureRollsBackAndUnlocks(t *testing.T) {
	mgr, mock := newMock(t)

	expectLocked(mock)
	mock.ExpectQuery("select name from schema_migrations").WillReturnRows(sqlmock.NewRows([]string{"name"}))
	mock.ExpectBegin()
	mock.ExpectExec("create table a").WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()
	expectUnlock(mock)

	err := mgr.Up(context.Background())
	if err == nil || !strings.Contains(err.Error(), "0001_a.up.sql") {
		t.Fatalf("Up error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDownRollsBackLatest(t *testing.T) {
	mgr, mock := newMock(t)

	expectLocked(mock)
	mock.ExpectQuery("select name, applied_at from schema_migrations order by applied_at").
		WillReturnRows(sqlmock.NewRows([]string{"name", "applied_at"}).
			AddRow("0001_a.up.sql", fixedNow).
			AddRow("0002_b.up.sql", fixedNow.Add(time.Second)))
	mock.ExpectBegin()
	mock.ExpectExec("drop table b").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("delete from schema_migrations").WithArgs("0002_b.up.sql").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	expectUnlock(mock)

	if err := mgr.Down(context.Background()); err != nil {
		t.Fatalf("Down: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDownWithoutHistory(t *testing.T) {
	mgr, mock := newMock(t)

	expectLocked(mock)
	mock.ExpectQuery("select name, applied_at from schema_migrations").WillReturnRows(sqlmock.NewRows([]string{"name", "applied_at"}))
	expectUnlock(mock)

	if err := mgr.Down(context.Background()); !errors.Is(err, ErrNoHistory) {
		t.Fatalf("Down = %v, want ErrNoHistory", err)
	}
}

func TestStatusMarksPending(t *testing.T) {
	mgr, mock := newMock(t)

	expectLocked(mock)
	mock.ExpectQuery("select name, applied_at from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name", "applied_at"}).AddRow("0001_a.up.sql", fixedNow))
	expectUnlock(mock)

	got, err := mgr.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(got) != 2 || !got[0].Applied || got[1].Applied || got[1].Name != "0002_b.up.sql" {
		t.Fatalf("Status = %+v", got)
	}
	if !got[0].AppliedAt.Equal(fixedNow) {
		t.Fatalf("applied_at = %v", got[0].AppliedAt)
	}
}

func TestEmbeddedSchema(t *testing.T) {
	ups, err := collectSQL(Schema(), ".up.sql")
	if err != nil {
		t.Fatalf("collectSQL: %v", err)
	}
	var names []string
	for _, f := range ups {
		names = append(names, f.Base)
		down := strings.TrimSuffix(f.Base, ".up.sql") + ".down.sql"
		if _, err := fs.Stat(Schema(), down); err != nil {
			t.Fatalf("missing %s", down)
		}
	}
	want := "0001_badges.up.sql,0002_auth_tokens.up.sql,0003_app_bundles.up.sql,0004_app_bundles_ready.up.sql"
	if strings.Join(names, ",") != want {
		t.Fatalf("migrations = %v", names)
	}
}

func TestSplitStatements(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want []string
	}{
		{
			name: "quoted semicolon",
			in:   "insert into t values ('a;b');\nselect 1;\n",
			want: []string{"insert into t values ('a;b')", "select 1"},
		},
		{
			name: "line comments",
			in:   "-- header; ignored\nselect 1; -- trailing\n",
			want: []string{"select 1"},
		},
		{
			name: "dollar body",
			in:   "create function f() returns int as $$ begin return 1; end $$ language plpgsql;",
			want: []string{"create function f() returns int as $$ begin return 1; end $$ language plpgsql"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := splitStatements(tc.in)
			if strings.Join(got, "|") != strings.Join(tc.want, "|") {
				t.Fatalf("splitStatements = %q, want %q", got, tc.want)
			}
		})
	}
}
