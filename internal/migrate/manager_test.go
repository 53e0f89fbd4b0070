package migrate

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

var testFiles = fstest.MapFS{
	"sql/0001_init.up.sql":   {Data: []byte("create table a (id text); -- first\ncreate table b (note text default 'x;y');")},
	"sql/0001_init.down.sql": {Data: []byte("drop table b; drop table a;")},
	"sql/0002_more.up.sql":   {Data: []byte("alter table a add column n int;")},
	"sql/0002_more.down.sql": {Data: []byte("alter table a drop column n;")},
	"seeds/0001_demo.sql":    {Data: []byte("insert into a values ('1');")},
	"seeds/readme.txt":       {Data: []byte("ignored")},
}

func expectEnsure(mock sqlmock.Sqlmock) {
	mock.ExpectExec(`create table if not exists schema_migrations`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`create table if not exists schema_seeds`).WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestSplitStatements(t *testing.T) {
	got := splitStatements("create table a (id text); -- comment; with semicolon\ninsert into a values ('x;y');\n\n")
	want := []string{"create table a (id text)", "insert into a values ('x;y')"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected statements: %q", got)
	}
}

func TestUpAppliesOnlyPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	expectEnsure(mock)
	expectEnsure(mock)
	mock.ExpectQuery(`select name, applied_at from schema_migrations`).
		WillReturnRows(sqlmock.NewRows([]string{"name", "applied_at"}).AddRow("0001_init.up.sql", now))
	mock.ExpectBegin()
	mock.ExpectExec(`alter table a add column n int`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`insert into schema_migrations`).WithArgs("0002_more.up.sql", now).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	mgr := NewManager(db, testFiles, "sql", "seeds", WithClock(func() time.Time { return now }))
	applied, err := mgr.Up(context.Background())
	if err != nil {
		t.Fatalf("Up: %v", err)
	}
	if !reflect.DeepEqual(applied, []string{"0002_more.up.sql"}) {
		t.Fatalf("unexpected applied list: %v", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestFailedMigrationRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	expectEnsure(mock)
	expectEnsure(mock)
	mock.ExpectQuery(`select name, applied_at from schema_migrations`).
		WillReturnRows(sqlmock.NewRows([]string{"name", "applied_at"}))
	mock.ExpectBegin()
	mock.ExpectExec(`create table a`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`create table b`).WillReturnError(errors.New("syntax error"))
	mock.ExpectRollback()

	_, err = NewManager(db, testFiles, "sql", "").Up(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDownRollsBackLatest(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	now := time.Now().UTC()

	expectEnsure(mock)
	mock.ExpectQuery(`select name, applied_at from schema_migrations`).
		WillReturnRows(sqlmock.NewRows([]string{"name", "applied_at"}).
			AddRow("0001_init.up.sql", now).
			AddRow("0002_more.up.sql", now))
	mock.ExpectBegin()
	mock.ExpectExec(`alter table a drop column n`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`delete from schema_migrations where name = \$1`).WithArgs("0002_more.up.sql").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	name, err := NewManager(db, testFiles, "sql", "seeds").Down(context.Background())
	if err != nil {
		t.Fatalf("Down: %v", err)
	}
	if name != "0002_more.up.sql" {
		t.Fatalf("unexpected rollback target: %s", name)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDownWithNothingApplied(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	expectEnsure(mock)
	mock.ExpectQuery(`select name, applied_at from schema_migrations`).
		WillReturnRows(sqlmock.NewRows([]string{"name", "applied_at"}))

	if _, err := NewManager(db, testFiles, "sql", "seeds").Down(context.Background()); !errors.Is(err, ErrNothingToRollback) {
		t.Fatalf("expected ErrNothingToRollback, got %v", err)
	}
}

func TestSeedSkipsAppliedAndNonSQL(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	expectEnsure(mock)
	mock.ExpectQuery(`select name, applied_at from schema_seeds`).
		WillReturnRows(sqlmock.NewRows([]string{"name", "applied_at"}).AddRow("0001_demo.sql", time.Now()))

	ran, err := NewManager(db, testFiles, "sql", "seeds").Seed(context.Background())
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if len(ran) != 0 {
		t.Fatalf("expected nothing to run, got %v", ran)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
