package linkstore

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStoreLink(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO link_store_entries")).
		WithArgs("a@x.com", "par-1").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = store.Link(context.Background(), "a@x.com", "par-1")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreLinkNoOpOnBlank(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)

	err = store.Link(context.Background(), "", "par-1")
	assert.NoError(t, err)
	err = store.Link(context.Background(), "a@x.com", "")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreParsForEmail(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)

	rows := sqlmock.NewRows([]string{"par"}).
		AddRow("par-1").
		AddRow("par-2")

	mock.ExpectQuery(regexp.QuoteMeta("SELECT par FROM link_store_entries WHERE email = $1 ORDER BY par")).
		WithArgs("a@x.com").
		WillReturnRows(rows)

	pars, err := store.ParsForEmail(context.Background(), "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"par-1", "par-2"}, pars)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreEmailsForPar(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)

	rows := sqlmock.NewRows([]string{"email"}).
		AddRow("a@x.com").
		AddRow("b@x.com")

	mock.ExpectQuery(regexp.QuoteMeta("SELECT email FROM link_store_entries WHERE par = $1 ORDER BY email")).
		WithArgs("par-1").
		WillReturnRows(rows)

	emails, err := store.EmailsForPar(context.Background(), "par-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a@x.com", "b@x.com"}, emails)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreMigrate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS link_store_entries")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = store.Migrate(context.Background())
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
