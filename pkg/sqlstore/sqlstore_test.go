package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/config"
	"github.com/vibrant-data-labs/vdl-tools-sub001/pkg/models"
)

func newTestDB(t *testing.T, chunk int) *DB {
	t.Helper()
	db, err := Open(context.Background(), config.DatabaseConfig{
		Driver:         "sqlite",
		DSN:            filepath.Join(t.TempDir(), "cache.db"),
		QueryChunkSize: chunk,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedPrompt(t *testing.T, db *DB) models.Prompt {
	t.Helper()
	p, err := db.InsertPrompt(context.Background(), models.Prompt{ID: "p1", Name: "summarize", Text: "Summarize:"})
	require.NoError(t, err)
	return p
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), config.DatabaseConfig{Driver: "mysql", DSN: "x"})
	require.Error(t, err)
}

func TestSQLiteDSN(t *testing.T) {
	assert.Equal(t, "a.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", sqliteDSN("a.db"))
	assert.Equal(t, "file:a.db?mode=rwc&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", sqliteDSN("file:a.db?mode=rwc"))
	assert.Equal(t, "a.db?_pragma=journal_mode(wal)", sqliteDSN("a.db?_pragma=journal_mode(wal)"))
}

func TestInsertPromptIsIdempotent(t *testing.T) {
	db := newTestDB(t, 0)
	ctx := context.Background()

	first, err := db.InsertPrompt(ctx, models.Prompt{ID: "p1", Name: "first", Text: "Summarize:"})
	require.NoError(t, err)
	second, err := db.InsertPrompt(ctx, models.Prompt{ID: "p1", Name: "renamed", Text: "Summarize:"})
	require.NoError(t, err)

	assert.Equal(t, "first", second.Name)
	assert.Equal(t, first.ID, second.ID)

	prompts, err := db.ListPrompts(ctx)
	require.NoError(t, err)
	assert.Len(t, prompts, 1)

	_, err = db.GetPrompt(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResponseUpsertAndErrorCounting(t *testing.T) {
	db := newTestDB(t, 0)
	ctx := context.Background()
	seedPrompt(t, db)

	rec := models.ResponseRecord{PromptID: "p1", GivenID: "org1", TextID: "t1", Text: "Acme builds batteries", Model: "gpt-4o-mini"}

	for i := 0; i < 2; i++ {
		require.NoError(t, db.InTx(ctx, func(tx *Tx) error {
			return tx.MarkResponseErrors(ctx, []models.ResponseRecord{rec})
		}))
	}
	got, err := db.GetResponse(ctx, "p1", "org1", "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.NumErrors)

	rec.ResponseText = "Battery maker."
	rec.ResponseFull = `{"id":"x"}`
	require.NoError(t, db.InTx(ctx, func(tx *Tx) error {
		return tx.UpsertResponses(ctx, []models.ResponseRecord{rec})
	}))
	got, err = db.GetResponse(ctx, "p1", "org1", "t1")
	require.NoError(t, err)
	assert.Equal(t, 0, got.NumErrors)
	assert.Equal(t, "Battery maker.", got.ResponseText)
	assert.Equal(t, `{"id":"x"}`, got.ResponseFull)
	assert.False(t, got.CreatedAt.IsZero())

	_, err = db.GetResponse(ctx, "p1", "org1", "other")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindResponsesChunksAndMatchesPairs(t *testing.T) {
	db := newTestDB(t, 2)
	ctx := context.Background()
	seedPrompt(t, db)

	var recs []models.ResponseRecord
	var keys []models.ResponseKey
	for i := 0; i < 5; i++ {
		r := models.ResponseRecord{PromptID: "p1", GivenID: fmt.Sprintf("g%d", i), TextID: fmt.Sprintf("t%d", i), Text: "x"}
		recs = append(recs, r)
		keys = append(keys, r.Key())
	}
	require.NoError(t, db.InTx(ctx, func(tx *Tx) error { return tx.UpsertResponses(ctx, recs) }))

	// g0 paired with t1 exists in neither row even though both ids exist.
	keys = append(keys, models.ResponseKey{GivenID: "g0", TextID: "t1"})

	found, err := db.FindResponses(ctx, "p1", keys)
	require.NoError(t, err)
	assert.Len(t, found, 5)
	_, ok := found[models.ResponseKey{GivenID: "g0", TextID: "t1"}]
	assert.False(t, ok)
}

func TestDeletePromptCascades(t *testing.T) {
	db := newTestDB(t, 0)
	ctx := context.Background()
	seedPrompt(t, db)

	require.NoError(t, db.InTx(ctx, func(tx *Tx) error {
		return tx.UpsertResponses(ctx, []models.ResponseRecord{{PromptID: "p1", GivenID: "g", TextID: "t", Text: "x"}})
	}))
	n, err := db.DeletePrompt(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = db.DeletePrompt(ctx, "p1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPruneSuperseded(t *testing.T) {
	db := newTestDB(t, 0)
	ctx := context.Background()
	seedPrompt(t, db)

	old := models.ResponseRecord{PromptID: "p1", GivenID: "org1", TextID: "old", Text: "old text"}
	require.NoError(t, db.InTx(ctx, func(tx *Tx) error { return tx.UpsertResponses(ctx, []models.ResponseRecord{old}) }))
	time.Sleep(10 * time.Millisecond)
	fresh := models.ResponseRecord{PromptID: "p1", GivenID: "org1", TextID: "new", Text: "new text"}
	other := models.ResponseRecord{PromptID: "p1", GivenID: "org2", TextID: "only", Text: "x"}
	require.NoError(t, db.InTx(ctx, func(tx *Tx) error {
		return tx.UpsertResponses(ctx, []models.ResponseRecord{fresh, other})
	}))

	n, err := db.PruneSuperseded(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rows, err := db.ListResponses(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	_, err = db.GetResponse(ctx, "p1", "org1", "old")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEmbeddingsRoundTripAndErrors(t *testing.T) {
	db := newTestDB(t, 1)
	ctx := context.Background()

	require.NoError(t, db.InTx(ctx, func(tx *Tx) error {
		return tx.MarkEmbeddingErrors(ctx, []models.EmbeddingRecord{{ModelName: "m", TextID: "a", Text: "hello"}})
	}))
	require.NoError(t, db.InTx(ctx, func(tx *Tx) error {
		return tx.MarkEmbeddingErrors(ctx, []models.EmbeddingRecord{{ModelName: "m", TextID: "a", Text: "hello"}})
	}))
	require.NoError(t, db.InTx(ctx, func(tx *Tx) error {
		return tx.UpsertEmbeddings(ctx, []models.EmbeddingRecord{{ModelName: "m", TextID: "b", Text: "world", Embedding: []float32{0.5, -1}}})
	}))

	found, err := db.FindEmbeddings(ctx, "m", []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, 2, found["a"].NumErrors)
	assert.Nil(t, found["a"].Embedding)
	assert.Equal(t, []float32{0.5, -1}, found["b"].Embedding)

	other, err := db.FindEmbeddings(ctx, "other-model", []string{"b"})
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestInTxRollsBackOnError(t *testing.T) {
	db := newTestDB(t, 0)
	ctx := context.Background()
	seedPrompt(t, db)

	boom := errors.New("boom")
	err := db.InTx(ctx, func(tx *Tx) error {
		if err := tx.UpsertResponses(ctx, []models.ResponseRecord{{PromptID: "p1", GivenID: "g", TextID: "t", Text: "x"}}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = db.GetResponse(ctx, "p1", "g", "t")
	assert.ErrorIs(t, err, ErrNotFound)
}

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })
	return New(sqlx.NewDb(raw, "postgres"), DialectPostgres, 0), mock
}

func TestFindResponsesPropagatesQueryError(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(`SELECT .* FROM prompt_response\s+WHERE prompt_id = \$1 AND given_id IN \(\$2\) AND text_id IN \(\$3\)`).
		WithArgs("p1", "g", "t").
		WillReturnError(errors.New("connection reset"))

	_, err := db.FindResponses(context.Background(), "p1", []models.ResponseKey{{GivenID: "g", TextID: "t"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "find responses")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInTxReportsCommitFailure(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO embedding`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(errors.New("serialization failure"))

	err := db.InTx(context.Background(), func(tx *Tx) error {
		return tx.UpsertEmbeddings(context.Background(), []models.EmbeddingRecord{{ModelName: "m", TextID: "a", Text: "x", Embedding: []float32{1}}})
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "commit tx")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkErrorsRollbackOnExecFailure(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO prompt_response`).WillReturnError(errors.New("fk violation"))
	mock.ExpectRollback()

	err := db.InTx(context.Background(), func(tx *Tx) error {
		return tx.MarkResponseErrors(context.Background(), []models.ResponseRecord{{PromptID: "p1", GivenID: "g", TextID: "t"}})
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mark response error g")
	assert.NoError(t, mock.ExpectationsWereMet())
}
