package lineage

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentplane/gap/pkg/contracts"
)

func TestPostgresStoreInit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS decision_records").
		WillReturnResult(sqlmock.NewResult(0, 0))

	store := NewPostgresStore(db)
	require.NoError(t, store.Init(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStorePersist(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	rec := testRecord("act-1", contracts.PhaseProposed, contracts.VerdictAuthorized)
	rec.ID = "rec-1"
	rec.Sequence = 1
	rec.PreviousHash = genesisHash
	rec.Hash = "sha256:deadbeef"

	mock.ExpectExec("INSERT INTO decision_records").
		WithArgs(
			rec.Sequence, rec.ID, rec.ActionID, rec.ActionType,
			string(rec.Phase), string(rec.Verdict), sqlmock.AnyArg(),
			rec.PreviousHash, rec.Hash, sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewPostgresStore(db)
	require.NoError(t, store.Persist(rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStorePersistError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("INSERT INTO decision_records").
		WillReturnError(assert.AnError)

	store := NewPostgresStore(db)
	rec := testRecord("act-1", contracts.PhaseProposed, contracts.VerdictAuthorized)
	err = store.Persist(rec)
	require.ErrorIs(t, err, assert.AnError)
}

func TestPostgresStoreLoad(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	first := testRecord("act-1", contracts.PhaseProposed, contracts.VerdictAuthorized)
	first.ID, first.Sequence, first.PreviousHash, first.Hash = "rec-1", 1, genesisHash, "sha256:aa"
	second := testRecord("act-1", contracts.PhaseIntentAuthorized, contracts.VerdictAuthorized)
	second.ID, second.Sequence, second.PreviousHash, second.Hash = "rec-2", 2, "sha256:aa", "sha256:bb"

	rows := sqlmock.NewRows([]string{"record_json"})
	for _, rec := range []contracts.DecisionRecord{first, second} {
		raw, err := json.Marshal(rec)
		require.NoError(t, err)
		rows.AddRow(raw)
	}

	mock.ExpectQuery("SELECT record_json FROM decision_records ORDER BY sequence").
		WillReturnRows(rows)

	store := NewPostgresStore(db)
	loaded, err := store.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "rec-1", loaded[0].ID)
	assert.Equal(t, "sha256:aa", loaded[1].PreviousHash)
	require.NoError(t, mock.ExpectationsWereMet())
}
