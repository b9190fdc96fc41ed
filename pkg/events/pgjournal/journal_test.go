package pgjournal

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-fleet/pkg/events"
	"github.com/core-tools/hsu-fleet/pkg/logging"
)

func newMockJournal(t *testing.T) (*Journal, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return New(db, logging.NewNopLogger()), mock
}

func TestJournal_InitSchema(t *testing.T) {
	journal, mock := newMockJournal(t)
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS fleet_events")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, journal.InitSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJournal_Append(t *testing.T) {
	journal, mock := newMockJournal(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO fleet_events")).
		WithArgs("rollout_transition", at, "web", "", "v2", "Progressing", "Completed", "").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := journal.Append(context.Background(), events.Event{
		Type:    events.EventRolloutTransition,
		Time:    at,
		Lineage: "web",
		Version: "v2",
		From:    "Progressing",
		To:      "Completed",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJournal_AppendError(t *testing.T) {
	journal, mock := newMockJournal(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO fleet_events")).WillReturnError(errors.New("connection reset"))

	err := journal.Append(context.Background(), events.Event{Type: events.EventUnitCreated})
	assert.ErrorContains(t, err, "connection reset")
}

func TestJournal_Recent(t *testing.T) {
	journal, mock := newMockJournal(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"type", "occurred_at", "lineage", "unit_id", "version", "from_state", "to_state", "message"}).
		AddRow("unit_created", at, "web", "u1", "v2", "", "", "").
		AddRow("rollout_transition", at.Add(-time.Second), "web", "", "v2", "Idle", "Progressing", "")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT type, occurred_at")).WithArgs("web", 10).WillReturnRows(rows)

	result, err := journal.Recent(context.Background(), "web", 10)
	require.NoError(t, err)
	require.Len(t, result, 2)
	assert.Equal(t, events.EventUnitCreated, result[0].Type)
	assert.Equal(t, "u1", result[0].UnitID)
	assert.Equal(t, "Progressing", result[1].To)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJournal_EmitWritesInBackground(t *testing.T) {
	journal, mock := newMockJournal(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO fleet_events")).
		WithArgs("unit_terminated", sqlmock.AnyArg(), "web", "u1", "v1", "", "", "").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectClose()

	journal.Start(context.Background())
	journal.Emit(events.Event{Type: events.EventUnitTerminated, Lineage: "web", UnitID: "u1", Version: "v1"})

	require.NoError(t, journal.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, int64(0), journal.Dropped())
}
