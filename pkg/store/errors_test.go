package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/Teamial/CineaMate/pkg/contracts"
)

// Storage error paths are driven with sqlmock: the serve pipeline treats
// these as transient and falls back to the best-effort queue, so the store
// must surface them wrapped, not swallowed.

func TestAppendServeEventStorageError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := &Store{db: db}

	mock.ExpectExec("INSERT INTO serve_events").
		WillReturnError(errors.New("disk I/O error"))

	appendErr := s.AppendServeEvent(context.Background(), &contracts.ServeEvent{
		EventID: "ev1", ExperimentID: "e1", UserID: "u1", PolicyID: "A",
		ArmID: "arm0", Propensity: 0.5, ServedAt: time.Now().UTC(),
	})
	require.Error(t, appendErr)
	require.Equal(t, contracts.ErrorKindTransient, contracts.KindOf(appendErr))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionStatusStorageError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := &Store{db: db}

	mock.ExpectExec("UPDATE experiments SET status").
		WillReturnError(errors.New("connection reset"))

	trErr := s.TransitionStatus(context.Background(), "e1",
		contracts.StatusActive, contracts.StatusKilled, time.Now().UTC())
	require.Error(t, trErr)
	require.NoError(t, mock.ExpectationsWereMet())
}
