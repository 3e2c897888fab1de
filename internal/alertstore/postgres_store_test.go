package alertstore

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/mbd888/payment-risk-engine/internal/riskevents"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStoreAdd(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	alert := &riskevents.RiskAlert{
		AlertID:      "alert1",
		EntityID:     "m1",
		Level:        riskevents.LevelHigh,
		RiskScore:    0.72,
		SignalTypes:  []riskevents.SignalType{riskevents.SignalVelocitySpike},
		Amount:       100,
		CurrencyCode: "USD",
		Summary:      "velocity spike",
		Timestamp:    time.Now(),
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO recent_alerts")).
		WithArgs(alert.AlertID, alert.EntityID, string(alert.Level), alert.RiskScore,
			sqlmock.AnyArg(), alert.Amount, alert.CurrencyCode, alert.Summary, alert.Timestamp).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = store.Add(context.Background(), alert)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreListByEntity(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	now := time.Now()

	rows := sqlmock.NewRows([]string{"alert_id", "entity_id", "level", "risk_score", "signal_types", "amount", "currency", "summary", "created_at"}).
		AddRow("alert1", "m1", "HIGH", 0.72, []byte(`["VELOCITY_SPIKE"]`), 100.0, "USD", "velocity spike", now)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT alert_id, entity_id, level, risk_score, signal_types, amount, currency, summary, created_at")).
		WithArgs("m1", 10).
		WillReturnRows(rows)

	alerts, err := store.ListByEntity(context.Background(), "m1", 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "alert1", alerts[0].AlertID)
	assert.Equal(t, riskevents.LevelHigh, alerts[0].Level)
	assert.Contains(t, alerts[0].SignalTypes, riskevents.SignalVelocitySpike)
}
