package source

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GiovanoMP/chatwootai-sub005/internal/knowledge"
	"github.com/GiovanoMP/chatwootai-sub005/pkg/errors"
)

var recordColumns = []string{"original_id", "kind", "name", "description", "type", "body", "data", "valid_from", "valid_to"}

func setupSQLSource(t *testing.T) (*SQLSource, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := NewSQLSourceFrom(sqlx.NewDb(db, "sqlmock"), "knowledge_records")
	require.NoError(t, err)
	s.now = func() time.Time { return time.Date(2024, 2, 12, 0, 0, 0, 0, time.UTC) }
	return s, mock
}

func TestSQLSource_Records(t *testing.T) {
	s, mock := setupSQLSource(t)

	from := time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 2, 14, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows(recordColumns).
		AddRow("1", "permanent_rule", "Free shipping", "Orders over 100", "shipping", nil, nil, nil, nil).
		AddRow("2", "temporary_rule", "Carnival", nil, "discount", nil, []byte(`{"percent":10}`), from, to)

	mock.ExpectQuery(`SELECT (.+) FROM knowledge_records WHERE tenant_id = \$1 AND active = true`).
		WithArgs("t1", sqlmock.AnyArg()).
		WillReturnRows(rows)

	records, err := s.Records(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, knowledge.Record{
		OriginalID:  "1",
		Kind:        knowledge.KindPermanentRule,
		Name:        "Free shipping",
		Description: "Orders over 100",
		Type:        "shipping",
	}, records[0])

	assert.Equal(t, knowledge.KindTemporaryRule, records[1].Kind)
	assert.Equal(t, "", records[1].Description)
	assert.Equal(t, float64(10), records[1].Data["percent"])
	require.NotNil(t, records[1].ValidFrom)
	assert.True(t, from.Equal(*records[1].ValidFrom))
	require.NotNil(t, records[1].ValidTo)
	assert.NoError(t, records[1].Validate())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLSource_QueryFailure(t *testing.T) {
	s, mock := setupSQLSource(t)

	mock.ExpectQuery(`SELECT (.+) FROM knowledge_records`).
		WillReturnError(assert.AnError)

	_, err := s.Records(context.Background(), "t1")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeExternal))
	assert.True(t, errors.IsRetryable(err))
}

func TestSQLSource_MalformedData(t *testing.T) {
	s, mock := setupSQLSource(t)

	rows := sqlmock.NewRows(recordColumns).
		AddRow("9", "custom", "Hours", nil, nil, nil, []byte(`[1,2]`), nil, nil)
	mock.ExpectQuery(`SELECT (.+) FROM knowledge_records`).WillReturnRows(rows)

	_, err := s.Records(context.Background(), "t1")
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestSQLSource_Health(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	s, err := NewSQLSourceFrom(sqlx.NewDb(db, "sqlmock"), "")
	require.NoError(t, err)
	assert.Equal(t, "knowledge_records", s.table)

	mock.ExpectPing()
	assert.NoError(t, s.Health(context.Background()))

	mock.ExpectPing().WillReturnError(assert.AnError)
	assert.True(t, errors.IsType(s.Health(context.Background()), errors.ErrorTypeExternal))
}

func TestNewSQLSourceFrom_RejectsBadTable(t *testing.T) {
	for _, table := range []string{"records; DROP TABLE x", "1abc", "a.b.c"} {
		_, err := NewSQLSourceFrom(nil, table)
		assert.True(t, errors.IsType(err, errors.ErrorTypeValidation), table)
	}

	_, err := NewSQLSourceFrom(nil, "public.knowledge_records")
	assert.NoError(t, err)
}

func TestNewSQLSource_RequiresURL(t *testing.T) {
	_, err := NewSQLSource(context.Background(), nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestStaticSource(t *testing.T) {
	s := NewStaticSource()
	ctx := context.Background()

	records, err := s.Records(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, records)

	s.Set("t1", []knowledge.Record{{OriginalID: "1", Kind: knowledge.KindDocument, Body: "x"}})
	records, err = s.Records(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, records, 1)

	records[0].Body = "mutated"
	again, _ := s.Records(ctx, "t1")
	assert.Equal(t, "x", again[0].Body)
}
