package source

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/GiovanoMP/chatwootai-sub005/internal/knowledge"
	"github.com/GiovanoMP/chatwootai-sub005/pkg/config"
	"github.com/GiovanoMP/chatwootai-sub005/pkg/errors"
)

var tableNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*(\.[a-zA-Z_][a-zA-Z0-9_]*)?$`)

// recordRow mirrors one row of the records table
type recordRow struct {
	OriginalID  string         `db:"original_id"`
	Kind        string         `db:"kind"`
	Name        sql.NullString `db:"name"`
	Description sql.NullString `db:"description"`
	Type        sql.NullString `db:"type"`
	Body        sql.NullString `db:"body"`
	Data        []byte         `db:"data"`
	ValidFrom   sql.NullTime   `db:"valid_from"`
	ValidTo     sql.NullTime   `db:"valid_to"`
}

// SQLSource reads active records from a Postgres table with the columns
// tenant_id, original_id, kind, name, description, type, body, data (jsonb),
// valid_from, valid_to and active
type SQLSource struct {
	db    *sqlx.DB
	table string
	now   func() time.Time
}

// NewSQLSource connects to the database named by cfg
func NewSQLSource(ctx context.Context, cfg *config.SourceConfig) (*SQLSource, error) {
	if cfg == nil || cfg.DatabaseURL == "" {
		return nil, errors.NewValidationError("source database URL is required")
	}

	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, errors.NewExternalError("postgres", "failed to connect to record source").WithCause(err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	db.SetConnMaxIdleTime(10 * time.Minute)

	s, err := NewSQLSourceFrom(db, cfg.Table)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLSourceFrom wraps an open database handle
func NewSQLSourceFrom(db *sqlx.DB, table string) (*SQLSource, error) {
	if table == "" {
		table = "knowledge_records"
	}
	if !tableNamePattern.MatchString(table) {
		return nil, errors.NewValidationError(fmt.Sprintf("invalid source table name %q", table))
	}
	return &SQLSource{db: db, table: table, now: time.Now}, nil
}

// Records returns the tenant's active records that have not expired
func (s *SQLSource) Records(ctx context.Context, tenantID string) ([]knowledge.Record, error) {
	query := fmt.Sprintf(`
		SELECT original_id, kind, name, description, type, body, data, valid_from, valid_to
		FROM %s
		WHERE tenant_id = $1 AND active = true AND (valid_to IS NULL OR valid_to >= $2)
		ORDER BY original_id`, s.table)

	var rows []recordRow
	if err := s.db.SelectContext(ctx, &rows, query, tenantID, s.now().UTC()); err != nil {
		return nil, errors.NewExternalError("postgres", "failed to load records").
			WithCause(err).
			WithDetail("tenant_id", tenantID)
	}

	records := make([]knowledge.Record, 0, len(rows))
	for _, row := range rows {
		r, err := row.toRecord()
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, nil
}

// Health pings the database
func (s *SQLSource) Health(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return errors.NewExternalError("postgres", "record source health check failed").WithCause(err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLSource) Close() error {
	return s.db.Close()
}

func (row recordRow) toRecord() (knowledge.Record, error) {
	r := knowledge.Record{
		OriginalID:  row.OriginalID,
		Kind:        knowledge.Kind(row.Kind),
		Name:        row.Name.String,
		Description: row.Description.String,
		Type:        row.Type.String,
		Body:        row.Body.String,
	}
	if len(row.Data) > 0 {
		if err := json.Unmarshal(row.Data, &r.Data); err != nil {
			return r, errors.NewValidationError("record data is not a JSON object").
				WithCause(err).
				WithDetail("original_id", row.OriginalID)
		}
	}
	if row.ValidFrom.Valid {
		t := row.ValidFrom.Time
		r.ValidFrom = &t
	}
	if row.ValidTo.Valid {
		t := row.ValidTo.Time
		r.ValidTo = &t
	}
	return r, nil
}
