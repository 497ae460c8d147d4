// Package pgstore provides a PostgreSQL implementation of workflow.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/aegis/internal/incident"
)

var tracer = otel.Tracer("github.com/linnemanlabs/aegis/internal/workflow/pgstore")

//go:embed schema.sql
var schema string

// Store persists incident records in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema and returns a Store over the given pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

const incidentColumns = `id, raw_alert, service, severity, description, stage, timeline,
	results, completed, errors, aggregate_confidence, decision, remediation, escalation,
	created_at, completed_at, duration_s`

// Get retrieves an incident record by ID.
func (s *Store) Get(ctx context.Context, id string) (*incident.Record, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Get", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE id = $1`
	r, err := s.scanIncidentRow(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	if r == nil {
		return nil, false, nil
	}
	return r, true, nil
}

// Put inserts or updates an incident record (upsert on id).
func (s *Store) Put(ctx context.Context, r *incident.Record) error {
	ctx, span := tracer.Start(ctx, "pgstore.Put", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPSERT"),
	))
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // a rollback no-ops once the tx is committed

	if err := s.upsertIncident(ctx, tx, r); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) upsertIncident(ctx context.Context, tx pgx.Tx, r *incident.Record) error {
	timelineJSON, err := json.Marshal(r.Timeline)
	if err != nil {
		return fmt.Errorf("marshal timeline: %w", err)
	}
	resultsJSON, err := json.Marshal(r.Results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	completedJSON, err := json.Marshal(r.Completed)
	if err != nil {
		return fmt.Errorf("marshal completed: %w", err)
	}
	errorsJSON, err := json.Marshal(r.Errors)
	if err != nil {
		return fmt.Errorf("marshal errors: %w", err)
	}
	decisionJSON, err := marshalNullable(r.Decision)
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}
	remediationJSON, err := marshalNullable(r.Remediation)
	if err != nil {
		return fmt.Errorf("marshal remediation: %w", err)
	}
	escalationJSON, err := marshalNullable(r.Escalation)
	if err != nil {
		return fmt.Errorf("marshal escalation: %w", err)
	}

	var completedAt *time.Time
	if !r.CompletedAt.IsZero() {
		completedAt = &r.CompletedAt
	}

	query := `INSERT INTO incidents (
		id, raw_alert, service, severity, description, stage, timeline,
		results, completed, errors, aggregate_confidence, decision, remediation, escalation,
		created_at, completed_at, duration_s
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	ON CONFLICT (id) DO UPDATE SET
		raw_alert            = EXCLUDED.raw_alert,
		service              = EXCLUDED.service,
		severity             = EXCLUDED.severity,
		description          = EXCLUDED.description,
		stage                = EXCLUDED.stage,
		timeline             = EXCLUDED.timeline,
		results              = EXCLUDED.results,
		completed            = EXCLUDED.completed,
		errors               = EXCLUDED.errors,
		aggregate_confidence = EXCLUDED.aggregate_confidence,
		decision             = EXCLUDED.decision,
		remediation          = EXCLUDED.remediation,
		escalation           = EXCLUDED.escalation,
		completed_at         = EXCLUDED.completed_at,
		duration_s           = EXCLUDED.duration_s`

	_, err = tx.Exec(ctx, query,
		r.ID, r.RawAlert, r.Service, r.Severity, r.Description, string(r.Stage), timelineJSON,
		resultsJSON, completedJSON, errorsJSON, r.AggregateConfidence,
		decisionJSON, remediationJSON, escalationJSON,
		r.CreatedAt, completedAt, r.Duration,
	)
	if err != nil {
		return fmt.Errorf("upsert incident: %w", err)
	}
	return nil
}

// scanIncidentRow scans one row into a Record; a miss comes back (nil, nil).
func (s *Store) scanIncidentRow(row pgx.Row) (*incident.Record, error) {
	var (
		r               incident.Record
		stage           string
		timelineJSON    []byte
		resultsJSON     []byte
		completedJSON   []byte
		errorsJSON      []byte
		decisionJSON    []byte
		remediationJSON []byte
		escalationJSON  []byte
		completedAt     *time.Time
	)

	err := row.Scan(
		&r.ID, &r.RawAlert, &r.Service, &r.Severity, &r.Description, &stage, &timelineJSON,
		&resultsJSON, &completedJSON, &errorsJSON, &r.AggregateConfidence,
		&decisionJSON, &remediationJSON, &escalationJSON,
		&r.CreatedAt, &completedAt, &r.Duration,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	r.Stage = incident.Stage(stage)
	if completedAt != nil {
		r.CompletedAt = *completedAt
	}

	if err := json.Unmarshal(timelineJSON, &r.Timeline); err != nil {
		return nil, fmt.Errorf("unmarshal timeline: %w", err)
	}
	if err := json.Unmarshal(resultsJSON, &r.Results); err != nil {
		return nil, fmt.Errorf("unmarshal results: %w", err)
	}
	if err := json.Unmarshal(completedJSON, &r.Completed); err != nil {
		return nil, fmt.Errorf("unmarshal completed: %w", err)
	}
	if err := json.Unmarshal(errorsJSON, &r.Errors); err != nil {
		return nil, fmt.Errorf("unmarshal errors: %w", err)
	}
	if err := unmarshalNullable(decisionJSON, &r.Decision); err != nil {
		return nil, fmt.Errorf("unmarshal decision: %w", err)
	}
	if err := unmarshalNullable(remediationJSON, &r.Remediation); err != nil {
		return nil, fmt.Errorf("unmarshal remediation: %w", err)
	}
	if err := unmarshalNullable(escalationJSON, &r.Escalation); err != nil {
		return nil, fmt.Errorf("unmarshal escalation: %w", err)
	}

	if r.Results == nil {
		r.Results = make(map[incident.Branch]*incident.BranchResult)
	}
	if r.Completed == nil {
		r.Completed = make(map[incident.Branch]bool)
	}

	return &r, nil
}

func marshalNullable[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func unmarshalNullable[T any](data []byte, out **T) error {
	if len(data) == 0 {
		return nil
	}
	v := new(T)
	if err := json.Unmarshal(data, v); err != nil {
		return err
	}
	*out = v
	return nil
}
