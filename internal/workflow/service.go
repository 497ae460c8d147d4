package workflow

import (
	"context"
	"strings"
	"sync"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/aegis/internal/incident"
)

// ErrEmptyAlert is returned when the submitted alert text is blank.
var ErrEmptyAlert = xerrors.New("alert text is empty")

// SubmitResult is the outcome of submitting an alert.
type SubmitResult struct {
	ID string
}

// Service is the business boundary for incident operations.
type Service struct {
	store  Store
	orch   *Orchestrator
	logger log.Logger
	hooks  Hooks
	runs   sync.WaitGroup
}

// NewService creates a new incident service.
func NewService(store Store, orch *Orchestrator, logger log.Logger, hooks Hooks) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		store:  store,
		orch:   orch,
		logger: logger,
		hooks:  hooks,
	}
}

// Submit accepts an alert, persists a fresh record, and runs the workflow
// asynchronously.
func (s *Service) Submit(ctx context.Context, rawAlert string) (*SubmitResult, error) {
	rec, err := s.accept(ctx, rawAlert)
	if err != nil {
		return nil, err
	}

	// kick off the async workflow - pass only the ID to avoid sharing the
	// record pointer with the caller's goroutine.
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		s.run(context.WithoutCancel(ctx), rec.ID)
	}()

	return &SubmitResult{ID: rec.ID}, nil
}

// Drain blocks until in-flight workflow runs finish or ctx expires.
// Callers must stop accepting submissions first.
func (s *Service) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Process runs one alert through the workflow synchronously and returns
// the terminal record. The record is returned even when the run errors,
// so callers can inspect the failed state.
func (s *Service) Process(ctx context.Context, rawAlert string) (*incident.Record, error) {
	rec, err := s.accept(ctx, rawAlert)
	if err != nil {
		return nil, err
	}
	runErr := s.orch.Run(ctx, rec)
	if err := s.store.Put(ctx, rec); err != nil {
		s.logger.Error(ctx, err, "failed to persist terminal record", "incident_id", rec.ID)
	}
	return rec, runErr
}

// Get retrieves an incident record by ID.
func (s *Service) Get(ctx context.Context, id string) (*incident.Record, bool, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) accept(ctx context.Context, rawAlert string) (*incident.Record, error) {
	raw := strings.TrimSpace(rawAlert)
	if raw == "" {
		s.submitted("invalid")
		return nil, ErrEmptyAlert
	}

	rec := incident.New(raw)
	if err := s.store.Put(ctx, rec); err != nil {
		s.submitted("error")
		return nil, err
	}
	s.submitted("accepted")
	return rec, nil
}

func (s *Service) run(ctx context.Context, id string) {
	L := s.logger.With("incident_id", id)

	rec, ok, err := s.store.Get(ctx, id)
	if err != nil || !ok {
		L.Error(ctx, err, "failed to fetch record for workflow")
		return
	}

	if err := s.orch.Run(ctx, rec); err != nil {
		L.Error(ctx, err, "workflow aborted")
	}

	if err := s.store.Put(ctx, rec); err != nil {
		L.Error(ctx, err, "failed to persist terminal record")
	}
}

func (s *Service) submitted(result string) {
	if s.hooks.OnSubmit != nil {
		s.hooks.OnSubmit(result)
	}
}
