// Package store defines the persistence contract for simulations,
// snapshots, experiments and token quotas, with an in-memory
// implementation for tests and a PostgreSQL implementation for
// production. Quota accounting is the only state shared across
// processes; it is serialized by row-level locks in the PostgreSQL
// implementation and a mutex in memory.
package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/simloom/simloom/pkg/models"
)

var (
	// ErrNotFound is returned for any missing record.
	ErrNotFound = errors.New("record not found")
	// ErrQuotaExceeded is returned when a reservation does not fit the
	// remaining budget. Callers degrade (run without LLM) rather than fail.
	ErrQuotaExceeded = errors.New("token quota exceeded")
)

// Store bundles the persistence surfaces.
type Store interface {
	Simulations() SimulationStore
	Snapshots() SnapshotStore
	Experiments() ExperimentStore
	Usage() UsageStore
	SyncLogs() SyncLogStore
	Close()
}

// SimulationStore persists simulation records, the source of truth for
// rebuilding trees.
type SimulationStore interface {
	Get(ctx context.Context, id string) (*models.SimulationRecord, error)
	Save(ctx context.Context, rec *models.SimulationRecord) error
	// UpdateLatestState stores the serialized tree for rebuild-on-restart.
	UpdateLatestState(ctx context.Context, id string, state json.RawMessage) error
	List(ctx context.Context, ownerID string) ([]*models.SimulationRecord, error)
	Delete(ctx context.Context, id string) error
}

// SnapshotStore persists labeled whole-tree snapshots.
type SnapshotStore interface {
	Save(ctx context.Context, snap *models.Snapshot) error
	Get(ctx context.Context, simulationID, label string) (*models.Snapshot, error)
	List(ctx context.Context, simulationID string) ([]*models.Snapshot, error)
}

// ExperimentStore persists experiments, their variants and runs.
type ExperimentStore interface {
	GetExperiment(ctx context.Context, id string) (*models.Experiment, error)
	SaveExperiment(ctx context.Context, exp *models.Experiment) error
	SetVariantNode(ctx context.Context, experimentID, variantID string, nodeID int) error

	CreateRun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, id string) (*models.Run, error)
	UpdateRunStatus(ctx context.Context, id string, status models.RunStatus) error
	SetRunResult(ctx context.Context, id string, meta map[string]any) error
}

// UsageStore is the cross-process token budget. Reserve, Commit and
// Release form the reservation ritual: every reservation is eventually
// committed to used or released in full.
type UsageStore interface {
	Get(ctx context.Context, userID, providerID string) (*models.LLMUsage, error)
	// EnsureQuota creates the usage row if missing and sets its quota.
	EnsureQuota(ctx context.Context, userID, providerID string, quota int64) error
	// Reserve atomically checks quota - used - reserved >= tokens and adds
	// tokens to reserved; ErrQuotaExceeded when it does not fit.
	Reserve(ctx context.Context, userID, providerID string, tokens int64) error
	// Commit moves tokens from reserved to used.
	Commit(ctx context.Context, userID, providerID string, tokens int64) error
	// Release returns tokens from reserved to the budget.
	Release(ctx context.Context, userID, providerID string, tokens int64) error
}

// SyncLogStore tracks run lifecycle transitions with a growing detail list.
type SyncLogStore interface {
	Append(ctx context.Context, runID string, status models.RunStatus, detail string) error
	Get(ctx context.Context, runID string) (*models.SyncLog, error)
}
