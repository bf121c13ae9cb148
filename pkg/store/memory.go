package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/simloom/simloom/pkg/models"
)

// Memory is the in-process Store used by tests and single-node deployments
// without a database.
type Memory struct {
	mu          sync.RWMutex
	simulations map[string]*models.SimulationRecord
	snapshots   map[string]*models.Snapshot // key: simID + "\x00" + label
	experiments map[string]*models.Experiment
	runs        map[string]*models.Run
	usage       map[string]*models.LLMUsage // key: userID + "\x00" + providerID
	syncLogs    map[string]*models.SyncLog  // key: runID
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		simulations: map[string]*models.SimulationRecord{},
		snapshots:   map[string]*models.Snapshot{},
		experiments: map[string]*models.Experiment{},
		runs:        map[string]*models.Run{},
		usage:       map[string]*models.LLMUsage{},
		syncLogs:    map[string]*models.SyncLog{},
	}
}

func (m *Memory) Simulations() SimulationStore { return (*memSimulations)(m) }
func (m *Memory) Snapshots() SnapshotStore     { return (*memSnapshots)(m) }
func (m *Memory) Experiments() ExperimentStore { return (*memExperiments)(m) }
func (m *Memory) Usage() UsageStore            { return (*memUsage)(m) }
func (m *Memory) SyncLogs() SyncLogStore       { return (*memSyncLogs)(m) }
func (m *Memory) Close()                       {}

type memSimulations Memory

func (s *memSimulations) Get(_ context.Context, id string) (*models.SimulationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.simulations[id]
	if !ok {
		return nil, fmt.Errorf("simulation %q: %w", id, ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

func (s *memSimulations) Save(_ context.Context, rec *models.SimulationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.simulations[rec.ID] = &cp
	return nil
}

func (s *memSimulations) UpdateLatestState(_ context.Context, id string, state json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.simulations[id]
	if !ok {
		return fmt.Errorf("simulation %q: %w", id, ErrNotFound)
	}
	rec.LatestState = append(json.RawMessage(nil), state...)
	return nil
}

func (s *memSimulations) List(_ context.Context, ownerID string) ([]*models.SimulationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.SimulationRecord
	for _, rec := range s.simulations {
		if ownerID == "" || rec.OwnerID == ownerID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memSimulations) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.simulations[id]; !ok {
		return fmt.Errorf("simulation %q: %w", id, ErrNotFound)
	}
	delete(s.simulations, id)
	return nil
}

type memSnapshots Memory

func snapKey(simID, label string) string { return simID + "\x00" + label }

func (s *memSnapshots) Save(_ context.Context, snap *models.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *snap
	s.snapshots[snapKey(snap.SimulationID, snap.Label)] = &cp
	return nil
}

func (s *memSnapshots) Get(_ context.Context, simulationID, label string) (*models.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[snapKey(simulationID, label)]
	if !ok {
		return nil, fmt.Errorf("snapshot %q/%q: %w", simulationID, label, ErrNotFound)
	}
	cp := *snap
	return &cp, nil
}

func (s *memSnapshots) List(_ context.Context, simulationID string) ([]*models.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Snapshot
	for _, snap := range s.snapshots {
		if snap.SimulationID == simulationID {
			cp := *snap
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out, nil
}

type memExperiments Memory

func (s *memExperiments) GetExperiment(_ context.Context, id string) (*models.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exp, ok := s.experiments[id]
	if !ok {
		return nil, fmt.Errorf("experiment %q: %w", id, ErrNotFound)
	}
	cp := *exp
	cp.Variants = append([]models.Variant(nil), exp.Variants...)
	return &cp, nil
}

func (s *memExperiments) SaveExperiment(_ context.Context, exp *models.Experiment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *exp
	cp.Variants = append([]models.Variant(nil), exp.Variants...)
	s.experiments[exp.ID] = &cp
	return nil
}

func (s *memExperiments) SetVariantNode(_ context.Context, experimentID, variantID string, nodeID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.experiments[experimentID]
	if !ok {
		return fmt.Errorf("experiment %q: %w", experimentID, ErrNotFound)
	}
	for i := range exp.Variants {
		if exp.Variants[i].ID == variantID {
			node := nodeID
			exp.Variants[i].NodeID = &node
			return nil
		}
	}
	return fmt.Errorf("variant %q of experiment %q: %w", variantID, experimentID, ErrNotFound)
}

func (s *memExperiments) CreateRun(_ context.Context, run *models.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

func (s *memExperiments) GetRun(_ context.Context, id string) (*models.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %q: %w", id, ErrNotFound)
	}
	cp := *run
	return &cp, nil
}

func (s *memExperiments) UpdateRunStatus(_ context.Context, id string, status models.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("run %q: %w", id, ErrNotFound)
	}
	run.Status = status
	return nil
}

func (s *memExperiments) SetRunResult(_ context.Context, id string, meta map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("run %q: %w", id, ErrNotFound)
	}
	run.ResultMeta = meta
	return nil
}

type memUsage Memory

func usageKey(userID, providerID string) string { return userID + "\x00" + providerID }

func (s *memUsage) Get(_ context.Context, userID, providerID string) (*models.LLMUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.usage[usageKey(userID, providerID)]
	if !ok {
		return nil, fmt.Errorf("usage %q/%q: %w", userID, providerID, ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (s *memUsage) EnsureQuota(_ context.Context, userID, providerID string, quota int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := usageKey(userID, providerID)
	if u, ok := s.usage[key]; ok {
		u.Quota = quota
		return nil
	}
	s.usage[key] = &models.LLMUsage{UserID: userID, ProviderID: providerID, Quota: quota}
	return nil
}

func (s *memUsage) Reserve(_ context.Context, userID, providerID string, tokens int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.usage[usageKey(userID, providerID)]
	if !ok {
		return fmt.Errorf("usage %q/%q: %w", userID, providerID, ErrNotFound)
	}
	if u.Quota-u.TokensUsed-u.TokensReserved < tokens {
		return fmt.Errorf("reserve %d tokens for %q/%q: %w", tokens, userID, providerID, ErrQuotaExceeded)
	}
	u.TokensReserved += tokens
	return nil
}

func (s *memUsage) Commit(_ context.Context, userID, providerID string, tokens int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.usage[usageKey(userID, providerID)]
	if !ok {
		return fmt.Errorf("usage %q/%q: %w", userID, providerID, ErrNotFound)
	}
	if tokens > u.TokensReserved {
		tokens = u.TokensReserved
	}
	u.TokensReserved -= tokens
	u.TokensUsed += tokens
	return nil
}

func (s *memUsage) Release(_ context.Context, userID, providerID string, tokens int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.usage[usageKey(userID, providerID)]
	if !ok {
		return fmt.Errorf("usage %q/%q: %w", userID, providerID, ErrNotFound)
	}
	if tokens > u.TokensReserved {
		tokens = u.TokensReserved
	}
	u.TokensReserved -= tokens
	return nil
}

type memSyncLogs Memory

func (s *memSyncLogs) Append(_ context.Context, runID string, status models.RunStatus, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.syncLogs[runID]
	if !ok {
		log = &models.SyncLog{ID: runID, RunID: runID}
		s.syncLogs[runID] = log
	}
	log.Status = string(status)
	log.Details = append(log.Details, detail)
	log.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memSyncLogs) Get(_ context.Context, runID string) (*models.SyncLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log, ok := s.syncLogs[runID]
	if !ok {
		return nil, fmt.Errorf("sync log %q: %w", runID, ErrNotFound)
	}
	cp := *log
	cp.Details = append([]string(nil), log.Details...)
	return &cp, nil
}
