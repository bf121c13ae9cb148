package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/simloom/simloom/pkg/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Postgres is the production Store backed by a pgx connection pool. Quota
// mutations run inside transactions holding a SELECT ... FOR UPDATE lock on
// the usage row, which is what makes the budget safe across processes.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgres connects, applies pending migrations and returns the store.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	if err := runMigrations(databaseURL); err != nil {
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Postgres{pool: pool, logger: slog.Default().With("component", "store")}, nil
}

func runMigrations(databaseURL string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}
	// The migrate pgx/v5 driver registers the pgx5 URL scheme.
	url := databaseURL
	if strings.HasPrefix(url, "postgres://") {
		url = "pgx5://" + strings.TrimPrefix(url, "postgres://")
	} else if strings.HasPrefix(url, "postgresql://") {
		url = "pgx5://" + strings.TrimPrefix(url, "postgresql://")
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, url)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (p *Postgres) Simulations() SimulationStore { return &pgSimulations{pool: p.pool} }
func (p *Postgres) Snapshots() SnapshotStore     { return &pgSnapshots{pool: p.pool} }
func (p *Postgres) Experiments() ExperimentStore { return &pgExperiments{pool: p.pool} }
func (p *Postgres) Usage() UsageStore            { return &pgUsage{pool: p.pool} }
func (p *Postgres) SyncLogs() SyncLogStore       { return &pgSyncLogs{pool: p.pool} }
func (p *Postgres) Close()                       { p.pool.Close() }

type pgSimulations struct{ pool *pgxpool.Pool }

func (s *pgSimulations) Get(ctx context.Context, id string) (*models.SimulationRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, owner_id, name, scene_type, scene_config, agent_config,
		       global_knowledge, status, latest_state
		FROM simulations WHERE id = $1`, id)
	rec := &models.SimulationRecord{}
	var sceneConfig, agentConfig, globalKnowledge []byte
	var latestState *[]byte
	err := row.Scan(&rec.ID, &rec.OwnerID, &rec.Name, &rec.SceneType,
		&sceneConfig, &agentConfig, &globalKnowledge, &rec.Status, &latestState)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("simulation %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load simulation %q: %w", id, err)
	}
	if err := json.Unmarshal(sceneConfig, &rec.SceneConfig); err != nil {
		return nil, fmt.Errorf("decode scene config of %q: %w", id, err)
	}
	if err := json.Unmarshal(agentConfig, &rec.AgentConfig); err != nil {
		return nil, fmt.Errorf("decode agent config of %q: %w", id, err)
	}
	if err := json.Unmarshal(globalKnowledge, &rec.GlobalKnowledge); err != nil {
		return nil, fmt.Errorf("decode global knowledge of %q: %w", id, err)
	}
	if latestState != nil {
		rec.LatestState = json.RawMessage(*latestState)
	}
	return rec, nil
}

func (s *pgSimulations) Save(ctx context.Context, rec *models.SimulationRecord) error {
	sceneConfig, err := json.Marshal(orEmptyObject(rec.SceneConfig))
	if err != nil {
		return fmt.Errorf("encode scene config: %w", err)
	}
	agentConfig, err := json.Marshal(rec.AgentConfig)
	if err != nil {
		return fmt.Errorf("encode agent config: %w", err)
	}
	globalKnowledge, err := json.Marshal(orEmptyStringMap(rec.GlobalKnowledge))
	if err != nil {
		return fmt.Errorf("encode global knowledge: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO simulations (id, owner_id, name, scene_type, scene_config,
		                         agent_config, global_knowledge, status, latest_state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
		    owner_id = EXCLUDED.owner_id, name = EXCLUDED.name,
		    scene_type = EXCLUDED.scene_type, scene_config = EXCLUDED.scene_config,
		    agent_config = EXCLUDED.agent_config,
		    global_knowledge = EXCLUDED.global_knowledge,
		    status = EXCLUDED.status, latest_state = EXCLUDED.latest_state`,
		rec.ID, rec.OwnerID, rec.Name, rec.SceneType, sceneConfig,
		agentConfig, globalKnowledge, rec.Status, nullableRaw(rec.LatestState))
	if err != nil {
		return fmt.Errorf("save simulation %q: %w", rec.ID, err)
	}
	return nil
}

func (s *pgSimulations) UpdateLatestState(ctx context.Context, id string, state json.RawMessage) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE simulations SET latest_state = $2 WHERE id = $1`, id, []byte(state))
	if err != nil {
		return fmt.Errorf("update latest state of %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("simulation %q: %w", id, ErrNotFound)
	}
	return nil
}

func (s *pgSimulations) List(ctx context.Context, ownerID string) ([]*models.SimulationRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM simulations
		WHERE $1 = '' OR owner_id = $1
		ORDER BY id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list simulations: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan simulation id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list simulations: %w", err)
	}
	out := make([]*models.SimulationRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *pgSimulations) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM simulations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete simulation %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("simulation %q: %w", id, ErrNotFound)
	}
	return nil
}

type pgSnapshots struct{ pool *pgxpool.Pool }

func (s *pgSnapshots) Save(ctx context.Context, snap *models.Snapshot) error {
	meta, err := json.Marshal(snap.Meta)
	if err != nil {
		return fmt.Errorf("encode snapshot meta: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO snapshots (simulation_id, label, state, turns, meta)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (simulation_id, label) DO UPDATE SET
		    state = EXCLUDED.state, turns = EXCLUDED.turns, meta = EXCLUDED.meta`,
		snap.SimulationID, snap.Label, []byte(snap.State), snap.Turns, meta)
	if err != nil {
		return fmt.Errorf("save snapshot %q/%q: %w", snap.SimulationID, snap.Label, err)
	}
	return nil
}

func (s *pgSnapshots) Get(ctx context.Context, simulationID, label string) (*models.Snapshot, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT simulation_id, label, state, turns, meta
		FROM snapshots WHERE simulation_id = $1 AND label = $2`, simulationID, label)
	return scanSnapshot(row, simulationID, label)
}

func (s *pgSnapshots) List(ctx context.Context, simulationID string) ([]*models.Snapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT simulation_id, label, state, turns, meta
		FROM snapshots WHERE simulation_id = $1 ORDER BY label`, simulationID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots of %q: %w", simulationID, err)
	}
	defer rows.Close()
	var out []*models.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows, simulationID, "")
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func scanSnapshot(row pgx.Row, simulationID, label string) (*models.Snapshot, error) {
	snap := &models.Snapshot{}
	var state, meta []byte
	err := row.Scan(&snap.SimulationID, &snap.Label, &state, &snap.Turns, &meta)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("snapshot %q/%q: %w", simulationID, label, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan snapshot: %w", err)
	}
	snap.State = json.RawMessage(state)
	if meta != nil {
		if err := json.Unmarshal(meta, &snap.Meta); err != nil {
			return nil, fmt.Errorf("decode snapshot meta: %w", err)
		}
	}
	return snap, nil
}

type pgExperiments struct{ pool *pgxpool.Pool }

func (s *pgExperiments) GetExperiment(ctx context.Context, id string) (*models.Experiment, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, simulation_id, base_node, name, variants
		FROM experiments WHERE id = $1`, id)
	exp := &models.Experiment{}
	var variants []byte
	err := row.Scan(&exp.ID, &exp.SimulationID, &exp.BaseNode, &exp.Name, &variants)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("experiment %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load experiment %q: %w", id, err)
	}
	if err := json.Unmarshal(variants, &exp.Variants); err != nil {
		return nil, fmt.Errorf("decode variants of %q: %w", id, err)
	}
	return exp, nil
}

func (s *pgExperiments) SaveExperiment(ctx context.Context, exp *models.Experiment) error {
	variants, err := json.Marshal(exp.Variants)
	if err != nil {
		return fmt.Errorf("encode variants: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO experiments (id, simulation_id, base_node, name, variants)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
		    simulation_id = EXCLUDED.simulation_id, base_node = EXCLUDED.base_node,
		    name = EXCLUDED.name, variants = EXCLUDED.variants`,
		exp.ID, exp.SimulationID, exp.BaseNode, exp.Name, variants)
	if err != nil {
		return fmt.Errorf("save experiment %q: %w", exp.ID, err)
	}
	return nil
}

func (s *pgExperiments) SetVariantNode(ctx context.Context, experimentID, variantID string, nodeID int) error {
	// Variants live in one jsonb column; read-modify-write under a row lock.
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var raw []byte
		err := tx.QueryRow(ctx,
			`SELECT variants FROM experiments WHERE id = $1 FOR UPDATE`,
			experimentID).Scan(&raw)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("experiment %q: %w", experimentID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock experiment %q: %w", experimentID, err)
		}
		var variants []models.Variant
		if err := json.Unmarshal(raw, &variants); err != nil {
			return fmt.Errorf("decode variants of %q: %w", experimentID, err)
		}
		found := false
		for i := range variants {
			if variants[i].ID == variantID {
				node := nodeID
				variants[i].NodeID = &node
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("variant %q of experiment %q: %w", variantID, experimentID, ErrNotFound)
		}
		updated, err := json.Marshal(variants)
		if err != nil {
			return fmt.Errorf("encode variants: %w", err)
		}
		_, err = tx.Exec(ctx, `UPDATE experiments SET variants = $2 WHERE id = $1`,
			experimentID, updated)
		return err
	})
}

func (s *pgExperiments) CreateRun(ctx context.Context, run *models.Run) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	meta, err := json.Marshal(run.ResultMeta)
	if err != nil {
		return fmt.Errorf("encode run meta: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO experiment_runs (id, experiment_id, turns, status, task_id, result_meta, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, run.ExperimentID, run.Turns, run.Status, run.TaskID, meta, run.CreatedAt)
	if err != nil {
		return fmt.Errorf("create run %q: %w", run.ID, err)
	}
	return nil
}

func (s *pgExperiments) GetRun(ctx context.Context, id string) (*models.Run, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, experiment_id, turns, status, task_id, result_meta, created_at
		FROM experiment_runs WHERE id = $1`, id)
	run := &models.Run{}
	var meta []byte
	err := row.Scan(&run.ID, &run.ExperimentID, &run.Turns, &run.Status,
		&run.TaskID, &meta, &run.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("run %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load run %q: %w", id, err)
	}
	if meta != nil {
		if err := json.Unmarshal(meta, &run.ResultMeta); err != nil {
			return nil, fmt.Errorf("decode run meta of %q: %w", id, err)
		}
	}
	return run, nil
}

func (s *pgExperiments) UpdateRunStatus(ctx context.Context, id string, status models.RunStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE experiment_runs SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update run %q status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %q: %w", id, ErrNotFound)
	}
	return nil
}

func (s *pgExperiments) SetRunResult(ctx context.Context, id string, meta map[string]any) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode run meta: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE experiment_runs SET result_meta = $2 WHERE id = $1`, id, raw)
	if err != nil {
		return fmt.Errorf("set run %q result: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %q: %w", id, ErrNotFound)
	}
	return nil
}

type pgUsage struct{ pool *pgxpool.Pool }

func (s *pgUsage) Get(ctx context.Context, userID, providerID string) (*models.LLMUsage, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT user_id, provider_id, quota, tokens_used, tokens_reserved
		FROM llm_usages WHERE user_id = $1 AND provider_id = $2`, userID, providerID)
	u := &models.LLMUsage{}
	err := row.Scan(&u.UserID, &u.ProviderID, &u.Quota, &u.TokensUsed, &u.TokensReserved)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("usage %q/%q: %w", userID, providerID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load usage %q/%q: %w", userID, providerID, err)
	}
	return u, nil
}

func (s *pgUsage) EnsureQuota(ctx context.Context, userID, providerID string, quota int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO llm_usages (user_id, provider_id, quota)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, provider_id) DO UPDATE SET quota = EXCLUDED.quota`,
		userID, providerID, quota)
	if err != nil {
		return fmt.Errorf("ensure quota %q/%q: %w", userID, providerID, err)
	}
	return nil
}

// Reserve holds the row lock while checking the remaining budget, so
// concurrent reservations serialize and never oversubscribe the quota.
func (s *pgUsage) Reserve(ctx context.Context, userID, providerID string, tokens int64) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		u, err := lockUsageRow(ctx, tx, userID, providerID)
		if err != nil {
			return err
		}
		if u.Quota-u.TokensUsed-u.TokensReserved < tokens {
			return fmt.Errorf("reserve %d tokens for %q/%q: %w", tokens, userID, providerID, ErrQuotaExceeded)
		}
		_, err = tx.Exec(ctx, `
			UPDATE llm_usages SET tokens_reserved = tokens_reserved + $3
			WHERE user_id = $1 AND provider_id = $2`, userID, providerID, tokens)
		return err
	})
}

func (s *pgUsage) Commit(ctx context.Context, userID, providerID string, tokens int64) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		u, err := lockUsageRow(ctx, tx, userID, providerID)
		if err != nil {
			return err
		}
		if tokens > u.TokensReserved {
			tokens = u.TokensReserved
		}
		_, err = tx.Exec(ctx, `
			UPDATE llm_usages
			SET tokens_reserved = tokens_reserved - $3, tokens_used = tokens_used + $3
			WHERE user_id = $1 AND provider_id = $2`, userID, providerID, tokens)
		return err
	})
}

func (s *pgUsage) Release(ctx context.Context, userID, providerID string, tokens int64) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		u, err := lockUsageRow(ctx, tx, userID, providerID)
		if err != nil {
			return err
		}
		if tokens > u.TokensReserved {
			tokens = u.TokensReserved
		}
		_, err = tx.Exec(ctx, `
			UPDATE llm_usages SET tokens_reserved = tokens_reserved - $3
			WHERE user_id = $1 AND provider_id = $2`, userID, providerID, tokens)
		return err
	})
}

func lockUsageRow(ctx context.Context, tx pgx.Tx, userID, providerID string) (*models.LLMUsage, error) {
	u := &models.LLMUsage{}
	err := tx.QueryRow(ctx, `
		SELECT user_id, provider_id, quota, tokens_used, tokens_reserved
		FROM llm_usages WHERE user_id = $1 AND provider_id = $2
		FOR UPDATE`, userID, providerID).
		Scan(&u.UserID, &u.ProviderID, &u.Quota, &u.TokensUsed, &u.TokensReserved)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("usage %q/%q: %w", userID, providerID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lock usage %q/%q: %w", userID, providerID, err)
	}
	return u, nil
}

type pgSyncLogs struct{ pool *pgxpool.Pool }

func (s *pgSyncLogs) Append(ctx context.Context, runID string, status models.RunStatus, detail string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var raw []byte
		err := tx.QueryRow(ctx,
			`SELECT details FROM sync_logs WHERE run_id = $1 FOR UPDATE`, runID).Scan(&raw)
		var details []string
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return fmt.Errorf("lock sync log %q: %w", runID, err)
		default:
			if err := json.Unmarshal(raw, &details); err != nil {
				return fmt.Errorf("decode sync log %q: %w", runID, err)
			}
		}
		details = append(details, detail)
		updated, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("encode sync log: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO sync_logs (run_id, status, details, updated_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (run_id) DO UPDATE SET
			    status = EXCLUDED.status, details = EXCLUDED.details, updated_at = now()`,
			runID, status, updated)
		return err
	})
}

func (s *pgSyncLogs) Get(ctx context.Context, runID string) (*models.SyncLog, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT run_id, status, details, updated_at
		FROM sync_logs WHERE run_id = $1`, runID)
	log := &models.SyncLog{}
	var details []byte
	err := row.Scan(&log.RunID, &log.Status, &details, &log.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("sync log %q: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load sync log %q: %w", runID, err)
	}
	log.ID = log.RunID
	if err := json.Unmarshal(details, &log.Details); err != nil {
		return nil, fmt.Errorf("decode sync log %q: %w", runID, err)
	}
	return log, nil
}

func orEmptyObject(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nullableRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
