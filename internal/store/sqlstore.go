package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"caliper/internal/tune"

	_ "modernc.org/sqlite"
)

// nowUTC returns the current UTC time as an ISO 8601 string.
func nowUTC() string { return time.Now().UTC().Format(time.RFC3339) }

// nullStr converts a sql.NullString to a plain string (empty if null).
func nullStr(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// nullFloat converts a sql.NullFloat64 to a plain float64 (0 if null).
func nullFloat(nf sql.NullFloat64) float64 {
	if nf.Valid {
		return nf.Float64
	}
	return 0
}

// nilIfEmpty maps "" to NULL for nullable text columns.
func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// currentSchemaVersion is the target schema version for this build.
const currentSchemaVersion = schemaVersionV1

// SqlStore implements Store with SQLite.
type SqlStore struct {
	db *sql.DB
}

// Open opens or creates a SQLite DB at path and runs migrations.
// Creates the parent directory (e.g. .caliper) if it does not exist.
func Open(path string) (*SqlStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &SqlStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SqlStore) migrate() error {
	var tableCount int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableCount)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}

	if tableCount == 0 {
		// Fresh database.
		if _, err := s.db.Exec(schemaV1); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version(version) VALUES(?)", currentSchemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		return nil
	}

	var v int
	err = s.db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&v)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read schema version: %w", err)
	}
	if errors.Is(err, sql.ErrNoRows) {
		v = currentSchemaVersion
		if _, err := s.db.Exec("INSERT INTO schema_version(version) VALUES(?)", v); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
	}
	if v != currentSchemaVersion {
		return fmt.Errorf("unsupported schema version %d (want %d)", v, currentSchemaVersion)
	}
	return nil
}

// Close closes the underlying database.
func (s *SqlStore) Close() error { return s.db.Close() }

// --- Configurations ---

func (s *SqlStore) FindByKey(key string) (*tune.Configuration, error) {
	row := s.db.QueryRow(
		`SELECT key, model, temperature, max_tokens, prompt_id, output_type, output_schema
		 FROM configurations WHERE key = ?`, key)
	cfg, err := scanConfiguration(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get configuration: %w", err)
	}
	return cfg, nil
}

func (s *SqlStore) Create(cfg *tune.Configuration) error {
	if cfg == nil {
		return errors.New("configuration is nil")
	}
	schema, err := marshalSchema(cfg.OutputSchema)
	if err != nil {
		return err
	}
	now := nowUTC()
	_, err = s.db.Exec(
		`INSERT INTO configurations(key, model, temperature, max_tokens, prompt_id, output_type, output_schema, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cfg.Key, cfg.Model, cfg.Temperature, cfg.MaxTokens,
		nilIfEmpty(cfg.PromptID), nilIfEmpty(cfg.OutputType), schema, now, now,
	)
	if err != nil {
		return fmt.Errorf("insert configuration: %w", err)
	}
	return nil
}

func (s *SqlStore) Update(cfg *tune.Configuration) error {
	if cfg == nil {
		return errors.New("configuration is nil")
	}
	schema, err := marshalSchema(cfg.OutputSchema)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(
		`UPDATE configurations SET model = ?, temperature = ?, max_tokens = ?, prompt_id = ?,
		 output_type = ?, output_schema = ?, updated_at = ? WHERE key = ?`,
		cfg.Model, cfg.Temperature, cfg.MaxTokens, nilIfEmpty(cfg.PromptID),
		nilIfEmpty(cfg.OutputType), schema, nowUTC(), cfg.Key,
	)
	if err != nil {
		return fmt.Errorf("update configuration: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("configuration %q not found", cfg.Key)
	}
	return nil
}

func (s *SqlStore) DeleteByKey(key string) error {
	_, err := s.db.Exec("DELETE FROM configurations WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("delete configuration: %w", err)
	}
	return nil
}

func (s *SqlStore) ListConfigurations() ([]*tune.Configuration, error) {
	rows, err := s.db.Query(
		`SELECT key, model, temperature, max_tokens, prompt_id, output_type, output_schema
		 FROM configurations ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list configurations: %w", err)
	}
	defer rows.Close()
	var out []*tune.Configuration
	for rows.Next() {
		cfg, err := scanConfiguration(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan configuration: %w", err)
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

func scanConfiguration(scan func(...any) error) (*tune.Configuration, error) {
	var cfg tune.Configuration
	var promptID, outputType, schema sql.NullString
	if err := scan(&cfg.Key, &cfg.Model, &cfg.Temperature, &cfg.MaxTokens,
		&promptID, &outputType, &schema); err != nil {
		return nil, err
	}
	cfg.PromptID = nullStr(promptID)
	cfg.OutputType = nullStr(outputType)
	if schema.Valid && schema.String != "" {
		if err := json.Unmarshal([]byte(schema.String), &cfg.OutputSchema); err != nil {
			return nil, fmt.Errorf("decode output schema: %w", err)
		}
	}
	return &cfg, nil
}

func marshalSchema(schema map[string]any) (any, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	blob, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encode output schema: %w", err)
	}
	return string(blob), nil
}

// --- Prompts ---

func (s *SqlStore) SavePrompt(p *Prompt) (int64, error) {
	if p == nil {
		return 0, errors.New("prompt is nil")
	}
	if p.CreatedAt == "" {
		p.CreatedAt = nowUTC()
	}
	res, err := s.db.Exec(
		`INSERT INTO prompts(prompt_id, template, created_at) VALUES(?, ?, ?)
		 ON CONFLICT(prompt_id) DO UPDATE SET template = excluded.template`,
		p.PromptID, p.Template, p.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("save prompt: %w", err)
	}
	return res.LastInsertId()
}

func (s *SqlStore) GetPrompt(promptID string) (*Prompt, error) {
	var p Prompt
	err := s.db.QueryRow(
		"SELECT id, prompt_id, template, created_at FROM prompts WHERE prompt_id = ?", promptID,
	).Scan(&p.ID, &p.PromptID, &p.Template, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get prompt: %w", err)
	}
	return &p, nil
}

func (s *SqlStore) ListPrompts() ([]*Prompt, error) {
	rows, err := s.db.Query("SELECT id, prompt_id, template, created_at FROM prompts ORDER BY prompt_id")
	if err != nil {
		return nil, fmt.Errorf("list prompts: %w", err)
	}
	defer rows.Close()
	var out []*Prompt
	for rows.Next() {
		var p Prompt
		if err := rows.Scan(&p.ID, &p.PromptID, &p.Template, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan prompt: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// --- Runs ---

func (s *SqlStore) CreateRun(r *Run) (int64, error) {
	if r == nil {
		return 0, errors.New("run is nil")
	}
	if r.Status == "" {
		r.Status = "running"
	}
	if r.StartedAt == "" {
		r.StartedAt = nowUTC()
	}
	res, err := s.db.Exec(
		`INSERT INTO runs(run_id, kind, base_key, status, best_score, started_at, ended_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Kind, nilIfEmpty(r.BaseKey), r.Status, r.BestScore, r.StartedAt, nilIfEmpty(r.EndedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}
	return res.LastInsertId()
}

func (s *SqlStore) FinishRun(runID, status string, bestScore float64) error {
	res, err := s.db.Exec(
		"UPDATE runs SET status = ?, best_score = ?, ended_at = ? WHERE run_id = ?",
		status, bestScore, nowUTC(), runID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("run %q not found", runID)
	}
	return nil
}

func (s *SqlStore) GetRun(runID string) (*Run, error) {
	var r Run
	var baseKey, endedAt sql.NullString
	var best sql.NullFloat64
	err := s.db.QueryRow(
		`SELECT id, run_id, kind, base_key, status, best_score, started_at, ended_at
		 FROM runs WHERE run_id = ?`, runID,
	).Scan(&r.ID, &r.RunID, &r.Kind, &baseKey, &r.Status, &best, &r.StartedAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	r.BaseKey = nullStr(baseKey)
	r.EndedAt = nullStr(endedAt)
	r.BestScore = nullFloat(best)
	return &r, nil
}

func (s *SqlStore) ListRuns() ([]*Run, error) {
	rows, err := s.db.Query(
		`SELECT id, run_id, kind, base_key, status, best_score, started_at, ended_at
		 FROM runs ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var out []*Run
	for rows.Next() {
		var r Run
		var baseKey, endedAt sql.NullString
		var best sql.NullFloat64
		if err := rows.Scan(&r.ID, &r.RunID, &r.Kind, &baseKey, &r.Status, &best, &r.StartedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.BaseKey = nullStr(baseKey)
		r.EndedAt = nullStr(endedAt)
		r.BestScore = nullFloat(best)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// --- Checkpoints ---

func (s *SqlStore) SaveCheckpoint(runID string, payload []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO checkpoints(run_id, payload, updated_at) VALUES(?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		runID, payload, nowUTC(),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (s *SqlStore) GetCheckpoint(runID string) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRow("SELECT payload FROM checkpoints WHERE run_id = ?", runID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return payload, nil
}
