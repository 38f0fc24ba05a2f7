package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"caliper/internal/tune"
)

// MemStore is an in-memory Store for tests and dry runs. Safe for
// concurrent use.
type MemStore struct {
	mu          sync.Mutex
	configs     map[string]tune.Configuration
	prompts     map[string]*Prompt
	nextPrompt  int64
	runs        map[string]*Run
	nextRun     int64
	checkpoints map[string][]byte
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		configs:     make(map[string]tune.Configuration),
		prompts:     make(map[string]*Prompt),
		runs:        make(map[string]*Run),
		checkpoints: make(map[string][]byte),
	}
}

func (s *MemStore) Close() error { return nil }

// --- Configurations ---

func (s *MemStore) FindByKey(key string) (*tune.Configuration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg, ok := s.configs[key]; ok {
		return &cfg, nil
	}
	return nil, nil
}

func (s *MemStore) Create(cfg *tune.Configuration) error {
	if cfg == nil {
		return errors.New("configuration is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.configs[cfg.Key]; exists {
		return fmt.Errorf("configuration %q already exists", cfg.Key)
	}
	s.configs[cfg.Key] = *cfg
	return nil
}

func (s *MemStore) Update(cfg *tune.Configuration) error {
	if cfg == nil {
		return errors.New("configuration is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.configs[cfg.Key]; !exists {
		return fmt.Errorf("configuration %q not found", cfg.Key)
	}
	s.configs[cfg.Key] = *cfg
	return nil
}

func (s *MemStore) DeleteByKey(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.configs, key)
	return nil
}

func (s *MemStore) ListConfigurations() ([]*tune.Configuration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.configs))
	for k := range s.configs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*tune.Configuration, 0, len(keys))
	for _, k := range keys {
		cfg := s.configs[k]
		out = append(out, &cfg)
	}
	return out, nil
}

// --- Prompts ---

func (s *MemStore) SavePrompt(p *Prompt) (int64, error) {
	if p == nil {
		return 0, errors.New("prompt is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.prompts[p.PromptID]; ok {
		existing.Template = p.Template
		return existing.ID, nil
	}
	s.nextPrompt++
	clone := *p
	clone.ID = s.nextPrompt
	if clone.CreatedAt == "" {
		clone.CreatedAt = nowUTC()
	}
	s.prompts[p.PromptID] = &clone
	return clone.ID, nil
}

func (s *MemStore) GetPrompt(promptID string) (*Prompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.prompts[promptID]; ok {
		clone := *p
		return &clone, nil
	}
	return nil, nil
}

func (s *MemStore) ListPrompts() ([]*Prompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.prompts))
	for id := range s.prompts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*Prompt, 0, len(ids))
	for _, id := range ids {
		clone := *s.prompts[id]
		out = append(out, &clone)
	}
	return out, nil
}

// --- Runs ---

func (s *MemStore) CreateRun(r *Run) (int64, error) {
	if r == nil {
		return 0, errors.New("run is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[r.RunID]; exists {
		return 0, fmt.Errorf("run %q already exists", r.RunID)
	}
	s.nextRun++
	clone := *r
	clone.ID = s.nextRun
	if clone.Status == "" {
		clone.Status = "running"
	}
	if clone.StartedAt == "" {
		clone.StartedAt = nowUTC()
	}
	s.runs[r.RunID] = &clone
	return clone.ID, nil
}

func (s *MemStore) FinishRun(runID, status string, bestScore float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("run %q not found", runID)
	}
	r.Status = status
	r.BestScore = bestScore
	r.EndedAt = nowUTC()
	return nil
}

func (s *MemStore) GetRun(runID string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runs[runID]; ok {
		clone := *r
		return &clone, nil
	}
	return nil, nil
}

func (s *MemStore) ListRuns() ([]*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Run, 0, len(s.runs))
	for _, r := range s.runs {
		clone := *r
		out = append(out, &clone)
	}
	// Newest first, matching the SQL implementation.
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// --- Checkpoints ---

func (s *MemStore) SaveCheckpoint(runID string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := make([]byte, len(payload))
	copy(clone, payload)
	s.checkpoints[runID] = clone
	return nil
}

func (s *MemStore) GetCheckpoint(runID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.checkpoints[runID]; ok {
		clone := make([]byte, len(p))
		copy(clone, p)
		return clone, nil
	}
	return nil, nil
}
