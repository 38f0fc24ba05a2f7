package store

import "caliper/internal/tune"

// DefaultDBPath is the default relative path for the SQLite DB.
// Resolve against cwd; Open() creates the parent dir (e.g. .caliper).
const DefaultDBPath = ".caliper/caliper.db"

// Prompt is one stored prompt template, addressed by its stable
// prompt ID.
type Prompt struct {
	ID        int64
	PromptID  string
	Template  string
	CreatedAt string
}

// Run is one recorded grid-search or optimization run.
type Run struct {
	ID        int64
	RunID     string
	Kind      string // "grid" or "optimize"
	BaseKey   string
	Status    string // "running", "completed", "failed", "stopped"
	BestScore float64
	StartedAt string
	EndedAt   string
}

// Store is the persistence facade: configurations, prompt templates,
// run records, and checkpoints. Engine and CLI use only this interface;
// implementation is SQLite or in-memory. The configuration methods
// satisfy tune.ConfigRepository.
type Store interface {
	// Configurations
	FindByKey(key string) (*tune.Configuration, error)
	Create(cfg *tune.Configuration) error
	Update(cfg *tune.Configuration) error
	DeleteByKey(key string) error
	ListConfigurations() ([]*tune.Configuration, error)
	// Prompts
	SavePrompt(p *Prompt) (int64, error)
	GetPrompt(promptID string) (*Prompt, error)
	ListPrompts() ([]*Prompt, error)
	// Runs
	CreateRun(r *Run) (int64, error)
	FinishRun(runID, status string, bestScore float64) error
	GetRun(runID string) (*Run, error)
	ListRuns() ([]*Run, error)
	// Checkpoints (JSON state blobs keyed by run ID)
	SaveCheckpoint(runID string, payload []byte) error
	GetCheckpoint(runID string) ([]byte, error)

	Close() error
}
