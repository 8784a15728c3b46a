package state

import "context"

// State is the persisted setup record.
type State struct {
	IsSetup         bool   `json:"isSetup"`
	SuperadminToken string `json:"superadminToken"`
}

// Store loads and saves State.
type Store interface {
	// Load returns the stored State, or the zero State when none is stored
	// or the stored record cannot be read.
	Load(ctx context.Context) (State, error)

	// Save replaces the stored State.
	Save(ctx context.Context, s State) error
}

// Logger is the logging surface the stores use.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

func loggerOrNoop(l Logger) Logger {
	if l == nil {
		return noopLogger{}
	}
	return l
}
