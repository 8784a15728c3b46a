package readiness

// Check is one named readiness condition.
type Check struct {
	Name    string
	Healthy func() bool
}

// Logger is the logging surface of this package.
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

// failing returns the names of the checks that are not healthy.
func failing(checks []Check) []string {
	var names []string
	for _, c := range checks {
		if c.Healthy == nil || !c.Healthy() {
			names = append(names, c.Name)
		}
	}
	return names
}
