package git

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// progressInterval throttles repeated progress lines of the same phase
const progressInterval = time.Second

// progressLogger receives the sideband progress of clone and fetch and logs
// it at debug level
type progressLogger struct {
	mu         sync.Mutex
	logger     *zap.Logger
	lastUpdate time.Time
	lastPhase  string
	now        func() time.Time
}

func newProgressLogger(logger *zap.Logger, operation, projectID string) *progressLogger {
	return &progressLogger{
		logger: logger.With(zap.String("operation", operation), zap.String("project", projectID)),
		now:    time.Now,
	}
}

// Write implements io.Writer interface
func (p *progressLogger) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// git separates progress updates with carriage returns
	for _, line := range strings.FieldsFunc(string(b), func(r rune) bool { return r == '\r' || r == '\n' }) {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "remote:"))
		if line == "" {
			continue
		}

		phase := progressPhase(line)
		now := p.now()
		if phase == p.lastPhase && now.Sub(p.lastUpdate) < progressInterval && !strings.Contains(line, "done") {
			continue
		}
		p.logger.Debug("git progress", zap.String("phase", phase), zap.String("line", line))
		p.lastPhase = phase
		p.lastUpdate = now
	}
	return len(b), nil
}

// progressPhase names the step a progress line reports on, e.g.
// "Receiving objects:  45% (9/20)" is "receiving objects"
func progressPhase(line string) string {
	if i := strings.Index(line, ":"); i > 0 {
		return strings.ToLower(strings.TrimSpace(line[:i]))
	}
	return "message"
}
