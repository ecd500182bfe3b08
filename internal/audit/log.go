package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Action identifies the lifecycle event an audit record describes.
type Action string

const (
	ActionStartup            Action = "STARTUP"
	ActionAPICall            Action = "API_CALL"
	ActionDataSave           Action = "DATA_SAVE"
	ActionDataUpdate         Action = "DATA_UPDATE"
	ActionDataDelete         Action = "DATA_DELETE"
	ActionValidation         Action = "VALIDATION"
	ActionError              Action = "ERROR"
	ActionShutdown           Action = "SHUTDOWN"
	ActionVerificationStart  Action = "VERIFICATION_START"
	ActionVerificationResult Action = "VERIFICATION_RESULT"
)

// Record is one audit log line. The field set is a compatibility
// contract: verifiers and external alerting parse these files, so names
// and shapes must not change.
type Record struct {
	Timestamp       time.Time      `json:"timestamp"`
	Level           string         `json:"level"`
	Collector       string         `json:"collector"`
	Action          Action         `json:"action"`
	Details         map[string]any `json:"details"`
	DurationSeconds *float64       `json:"duration_seconds,omitempty"`
	RunID           string         `json:"run_id"`
}

// Logger writes append-only JSON-lines audit records for a single run.
// One file per collector execution, single writer, never shared across
// runs.
type Logger struct {
	mu        sync.Mutex
	f         *os.File
	collector string
	runID     string
	path      string
}

// NewLogger opens a fresh audit log file named
// {dir}/{collector}_{YYYY-MM-DD}_{HH-MM-SS}.log and assigns a short run
// id used on every line.
func NewLogger(dir, collector string) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit log dir: %w", err)
	}
	now := time.Now().UTC()
	name := fmt.Sprintf("%s_%s_%s.log", collector, now.Format("2006-01-02"), now.Format("15-04-05"))
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &Logger{
		f:         f,
		collector: collector,
		runID:     uuid.NewString()[:8],
		path:      path,
	}, nil
}

// RunID returns the short uuid labeling every line of this run.
func (l *Logger) RunID() string { return l.runID }

// Path returns the log file path, used to hand the run off to a verifier.
func (l *Logger) Path() string { return l.path }

// Log appends one record. Details are sanitized before they hit disk.
func (l *Logger) Log(level string, action Action, details map[string]any) error {
	return l.log(level, action, details, nil)
}

// LogTimed appends one record carrying an elapsed duration.
func (l *Logger) LogTimed(level string, action Action, details map[string]any, elapsed time.Duration) error {
	secs := elapsed.Seconds()
	return l.log(level, action, details, &secs)
}

func (l *Logger) log(level string, action Action, details map[string]any, dur *float64) error {
	rec := Record{
		Timestamp:       time.Now().UTC(),
		Level:           level,
		Collector:       l.collector,
		Action:          action,
		Details:         SanitizeMap(details),
		DurationSeconds: dur,
		RunID:           l.runID,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write audit record: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// ReadFile parses a JSON-lines audit log back into records. Malformed
// lines are skipped and counted, not fatal: a partially written final
// line must not block verification of the rest of the run.
func ReadFile(path string) ([]Record, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var records []Record
	skipped := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			skipped++
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return records, skipped, fmt.Errorf("scan audit log: %w", err)
	}
	return records, skipped, nil
}
