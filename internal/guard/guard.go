// Package guard screens task payloads before the executor touches
// them. A blocklist rejects destructive or exfiltrating shapes; an
// allowlist constrains the task types that reach external systems;
// path checks keep file operations inside declared roots.
package guard

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/agroflow/agroflow/internal/audit"
)

// Decision is the outcome of a payload screen.
type Decision struct {
	Allowed bool
	Reason  string // matched pattern or failed check, sanitized
}

// blockPatterns are compiled once. Matching is case-insensitive over
// the stringified payload.
var blockPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)rm\s+(-[a-z]*r[a-z]*f|-[a-z]*f[a-z]*r)\b`),
	regexp.MustCompile(`(?i)\brmdir\b|\bshutil\.rmtree\b|os\.remove\s*\(`),
	regexp.MustCompile(`(?i)\bchmod\s+[0-7]{3,4}\b|\bchown\b`),
	regexp.MustCompile(`(?i)/etc/(passwd|shadow|sudoers)`),
	regexp.MustCompile(`(?i)(~|/home/[^/\s]+|/root)/\.ssh`),
	regexp.MustCompile(`(?i)\b(iptables|ufw|firewall-cmd)\b`),
	regexp.MustCompile(`(?i)\b(systemctl|service)\s+(stop|disable|mask)\b`),
	regexp.MustCompile(`(?i)\b(curl|wget)\b[^|;&]*\|\s*(ba|z|da)?sh\b`),
	regexp.MustCompile(`(?i)\b(eval|exec)\s*\(`),
	regexp.MustCompile(`(?i)\b__import__\s*\(|\bimportlib\b`),
	regexp.MustCompile(`(?i)\becho\b[^|;&]*\$?\{?(password|secret|token|api_key)`),
	regexp.MustCompile(`(?i)('\s*or\s+'1'\s*=\s*'1|;\s*drop\s+table|union\s+select)`),
	regexp.MustCompile(`(?i)\bdd\s+if=/dev/(zero|random)\b|\bmkfs\b`),
}

// allowPatterns gate payloads of externally-acting task types. At least
// one must match.
var allowPatterns = map[string][]*regexp.Regexp{
	"data_collection": {
		regexp.MustCompile(`(?i)"method"\s*:\s*"(GET|POST)"`),
		regexp.MustCompile(`(?i)"(url|endpoint)"\s*:\s*"https?://`),
		regexp.MustCompile(`(?i)"(source|collector)"\s*:\s*"[a-z0-9_]+"`),
	},
	"email": {
		regexp.MustCompile(`(?i)"to"\s*:\s*"[^"@]+@[^"]+"`),
		regexp.MustCompile(`(?i)"(subject|body)"\s*:`),
	},
}

// Guard holds the roots file operations are confined to.
type Guard struct {
	DataRoots []string // paths reads/writes must stay under
	TempRoots []string // deletes are only permitted under these
}

// blockedDirs are prefixes no resolved path may start with.
var blockedDirs = []string{"/etc", "/root/.ssh", "/var/lib", "/usr", "/boot", "/proc", "/sys"}

func New(dataRoots, tempRoots []string) *Guard {
	return &Guard{DataRoots: dataRoots, TempRoots: tempRoots}
}

// Screen checks a task payload. The payload is stringified (JSON) and
// screened against the blocklist, then the task type's allowlist when
// one is declared.
func (g *Guard) Screen(taskType string, payload map[string]any) Decision {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Decision{Allowed: false, Reason: fmt.Sprintf("payload not serializable: %v", err)}
	}
	text := string(raw)

	for _, re := range blockPatterns {
		if m := re.FindString(text); m != "" {
			reason := audit.SanitizeString(m)
			log.Warn().Str("task_type", taskType).Str("pattern", re.String()).
				Msg("guard blocked payload")
			return Decision{Allowed: false, Reason: fmt.Sprintf("blocked pattern: %s", reason)}
		}
	}

	if allowed, ok := allowPatterns[strings.ToLower(taskType)]; ok {
		matched := false
		for _, re := range allowed {
			if re.MatchString(text) {
				matched = true
				break
			}
		}
		if !matched {
			return Decision{Allowed: false, Reason: fmt.Sprintf("payload matches no allowed %s shape", taskType)}
		}
	}

	if paths, ok := payload["paths"].([]any); ok {
		for _, p := range paths {
			s, ok := p.(string)
			if !ok {
				continue
			}
			if err := g.CheckPath(s, false); err != nil {
				return Decision{Allowed: false, Reason: err.Error()}
			}
		}
	}
	return Decision{Allowed: true}
}

// CheckPath normalizes and resolves a path, rejecting anything under a
// blocklisted directory. Deletes must additionally resolve under a
// temp root.
func (g *Guard) CheckPath(path string, isDelete bool) error {
	cleaned := filepath.Clean(expandHome(path))
	resolved, err := filepath.EvalSymlinks(cleaned)
	if err != nil {
		// Path may not exist yet; fall back to the lexical form.
		resolved = cleaned
	}
	if !filepath.IsAbs(resolved) {
		abs, err := filepath.Abs(resolved)
		if err != nil {
			return fmt.Errorf("cannot resolve path %q", path)
		}
		resolved = abs
	}

	for _, dir := range blockedDirs {
		if resolved == dir || strings.HasPrefix(resolved, dir+string(filepath.Separator)) {
			return fmt.Errorf("path %q resolves under blocked directory %s", path, dir)
		}
	}

	if isDelete {
		if !underAny(resolved, g.TempRoots) && !underAny(resolved, g.DataRoots) {
			return fmt.Errorf("delete of %q outside declared data/temp roots", path)
		}
		return nil
	}
	if len(g.DataRoots) > 0 && !underAny(resolved, g.DataRoots) && !underAny(resolved, g.TempRoots) {
		return fmt.Errorf("path %q outside declared data roots", path)
	}
	return nil
}

func underAny(path string, roots []string) bool {
	for _, root := range roots {
		cleanRoot := filepath.Clean(root)
		if path == cleanRoot || strings.HasPrefix(path, cleanRoot+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
