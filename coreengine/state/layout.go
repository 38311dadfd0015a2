package state

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/guardkit/agentbridge/coreengine/envelope"
)

// RuntimeDirEnv overrides the runtime root when set.
const RuntimeDirEnv = "AGENTBRIDGE_RUNTIME_DIR"

// StateFileName is the snapshot file inside a run directory.
const StateFileName = "state.json"

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateKey checks that key is safe to use as a directory name.
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return NewInvalidKeyError(key)
	}
	return nil
}

// DefaultRoot returns the runtime root used when none is configured:
// $AGENTBRIDGE_RUNTIME_DIR, then $XDG_STATE_HOME/agentbridge, then
// ~/.local/state/agentbridge. It never depends on the working directory.
func DefaultRoot() (string, error) {
	if dir := os.Getenv(RuntimeDirEnv); dir != "" {
		return filepath.Abs(dir)
	}
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" && filepath.IsAbs(xdg) {
		return filepath.Join(xdg, "agentbridge"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".local", "state", "agentbridge"), nil
}

// Layout maps run keys to paths under a runtime root.
type Layout struct {
	Root string
}

// NewLayout returns a Layout rooted at root, or at DefaultRoot when root is empty.
func NewLayout(root string) (Layout, error) {
	if root == "" {
		def, err := DefaultRoot()
		if err != nil {
			return Layout{}, err
		}
		return Layout{Root: def}, nil
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return Layout{}, fmt.Errorf("resolve runtime dir %q: %w", root, err)
	}
	return Layout{Root: abs}, nil
}

// RunDir is the directory holding everything for key.
func (l Layout) RunDir(key string) string {
	return filepath.Join(l.Root, key)
}

// StatePath is the snapshot path for key.
func (l Layout) StatePath(key string) string {
	return filepath.Join(l.RunDir(key), StateFileName)
}

// RequestPath is the request envelope path for a phase of key.
func (l Layout) RequestPath(key string, phase int) string {
	return filepath.Join(l.RunDir(key), envelope.RequestFileName(phase))
}

// ResponsePath is the response envelope path for a phase of key.
func (l Layout) ResponsePath(key string, phase int) string {
	return filepath.Join(l.RunDir(key), envelope.ResponseFileName(phase))
}

// ReceiptPath is where a consumed success response for a phase of key is
// kept until the phase commits.
func (l Layout) ReceiptPath(key string, phase int) string {
	return filepath.Join(l.RunDir(key), envelope.ReceiptFileName(phase))
}

// EnvelopeFiles lists the request, response and receipt files present for
// key, sorted by name.
func (l Layout) EnvelopeFiles(key string) ([]string, error) {
	var out []string
	for _, pattern := range []string{".agent-request-phase*.json", ".agent-response-phase*.json"} {
		matches, err := filepath.Glob(filepath.Join(l.RunDir(key), pattern))
		if err != nil {
			return nil, fmt.Errorf("glob envelope files: %w", err)
		}
		out = append(out, matches...)
	}
	sort.Strings(out)
	return out, nil
}

// PhaseOf extracts the phase index from an envelope file name.
func PhaseOf(path string) (int, bool) {
	base := filepath.Base(path)
	for _, prefix := range []string{".agent-request-phase", ".agent-response-phase"} {
		if rest, ok := strings.CutPrefix(base, prefix); ok {
			rest = strings.TrimSuffix(strings.TrimSuffix(rest, ".json"), ".consumed")
			n, err := strconv.Atoi(rest)
			return n, err == nil
		}
	}
	return 0, false
}

// Keys lists the run keys that have a directory under the root.
func (l Layout) Keys() ([]string, error) {
	entries, err := os.ReadDir(l.Root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list runtime dir: %w", err)
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() && keyPattern.MatchString(e.Name()) {
			keys = append(keys, e.Name())
		}
	}
	return keys, nil
}
