package metaloop

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	cperrors "github.com/aaron031291/grace/internal/errors"
)

// Change captures one key's before and after values in a revision diff.
type Change struct {
	From any `json:"from"`
	To   any `json:"to"`
}

// ConfigRevision is a versioned, governed configuration change. Versions
// are wall-clock derived and monotonic; applied revisions stay on disk so
// they can be reverted later.
type ConfigRevision struct {
	Component          string            `json:"component"`
	Version            string            `json:"version"`
	Diff               map[string]Change `json:"diff"`
	Reason             string            `json:"reason"`
	ActionType         string            `json:"action_type"`
	ApprovedByDecision string            `json:"approved_by_decision"`
	AppliedAt          time.Time         `json:"applied_at"`
	RevertedAt         *time.Time        `json:"reverted_at,omitempty"`
}

// revisionVersion derives the monotonic version string from a timestamp.
func revisionVersion(at time.Time) string {
	return at.UTC().Format("v20060102.150405")
}

// RevisionStore keeps applied revisions as one JSON file per version.
type RevisionStore struct {
	dir string
}

// NewRevisionStore creates the revisions directory if needed.
func NewRevisionStore(dir string) (*RevisionStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, cperrors.Configuration("open_revisions", fmt.Errorf("create revisions directory: %w", err))
	}
	return &RevisionStore{dir: dir}, nil
}

func (rs *RevisionStore) path(version string) string {
	return filepath.Join(rs.dir, version+".json")
}

// Save persists a revision atomically.
func (rs *RevisionStore) Save(rev ConfigRevision) error {
	if rev.Version == "" || rev.Component == "" {
		return cperrors.Fatal("save_revision", "metaloop", fmt.Errorf("revision needs component and version"))
	}
	data, err := json.MarshalIndent(rev, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal revision: %w", err)
	}
	tmp := rs.path(rev.Version) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write revision: %w", err)
	}
	return os.Rename(tmp, rs.path(rev.Version))
}

// Get loads one revision by version.
func (rs *RevisionStore) Get(version string) (ConfigRevision, error) {
	data, err := os.ReadFile(rs.path(version))
	if err != nil {
		return ConfigRevision{}, err
	}
	var rev ConfigRevision
	if err := json.Unmarshal(data, &rev); err != nil {
		return ConfigRevision{}, cperrors.Integrity("read_revision", "metaloop", fmt.Errorf("revision %s: %w", version, err))
	}
	return rev, nil
}

// List returns all stored revisions ordered by version (oldest first).
func (rs *RevisionStore) List() ([]ConfigRevision, error) {
	entries, err := os.ReadDir(rs.dir)
	if err != nil {
		return nil, err
	}
	var out []ConfigRevision
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		rev, err := rs.Get(strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, err
		}
		out = append(out, rev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// ActiveFor reports whether a non-reverted revision already covers a diff
// key, so the loop does not re-propose the same change every tick.
func (rs *RevisionStore) ActiveFor(component, key string) (bool, error) {
	revs, err := rs.List()
	if err != nil {
		return false, err
	}
	for _, rev := range revs {
		if rev.Component != component || rev.RevertedAt != nil {
			continue
		}
		if _, ok := rev.Diff[key]; ok {
			return true, nil
		}
	}
	return false, nil
}

// MarkReverted stamps a revision and rewrites its file.
func (rs *RevisionStore) MarkReverted(version string, at time.Time) (ConfigRevision, error) {
	rev, err := rs.Get(version)
	if err != nil {
		return ConfigRevision{}, err
	}
	if rev.RevertedAt != nil {
		return ConfigRevision{}, cperrors.Fatal("revert_revision", "metaloop", fmt.Errorf("revision %s already reverted", version))
	}
	rev.RevertedAt = &at
	if err := rs.Save(rev); err != nil {
		return ConfigRevision{}, err
	}
	return rev, nil
}
