package backup

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"stackops/internal/errors"
	"stackops/internal/integrity"
)

// ManifestFileName is the manifest's location inside a bundle
const ManifestFileName = "manifest.json"

// ComponentKind identifies one stateful component of the stack
type ComponentKind string

const (
	ComponentDatabase ComponentKind = "database"
	ComponentCache    ComponentKind = "cache"
	ComponentCode     ComponentKind = "code"
	ComponentConfig   ComponentKind = "config"
	ComponentLogs     ComponentKind = "logs"
	ComponentUserData ComponentKind = "userdata"
)

// AllComponents returns every component kind in canonical order
func AllComponents() []ComponentKind {
	return []ComponentKind{
		ComponentDatabase,
		ComponentCache,
		ComponentCode,
		ComponentConfig,
		ComponentLogs,
		ComponentUserData,
	}
}

// ParseComponentKind validates a user-supplied component name
func ParseComponentKind(s string) (ComponentKind, error) {
	for _, kind := range AllComponents() {
		if string(kind) == s {
			return kind, nil
		}
	}
	return "", errors.NewValidationError(
		fmt.Sprintf("unknown component %q: must be one of database, cache, code, config, logs, userdata", s), nil)
}

// Mode selects how much the backup captures
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

// ComponentMeta records how one component was captured
type ComponentMeta struct {
	Included bool   `json:"included"`
	Mode     string `json:"mode,omitempty"`
	Source   string `json:"source,omitempty"`
	Note     string `json:"note,omitempty"`
}

// FileRecord is one checksummed artifact inside a bundle
type FileRecord struct {
	Path      string        `json:"path"`
	Component ComponentKind `json:"component"`
	Size      int64         `json:"size"`
	Checksum  string        `json:"checksum"`
}

// Manifest describes a backup bundle. It is written once at the end
// of a successful run and never mutated afterwards; restores read it
// and verify every record before touching live state.
type Manifest struct {
	BackupName       string                          `json:"backup_name"`
	Timestamp        time.Time                       `json:"timestamp"`
	Version          string                          `json:"version"`
	Mode             Mode                            `json:"mode"`
	Since            *time.Time                      `json:"since,omitempty"`
	RetentionDays    int                             `json:"retention_days"`
	CompressionLevel int                             `json:"compression_level"`
	Components       map[ComponentKind]ComponentMeta `json:"components"`
	Files            []FileRecord                    `json:"files"`
}

// NewManifest creates an empty manifest for a backup run
func NewManifest(name, version string, mode Mode, retentionDays, compressionLevel int) *Manifest {
	return &Manifest{
		BackupName:       name,
		Timestamp:        time.Now().UTC(),
		Version:          version,
		Mode:             mode,
		RetentionDays:    retentionDays,
		CompressionLevel: compressionLevel,
		Components:       make(map[ComponentKind]ComponentMeta),
	}
}

// AddFile records a checksummed artifact for a component
func (m *Manifest) AddFile(kind ComponentKind, relPath string, size int64, checksum string) {
	m.Files = append(m.Files, FileRecord{
		Path:      relPath,
		Component: kind,
		Size:      size,
		Checksum:  checksum,
	})
}

// MarkIncluded records a successfully captured component
func (m *Manifest) MarkIncluded(kind ComponentKind, mode, source string) {
	m.Components[kind] = ComponentMeta{Included: true, Mode: mode, Source: source}
}

// MarkExcluded records a component left out of the bundle and why
func (m *Manifest) MarkExcluded(kind ComponentKind, note string) {
	m.Components[kind] = ComponentMeta{Included: false, Note: note}
}

// Included reports whether a component was captured
func (m *Manifest) Included(kind ComponentKind) bool {
	meta, ok := m.Components[kind]
	return ok && meta.Included
}

// FilesFor returns the artifacts recorded for one component
func (m *Manifest) FilesFor(kind ComponentKind) []FileRecord {
	var out []FileRecord
	for _, f := range m.Files {
		if f.Component == kind {
			out = append(out, f)
		}
	}
	return out
}

// Validate checks structural validity. A manifest with zero
// verifiable records describes nothing restorable and is rejected.
func (m *Manifest) Validate() error {
	if m.BackupName == "" {
		return errors.NewValidationError("manifest has no backup name", nil)
	}
	if len(m.Files) == 0 {
		return errors.NewIntegrityError(
			fmt.Sprintf("manifest %s lists no verifiable artifacts", m.BackupName), nil)
	}
	for _, f := range m.Files {
		if f.Checksum == "" {
			return errors.NewIntegrityError(
				fmt.Sprintf("artifact %s has no checksum", f.Path), nil)
		}
	}
	return nil
}

// VerifyAgainst checks every recorded checksum against the artifacts
// under bundleDir. Any mismatch or missing artifact is an integrity
// failure; callers abort before mutating live state.
func (m *Manifest) VerifyAgainst(bundleDir string) error {
	if err := m.Validate(); err != nil {
		return err
	}
	for _, f := range m.Files {
		path := filepath.Join(bundleDir, f.Path)
		info, err := os.Stat(path)
		if err != nil {
			return errors.NewIntegrityError(
				fmt.Sprintf("artifact %s listed in manifest is missing", f.Path), err)
		}
		if info.Size() != f.Size {
			return errors.NewIntegrityError(
				fmt.Sprintf("artifact %s size changed: manifest records %d bytes, found %d", f.Path, f.Size, info.Size()), nil)
		}
		actual, err := integrity.FileChecksum(path)
		if err != nil {
			return errors.NewIntegrityError(
				fmt.Sprintf("cannot checksum artifact %s", f.Path), err)
		}
		if actual != f.Checksum {
			return errors.NewIntegrityError(
				fmt.Sprintf("checksum mismatch for %s", f.Path), nil).
				WithContext("expected", f.Checksum).
				WithContext("actual", actual)
		}
	}
	return nil
}

// WriteTo persists the manifest as indented JSON
func (m *Manifest) WriteTo(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.NewStorageError(fmt.Sprintf("failed to write manifest %s", path), err)
	}
	return nil
}

// LoadManifest reads a manifest from disk
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewStorageError(fmt.Sprintf("cannot read manifest %s", path), err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.NewIntegrityError(fmt.Sprintf("manifest %s is not valid JSON", path), err)
	}
	return &m, nil
}
