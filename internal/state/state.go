// Copyright (C) 2024 blocksync contributors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package state implements the backup chain's persisted metadata: the
// per-attempt State record, its parent-chain loading and validation, and
// the store-level StoreState pointer used to resolve an implicit parent.
package state

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Health is a State's lifecycle milestone.
type Health string

const (
	Setup     Health = "Setup"
	Partial   Health = "Partial"
	Finishing Health = "Finishing"
	Success   Health = "Success"
	Failure   Health = "Failure"
)

// StoragePolicy governs how aggressively a job's storage and checksum
// layers are populated.
type StoragePolicy string

const (
	Full        StoragePolicy = "Full"
	Incremental StoragePolicy = "Incremental"
	Volatile    StoragePolicy = "Volatile"
)

// StorageConfig names a job's on-disk backend and the policy it's
// operated under.
type StorageConfig struct {
	Format        string        `json:"format" yaml:"format"` // "raw", "sparse", or "null"
	Destination   string        `json:"destination" yaml:"destination"`
	StoragePolicy StoragePolicy `json:"storage_policy" yaml:"storage_policy"`
	SaveIndex     bool          `json:"save_index,omitempty" yaml:"save_index,omitempty"`
	AppendOnly    bool          `json:"append_only,omitempty" yaml:"append_only,omitempty"`
	Optimize      bool          `json:"optimize,omitempty" yaml:"optimize,omitempty"`
}

// ChecksumConfig names a job's checksum ledger destination and algorithm.
type ChecksumConfig struct {
	Destination   string        `json:"destination" yaml:"destination"`
	Algorithm     string        `json:"algorithm" yaml:"algorithm"`
	Size          int           `json:"size" yaml:"size"`
	StoragePolicy StoragePolicy `json:"storage_policy" yaml:"storage_policy"`
	Trust         bool          `json:"trust" yaml:"trust"`
}

// Job describes one source device's backup configuration within a State.
type Job struct {
	Source      string          `json:"source" yaml:"source"`
	ChunkSize   int             `json:"chunk_size" yaml:"chunk_size"`
	ReuseOutput bool            `json:"reuse_output,omitempty" yaml:"reuse_output"`
	Storage     StorageConfig   `json:"storage" yaml:"storage"`
	Checksum    *ChecksumConfig `json:"checksum,omitempty" yaml:"checksum,omitempty"`
}

// Equal reports whether two jobs are configured identically, the
// comparison required by parent-chain compatibility checks.
func (j Job) Equal(o Job) bool {
	if j.Source != o.Source || j.ChunkSize != o.ChunkSize || j.Storage != o.Storage {
		return false
	}
	if (j.Checksum == nil) != (o.Checksum == nil) {
		return false
	}
	if j.Checksum != nil && *j.Checksum != *o.Checksum {
		return false
	}
	return true
}

// State captures a single backup attempt: its identity, lifecycle, and
// the ordered job list it was invoked with.
type State struct {
	Name        string     `json:"name" yaml:"name"`
	ParentPath  string     `json:"parent_path,omitempty" yaml:"parent_path,omitempty"`
	Started     *time.Time `json:"started,omitempty" yaml:"started,omitempty"`
	Finished    *time.Time `json:"finished,omitempty" yaml:"finished,omitempty"`
	Updated     time.Time  `json:"updated" yaml:"updated"`
	Health      Health     `json:"health" yaml:"health"`
	Description string     `json:"description" yaml:"description"`
	Jobs        []Job      `json:"jobs" yaml:"jobs"`

	storePath string
	path      string
	parent    *State
}

// New creates a fresh State in the Setup milestone for manifest, resolving
// an implicit parent from the store's current pointer when the manifest
// doesn't name one explicitly. If storePath is non-empty, a backup
// directory for this state's name is created immediately.
func New(storePath, explicitStatePath, explicitParentPath string, jobs []Job) (*State, error) {
	now := time.Now()
	name := now.Format("20060102_150405")

	if explicitStatePath != "" && storePath != "" {
		return nil, fmt.Errorf("state: cannot specify a state path when using a store")
	}

	var path string
	switch {
	case explicitStatePath != "":
		path = explicitStatePath
	case storePath != "":
		path = filepath.Join(storePath, name, "state.yaml")
	}

	st := &State{
		Name:        name,
		Started:     &now,
		Updated:     now,
		Health:      Setup,
		Description: "This backup is in the setup phase. No data has been processed.",
		Jobs:        jobs,
		storePath:   storePath,
		path:        path,
	}

	if err := st.validate(); err != nil {
		return nil, err
	}

	parentPath := explicitParentPath
	if parentPath == "" && storePath != "" {
		storeState, err := OpenStoreDir(storePath)
		if err != nil {
			return nil, err
		}
		if storeState.Current != "" {
			parentPath = filepath.Join(storeState.Current, "state.yaml")
		}
	}

	if parentPath != "" {
		seen := map[string]struct{}{}
		if explicitStatePath != "" {
			seen[explicitStatePath] = struct{}{}
		}
		parent, err := fromFileRecursive(storePath, parentPath, seen)
		if err != nil {
			return nil, err
		}
		st.ParentPath = parentPath
		st.parent = parent
	}

	if storePath != "" {
		baseStoredPath := filepath.Join(storePath, name)
		if _, err := os.Stat(baseStoredPath); err == nil {
			return nil, fmt.Errorf("state: a file or directory already exists at path %s", baseStoredPath)
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("state: checking backup directory %s: %w", baseStoredPath, err)
		}
		if err := os.Mkdir(baseStoredPath, 0o755); err != nil {
			return nil, fmt.Errorf("state: creating backup directory %s: %w", baseStoredPath, err)
		}
	}

	return st, nil
}

// Commit persists the state to its file (if any) and, on Success, records
// it as the store's current state.
func (s *State) Commit() error {
	s.Updated = time.Now()

	if s.path != "" {
		if err := writeYAMLAtomic(s.path, s); err != nil {
			return fmt.Errorf("state: committing %s: %w", s.path, err)
		}
	}

	if s.Health == Success && s.storePath != "" {
		storeState, err := OpenStoreDir(s.storePath)
		if err != nil {
			return err
		}
		storeState.States[s.Name] = struct{}{}
		storeState.Current = s.Name
		if err := storeState.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// Milestone updates health/description and commits the result.
func (s *State) Milestone(health Health, description string) error {
	s.Health = health
	s.Description = description
	return s.Commit()
}

// MarkFinished stamps the Finished timestamp.
func (s *State) MarkFinished() {
	now := time.Now()
	s.Finished = &now
}

// FromFile loads a State (and its whole parent chain) from path.
func FromFile(storePath, path string) (*State, error) {
	return fromFileRecursive(storePath, path, map[string]struct{}{})
}

func fromFileRecursive(storePath, path string, seen map[string]struct{}) (*State, error) {
	if _, ok := seen[path]; ok {
		return nil, fmt.Errorf("state: cyclic dependency detected, %s seen more than once", path)
	}
	seen[path] = struct{}{}

	fullPath := path
	if storePath != "" {
		fullPath = filepath.Join(storePath, path)
	}

	raw, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, fmt.Errorf("state: opening state file %s: %w", fullPath, err)
	}
	var st State
	if err := yaml.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("state: reading state from %s: %w", fullPath, err)
	}
	st.path = fullPath
	st.storePath = storePath

	if err := st.validate(); err != nil {
		return nil, err
	}

	if st.ParentPath != "" {
		parent, err := fromFileRecursive(storePath, st.ParentPath, seen)
		if err != nil {
			return nil, err
		}
		if err := st.checkParent(parent); err != nil {
			return nil, err
		}
		st.parent = parent
	}

	return &st, nil
}

func (s *State) sourcesToJobs() map[string]*Job {
	m := make(map[string]*Job, len(s.Jobs))
	for i := range s.Jobs {
		m[s.Jobs[i].Source] = &s.Jobs[i]
	}
	return m
}

// SourceToJob returns the job configured for source, panicking if absent:
// callers only ask about sources they themselves configured.
func (s *State) SourceToJob(source string) *Job {
	for i := range s.Jobs {
		if s.Jobs[i].Source == source {
			return &s.Jobs[i]
		}
	}
	panic(fmt.Sprintf("state: job with source %s not found", source))
}

// History returns every ancestor state, oldest first, excluding s itself.
func (s *State) History() []*State {
	if s.parent == nil {
		return nil
	}
	return append(s.parent.History(), s.parent)
}

// Parent returns s's immediate parent, or nil if s has none.
func (s *State) Parent() *State { return s.parent }

// GetName reports the state's unique identifier.
func (s *State) GetName() string { return s.Name }

// StoredPath resolves relPath against the state's storage directory, or
// returns it unchanged if the state has no store.
func (s *State) StoredPath(relPath string) string {
	if s.storePath == "" {
		return relPath
	}
	return filepath.Join(s.storePath, s.Name, relPath)
}

func (s *State) validate() error {
	sources := map[string]struct{}{}
	destinations := map[string]struct{}{}
	for _, job := range s.Jobs {
		if _, ok := sources[job.Source]; ok {
			return fmt.Errorf("state: backup contains duplicate source %s", job.Source)
		}
		sources[job.Source] = struct{}{}
		if _, ok := destinations[job.Storage.Destination]; ok {
			return fmt.Errorf("state: backup contains duplicate destination %s", job.Storage.Destination)
		}
		destinations[job.Storage.Destination] = struct{}{}
	}
	return nil
}

func (s *State) checkParent(parent *State) error {
	if parent.Health != Success {
		return fmt.Errorf("state: %s does not represent a successful backup", parent.path)
	}
	parentJobs := parent.sourcesToJobs()
	for _, job := range s.Jobs {
		parentJob, ok := parentJobs[job.Source]
		if !ok {
			return fmt.Errorf("state: %s does not contain source %s", parent.path, job.Source)
		}
		if parentJob.ChunkSize != job.ChunkSize {
			return fmt.Errorf("state: %s has incompatible chunk size %d", parent.path, parentJob.ChunkSize)
		}
	}
	if len(s.Jobs) != len(parent.Jobs) {
		return fmt.Errorf("state: %s and %s are incompatible as their job lists do not match", s.path, parent.path)
	}
	for i := range s.Jobs {
		if !s.Jobs[i].Equal(parent.Jobs[i]) {
			return fmt.Errorf("state: %s and %s are incompatible as their job lists do not match", s.path, parent.path)
		}
	}
	return nil
}

func writeYAMLAtomic(path string, v interface{}) error {
	tmpPath := path + ".new"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("opening %s for commit: %w", tmpPath, err)
	}
	enc := yaml.NewEncoder(f)
	if err := enc.Encode(v); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("encoding %s: %w", tmpPath, err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing %s: %w", tmpPath, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming %s to %s: %w", tmpPath, path, err)
	}
	return nil
}
