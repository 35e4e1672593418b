// Copyright (C) 2024 blocksync contributors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package state

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/blockforge/blocksync/pkg/log"
)

// storeStateFile is the on-disk (de)serialization shape of StoreState;
// States is a set, which yaml.v3 has no native representation for.
type storeStateFile struct {
	Current string   `yaml:"current,omitempty"`
	States  []string `yaml:"states"`
}

// StoreState records the set of States held in a store directory and a
// pointer to the most recently successful one.
type StoreState struct {
	path    string
	Current string
	States  map[string]struct{}
}

// OpenStoreDir opens store.yaml under storeDir, treating a missing file as
// an empty, first-run store.
func OpenStoreDir(storeDir string) (*StoreState, error) {
	return openStoreState(filepath.Join(storeDir, "store.yaml"))
}

func openStoreState(path string) (*StoreState, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warnf("no store state file found at %s - assuming first run", path)
			return &StoreState{path: path, States: map[string]struct{}{}}, nil
		}
		return nil, fmt.Errorf("state: opening store state file %s: %w", path, err)
	}

	var file storeStateFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("state: reading store state from %s: %w", path, err)
	}

	ss := &StoreState{
		path:    path,
		Current: file.Current,
		States:  make(map[string]struct{}, len(file.States)),
	}
	for _, name := range file.States {
		ss.States[name] = struct{}{}
	}
	if err := ss.validate(); err != nil {
		return nil, err
	}
	return ss, nil
}

// Path returns the store.yaml file path this StoreState was opened from.
func (ss *StoreState) Path() string { return ss.path }

func (ss *StoreState) validate() error {
	if ss.Current != "" {
		if _, ok := ss.States[ss.Current]; !ok {
			return fmt.Errorf("state: store's current state is set to unknown state %s", ss.Current)
		}
	}
	return nil
}

// Commit persists the store state atomically (write-to-temp, fsync,
// rename), matching the milestone-commit discipline used for State files.
func (ss *StoreState) Commit() error {
	if err := ss.validate(); err != nil {
		return err
	}

	file := storeStateFile{Current: ss.Current, States: make([]string, 0, len(ss.States))}
	for name := range ss.States {
		file.States = append(file.States, name)
	}

	return writeYAMLAtomic(ss.path, &file)
}
