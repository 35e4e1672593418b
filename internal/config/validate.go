// Copyright (C) 2024 blocksync contributors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/blockforge/blocksync/internal/manage"
)

//go:embed manifest.schema.json
var schemaFiles embed.FS

func loadEmbedded(s string) (io.ReadCloser, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	// "embedfs://manifest.schema.json" parses with the file name as Host.
	return schemaFiles.Open(u.Host + u.Path)
}

func init() {
	// url.Parse lowercases the scheme, so the key must be lowercase too.
	jsonschema.Loaders["embedfs"] = loadEmbedded
}

// ValidateManifest checks raw JSON against the manifest schema, the
// concrete realization of "configuration errors reject at construction,
// before any I/O side effect."
func ValidateManifest(raw []byte) error {
	s, err := jsonschema.Compile("embedfs://manifest.schema.json")
	if err != nil {
		return fmt.Errorf("config: compiling manifest schema: %w", err)
	}

	var v interface{}
	if err := json.NewDecoder(bytes.NewReader(raw)).Decode(&v); err != nil {
		return fmt.Errorf("config: decoding manifest for validation: %w", err)
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("config: manifest failed validation: %w", err)
	}
	return nil
}

// LoadManifest reads, schema-validates, and decodes a Manifest from a JSON
// file at path. Validation always runs before the fields are trusted, so a
// malformed manifest never reaches a device or storage backend.
func LoadManifest(path string) (*manage.Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading manifest %s: %w", path, err)
	}
	if err := ValidateManifest(raw); err != nil {
		return nil, err
	}

	var m manage.Manifest
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("config: decoding manifest %s: %w", path, err)
	}
	return &m, nil
}
