// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package utils provides utility functions for v2.
package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// MaxResultMarkdownBytes is the hard size cap on a submitted result's
// markdown content.
const MaxResultMarkdownBytes = 100 * 1024

// ValidateResultPath checks a TaskResult/WorkflowResult's markdown_path and
// content against the result file rules: no ".." traversal
// segments and a 100 KiB content cap. It does not touch the filesystem —
// submitted results are stored as content in the relational store, not
// read back off disk, so this only guards the path string itself.
func ValidateResultPath(path, content string) error {
	if path == "" {
		return fmt.Errorf("markdown_path is required")
	}
	clean := filepath.ToSlash(filepath.Clean(path))
	for _, seg := range strings.Split(clean, "/") {
		if seg == ".." {
			return fmt.Errorf("markdown_path must not contain '..' traversal segments: %q", path)
		}
	}
	if len(content) > MaxResultMarkdownBytes {
		return fmt.Errorf("markdown_content exceeds %d byte limit (got %d)", MaxResultMarkdownBytes, len(content))
	}
	return nil
}

// EnsureHephaestusDir ensures the .hephaestus directory exists at the given base path.
// If basePath is empty or ".", it creates ./.hephaestus in the current directory.
// Otherwise, it creates {basePath}/.hephaestus.
//
// This is used by various facilities that need to store data in .hephaestus:
// - Tasks database: ./.hephaestus/tasks.db
// - Document store index state: {sourcePath}/.hephaestus/index_state_*.json
// - Checkpoints: {sourcePath}/.hephaestus/checkpoints/
// - Vector stores: {sourcePath}/.hephaestus/vectors/
//
// Returns the full path to the .hephaestus directory and any error.
func EnsureHephaestusDir(basePath string) (string, error) {
	var hephaestusDir string
	if basePath == "" || basePath == "." {
		// Root-level .hephaestus directory (for tasks.db, etc.)
		hephaestusDir = ".hephaestus"
	} else {
		// Source-specific .hephaestus directory (for document stores, checkpoints)
		hephaestusDir = filepath.Join(basePath, ".hephaestus")
	}

	if err := os.MkdirAll(hephaestusDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create .hephaestus directory at '%s': %w", hephaestusDir, err)
	}

	return hephaestusDir, nil
}
