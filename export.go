package main

// SPDX-License-Identifier: GPL-3.0-only

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// exportedShoot adds the rendition list, which Shoot keeps private to its
// set type.
type exportedShoot struct {
	*Shoot
	Renditions []Rendition `json:"renditions"`
}

// ExportShoots writes every shoot as an indented JSON array, ordered by ID.
//
// Parameters:
//   - path: Destination file
//   - shoots: Shoots to export
//
// Returns:
//   - error: A *WriteError on failure
func ExportShoots(path string, shoots []*Shoot) error {
	sorted := slices.Clone(shoots)
	slices.SortStableFunc(sorted, func(a, b *Shoot) int {
		if len(a.ID) != len(b.ID) {
			return len(a.ID) - len(b.ID)
		}
		return strings.Compare(a.ID, b.ID)
	})

	out := make([]exportedShoot, 0, len(sorted))
	for _, s := range sorted {
		out = append(out, exportedShoot{Shoot: s, Renditions: s.Renditions.All()})
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return &WriteError{Path: path, Err: fmt.Errorf("failed to encode shoots: %w", err)}
	}
	data = append(data, '\n')

	path = filepath.Clean(path)
	if dir := filepath.Dir(path); dir != "." {
		err = os.MkdirAll(dir, downloadDirPermissions)
		if err != nil {
			return &WriteError{Path: path, Err: fmt.Errorf("failed to create export directory: %w", err)}
		}
	}

	err = writeFileAtomic(path, data)
	if err != nil {
		return &WriteError{Path: path, Err: err}
	}
	return nil
}
