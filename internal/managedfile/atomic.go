// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package managedfile

import (
	"fmt"
	"os"
)

// writeFileAtomic writes to a sibling "<path>-tmp" file, fsyncs it, then
// renames it over path. A crash at any point before the rename leaves the
// original file (if any) untouched.
func writeFileAtomic(path string, write func(*os.File) error) error {
	tmpPath := path + "-tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating temp file %s: %w", tmpPath, err)
	}

	if err := write(f); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing temp file %s: %w", tmpPath, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file %s: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming %s to %s: %w", tmpPath, path, err)
	}

	return nil
}
