// file.go - File helpers.
// Copyright (C) 2026  The dirauth developers.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package utils provides small filesystem helpers.
package utils

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// BothExists returns true iff both files exist.
func BothExists(a, b string) bool {
	return Exists(a) && Exists(b)
}

// BothNotExists returns true iff neither file exists.
func BothNotExists(a, b string) bool {
	return !Exists(a) && !Exists(b)
}

// Exists returns true iff f exists.  Errors other than non-existence panic.
func Exists(f string) bool {
	_, err := os.Stat(f)
	switch {
	case err == nil:
		return true
	case errors.Is(err, os.ErrNotExist):
		return false
	default:
		panic(err)
	}
}

// WriteFileAtomic writes b to a temporary file next to f and renames it
// into place, so readers never observe a partial file.
func WriteFileAtomic(f string, b []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(f), "."+filepath.Base(f)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err = tmp.Write(b); err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(tmpName, perm)
	}
	if err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("utils: failed to write %v: %w", f, err)
	}
	return os.Rename(tmpName, f)
}
