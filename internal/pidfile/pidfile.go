// Package pidfile creates and owns a pid file. The file is created
// exclusively, so a second supervisor instance fails fast, and it is only
// removed by the process that owns it.
package pidfile

import (
	"fmt"
	"os"
	"strconv"
)

// File is a created pid file.
type File struct {
	path  string
	owner bool
}

// Create writes the current pid into a freshly created file. It fails when
// the file already exists.
func Create(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating pid file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(strconv.Itoa(os.Getpid()) + "\n"); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("writing pid file: %w", err)
	}
	return &File{path: path, owner: true}, nil
}

// Update rewrites the file with the current pid and takes ownership of it
// again.
func (f *File) Update() error {
	if err := os.WriteFile(f.path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return fmt.Errorf("updating pid file: %w", err)
	}
	f.owner = true
	return nil
}

// Release gives up ownership without removing the file, so a later Remove
// leaves it in place.
func (f *File) Release() {
	f.owner = false
}

// Remove deletes the pid file, but only when this process still owns it.
func (f *File) Remove() {
	if !f.owner {
		return
	}
	f.owner = false
	_ = os.Remove(f.path)
}
