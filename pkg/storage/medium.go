package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ericogr/ina219-logger/pkg/errcode"
	"golang.org/x/sys/unix"
	"periph.io/x/conn/v3/gpio"
)

// Medium is the removable storage device.
type Medium interface {
	Present() bool
	Mount() error
	Root() string
}

// DirMedium treats a directory as the removable medium. Presence comes from
// a card-detect pin when one is wired, otherwise from the directory itself.
type DirMedium struct {
	root string
	// RequireMountPoint rejects a root that is a plain directory on the parent
	// filesystem, so an unmounted card does not fill the system disk.
	RequireMountPoint bool
	// Detect is the active-low card-detect input. Optional.
	Detect gpio.PinIn
}

func NewDirMedium(root string) *DirMedium {
	return &DirMedium{root: root}
}

func (m *DirMedium) Root() string { return m.root }

func (m *DirMedium) Present() bool {
	if m.Detect != nil {
		return m.Detect.Read() == gpio.Low
	}
	return m.usable() == nil
}

// Mount checks that the root is a usable directory. Mounting itself is left
// to the system.
func (m *DirMedium) Mount() error {
	if m.Detect != nil && m.Detect.Read() != gpio.Low {
		return errcode.New(errcode.StorageUnavailable, "storage.mount", fmt.Errorf("no card in slot"))
	}
	if err := m.usable(); err != nil {
		return errcode.New(errcode.StorageUnavailable, "storage.mount", err)
	}
	return nil
}

func (m *DirMedium) usable() error {
	fi, err := os.Stat(m.root)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("%s is not a directory", m.root)
	}
	if m.RequireMountPoint {
		ok, err := isMountPoint(m.root)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s is not a mount point", m.root)
		}
	}
	return nil
}

// isMountPoint reports whether dir lives on a different device than its
// parent.
func isMountPoint(dir string) (bool, error) {
	var st, parent unix.Stat_t
	if err := unix.Stat(dir, &st); err != nil {
		return false, err
	}
	if err := unix.Stat(filepath.Dir(filepath.Clean(dir)), &parent); err != nil {
		return false, err
	}
	return st.Dev != parent.Dev || st.Ino == parent.Ino, nil
}
