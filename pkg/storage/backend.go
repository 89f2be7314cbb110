// Package storage decides which medium the log is written to and switches
// sessions when removable storage comes and goes.
package storage

import (
	"encoding/json"
	"fmt"
)

type Backend int

const (
	Fallback Backend = iota
	Removable
)

func (b Backend) String() string {
	switch b {
	case Removable:
		return "SD Card"
	case Fallback:
		return "Internal"
	default:
		return fmt.Sprintf("Backend(%d)", int(b))
	}
}

func (b Backend) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

// Roots maps each backend to the directory its log files live under.
type Roots struct {
	Removable string `json:"removable" yaml:"removable"`
	Fallback  string `json:"fallback" yaml:"fallback"`
}

func (r Roots) Root(b Backend) string {
	if b == Removable {
		return r.Removable
	}
	return r.Fallback
}
