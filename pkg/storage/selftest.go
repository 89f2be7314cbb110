package storage

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
)

var selfTestFiles = []struct {
	name string
	data []byte
}{
	{"test.txt", []byte("Hello from ina219-logger!\n")},
	{"test_log.csv", []byte("timestamp,value\n1,2.500000\n")},
}

// SelfTest writes, reads back and removes a couple of probe files in root.
func SelfTest(root string) error {
	for _, f := range selfTestFiles {
		p := filepath.Join(root, f.name)
		if err := os.WriteFile(p, f.data, 0o644); err != nil {
			return fmt.Errorf("self test write %s: %w", f.name, err)
		}
		got, err := os.ReadFile(p)
		os.Remove(p)
		if err != nil {
			return fmt.Errorf("self test read %s: %w", f.name, err)
		}
		if !bytes.Equal(got, f.data) {
			return fmt.Errorf("self test %s: read back %d bytes, wrote %d", f.name, len(got), len(f.data))
		}
	}
	return nil
}
