// Package params loads the optional parameter-descriptor file used to
// annotate device-control payloads with human-readable names. The core never
// interprets payloads beyond reading the leading parameter ID for annotation.
package params

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
)

// Descriptor names one device parameter.
type Descriptor struct {
	PID         uint16 `json:"pid"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Store is an immutable parameter-descriptor lookup table.
type Store struct {
	byPID map[uint16]Descriptor
}

// Empty returns a store with no descriptors; every lookup misses.
func Empty() *Store {
	return &Store{byPID: make(map[uint16]Descriptor)}
}

// Load reads a JSON descriptor file: an array of {pid, name, description}.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("params: read %s: %w", path, err)
	}

	var descriptors []Descriptor
	if err := json.Unmarshal(data, &descriptors); err != nil {
		return nil, fmt.Errorf("params: parse %s: %w", path, err)
	}

	s := Empty()
	for _, d := range descriptors {
		s.byPID[d.PID] = d
	}
	return s, nil
}

// Len returns the number of loaded descriptors.
func (s *Store) Len() int {
	return len(s.byPID)
}

// Lookup returns the descriptor for pid.
func (s *Store) Lookup(pid uint16) (Descriptor, bool) {
	d, ok := s.byPID[pid]
	return d, ok
}

// Annotate returns the name for the parameter ID leading the payload, or ""
// when the payload is too short or the ID is unknown.
func (s *Store) Annotate(payload []byte) string {
	if len(payload) < 2 {
		return ""
	}
	pid := binary.BigEndian.Uint16(payload[0:2])
	if d, ok := s.byPID[pid]; ok {
		return d.Name
	}
	return ""
}
