package datastore

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// JSONStore persists a single JSON document (the scheduler's job table, the
// rollback supervisor's boot-loop counter) under one name in a DirStore.
type JSONStore struct {
	dir  *DirStore
	name string
}

func NewJSONStore(dir *DirStore, name string) *JSONStore {
	return &JSONStore{dir: dir, name: name}
}

// Load unmarshals the persisted document into v. A missing file is not an
// error: v is left untouched, leaving the caller's zero-value default in
// place, matching the scheduler's and rollback supervisor's first-boot
// behavior.
func (s *JSONStore) Load(v interface{}) error {
	data, err := s.dir.ReadAll(s.name)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "datastore: loading %s", s.name)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrapf(err, "datastore: decoding %s", s.name)
	}
	return nil
}

// Save atomically replaces the persisted document with v, indented for
// operator-readability when inspected on a live node.
func (s *JSONStore) Save(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "datastore: encoding %s", s.name)
	}
	return s.dir.WriteAll(s.name, data)
}
