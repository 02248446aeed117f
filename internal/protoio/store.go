package protoio

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"

	"kannader.org/kannader/internal/safeio"
)

// Store is a generic, ID-keyed directory-of-files store: one file per ID,
// named "s:<id>", encoding the value as JSON. It plays the role the
// original prototext-per-ID layout did, without requiring a protoc
// codegen step for every value type that wants persisting this way.
//
// Grounded on the queue's own glob-and-load idiom (one named file per
// entry, directory listing to discover them all).
type Store struct {
	dir string
}

// NewStore opens a Store rooted at dir, creating it if necessary.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, "s:"+id)
}

// ListIDs returns the IDs of every value currently in the store.
func (s *Store) ListIDs() ([]string, error) {
	entries, err := ioutil.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, e := range entries {
		name := e.Name()
		if len(name) > 2 && name[:2] == "s:" {
			ids = append(ids, name[2:])
		}
	}
	return ids, nil
}

// Get loads the value stored under id into v. Returns false (with no
// error) if no such ID exists.
func (s *Store) Get(id string, v interface{}) (bool, error) {
	raw, err := ioutil.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, err
	}
	return true, nil
}

// Put writes v under id, atomically.
func (s *Store) Put(id string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return safeio.WriteFile(s.path(id), raw, 0600)
}

// Remove deletes the value stored under id, if any.
func (s *Store) Remove(id string) error {
	err := os.Remove(s.path(id))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}
