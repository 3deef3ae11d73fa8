// Package credentials resolves provider secrets from the environment and an
// optional dotenv file. Storage of the secrets is someone else's problem;
// the engine only sees a key-value lookup.
package credentials

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Lookup is the read-only view providers depend on.
type Lookup interface {
	Get(name string) (string, bool)
}

// Store reads the process environment first, then the dotenv file.
type Store struct {
	file map[string]string
	env  func(string) (string, bool)
}

// Load reads the dotenv file at path if it exists. A missing file is not an
// error.
func Load(path string) (*Store, error) {
	s := &Store{file: map[string]string{}, env: os.LookupEnv}
	if path == "" {
		return s, nil
	}
	vals, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	s.file = vals
	return s, nil
}

// FromMap builds a Store backed only by m. Used in tests and by callers that
// already hold their secrets.
func FromMap(m map[string]string) *Store {
	return &Store{file: m, env: func(string) (string, bool) { return "", false }}
}

// Get returns a non-empty value for name.
func (s *Store) Get(name string) (string, bool) {
	if v, ok := s.env(name); ok && v != "" {
		return v, true
	}
	v, ok := s.file[name]
	return v, ok && v != ""
}

// Keys collects every value for a family of names: the first of names that is
// set, followed by names[0]_1, names[0]_2, ... until a gap.
func Keys(l Lookup, names ...string) []string {
	if len(names) == 0 {
		return nil
	}
	var keys []string
	for _, n := range names {
		if v, ok := l.Get(n); ok {
			keys = append(keys, v)
			break
		}
	}
	for i := 1; ; i++ {
		v, ok := l.Get(names[0] + "_" + strconv.Itoa(i))
		if !ok {
			break
		}
		keys = append(keys, v)
	}
	return keys
}
