// Package config is the adapter settings store: a typed key/value map backed
// by a YAML file. Keys are dotted ("ntrip_client.host") and map to one
// nesting level in the file:
//
//	ntrip_client:
//	  active: true
//	  host: caster.example.net
//	  port: 2101
//
// Absent keys read as their documented defaults (see keys.go).
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrUnknownKey = errors.New("unknown_key")
	ErrType       = errors.New("type_mismatch")
	ErrParse      = errors.New("parse")
)

// Store holds the current values. It is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	path    string
	values  map[string]any
	modTime time.Time
}

// NewMemory returns a store without a backing file; Commit is a no-op.
func NewMemory() *Store { return &Store{values: make(map[string]any)} }

// Open loads path. A missing file yields an empty store that Commit creates.
func Open(path string) (*Store, error) {
	s := &Store{path: path, values: make(map[string]any)}
	if _, err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the backing file path ("" for memory stores).
func (s *Store) Path() string { return s.path }

// Reload re-reads the backing file when its modification time changed and
// reports whether values were replaced. Uncommitted Sets are discarded when
// the file changed underneath them.
func (s *Store) Reload() (bool, error) {
	if s.path == "" {
		return false, nil
	}
	fi, err := os.Stat(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	s.mu.RLock()
	same := fi.ModTime().Equal(s.modTime)
	s.mu.RUnlock()
	if same {
		return false, nil
	}
	b, err := os.ReadFile(s.path)
	if err != nil {
		return false, err
	}
	var doc map[string]any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrParse, s.path, err)
	}
	values := make(map[string]any)
	flatten("", doc, values)
	s.mu.Lock()
	s.values = values
	s.modTime = fi.ModTime()
	s.mu.Unlock()
	return true, nil
}

func flatten(prefix string, in map[string]any, out map[string]any) {
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if m, ok := v.(map[string]any); ok {
			flatten(key, m, out)
			continue
		}
		out[key] = v
	}
}

// Set stores v for key after checking it against the key's type.
func (s *Store) Set(key string, v any) error {
	k, ok := lookup(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	if !k.accepts(v) {
		return fmt.Errorf("%w: %s wants %s, got %T", ErrType, key, k.Kind, v)
	}
	s.mu.Lock()
	s.values[key] = v
	s.mu.Unlock()
	return nil
}

// Update checks every entry of values, then sets and commits them together.
// Nothing is stored when any entry is rejected. Integral JSON numbers are
// accepted for int and color keys.
func (s *Store) Update(values map[string]any) error {
	checked := make(map[string]any, len(values))
	for key, v := range values {
		k, ok := lookup(key)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownKey, key)
		}
		if k.Kind == KindInt || k.Kind == KindColor {
			if n, ok := jsonInt(v); ok {
				v = n
			}
		}
		if !k.accepts(v) {
			return fmt.Errorf("%w: %s wants %s, got %T", ErrType, key, k.Kind, v)
		}
		checked[key] = v
	}
	s.mu.Lock()
	for key, v := range checked {
		s.values[key] = v
	}
	s.mu.Unlock()
	return s.Commit()
}

func jsonInt(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int64(n), true
	}
	return 0, false
}

// Values returns the effective value of every known key.
func (s *Store) Values() map[string]any {
	out := make(map[string]any, len(keyTable))
	for _, k := range keyTable {
		v, _ := s.raw(k.Name)
		out[k.Name] = v
	}
	return out
}

// Commit writes every value to the backing file (temp file + rename).
func (s *Store) Commit() error {
	if s.path == "" {
		return nil
	}
	s.mu.RLock()
	doc := make(map[string]map[string]any)
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		section, name, ok := strings.Cut(k, ".")
		if !ok {
			continue
		}
		if doc[section] == nil {
			doc[section] = make(map[string]any)
		}
		doc[section][name] = s.values[k]
	}
	s.mu.RUnlock()

	b, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".config-*.yaml")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return err
	}
	if fi, err := os.Stat(s.path); err == nil {
		s.mu.Lock()
		s.modTime = fi.ModTime()
		s.mu.Unlock()
	}
	return nil
}

func (s *Store) raw(key string) (any, bool) {
	s.mu.RLock()
	v, ok := s.values[key]
	s.mu.RUnlock()
	if ok {
		return v, true
	}
	if k, ok := lookup(key); ok {
		return k.Default, true
	}
	return nil, false
}

// GetString returns key as a string.
func (s *Store) GetString(key string) string {
	v, ok := s.raw(key)
	if !ok || v == nil {
		return ""
	}
	if str, ok := v.(string); ok {
		return str
	}
	return fmt.Sprint(v)
}

// GetInt returns key as an int; unparseable values read as the default.
func (s *Store) GetInt(key string) int {
	v, _ := s.raw(key)
	if n, ok := toInt(v); ok {
		return n
	}
	if k, ok := lookup(key); ok {
		n, _ := toInt(k.Default)
		return n
	}
	return 0
}

// GetBool returns key as a bool.
func (s *Store) GetBool(key string) bool {
	v, _ := s.raw(key)
	switch b := v.(type) {
	case bool:
		return b
	case string:
		p, err := strconv.ParseBool(b)
		return err == nil && p
	}
	if n, ok := toInt(v); ok {
		return n != 0
	}
	return false
}

// GetColor returns key as a 0xRRGGBBAA value.
func (s *Store) GetColor(key string) uint32 { return uint32(s.GetInt(key)) }

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case uint32:
		return int(n), true
	case float64:
		return int(n), true
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 0, 64)
		if err != nil {
			return 0, false
		}
		return int(i), true
	}
	return 0, false
}
