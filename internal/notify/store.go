package notify

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// RecordStore is the durable per-key list store backing every feed and
// receipt queue. A write replaces the whole list for that key and is
// atomic with respect to that key only; callers must read-merge-write,
// never persist a stale cached list. Concurrent writers racing on the
// same key follow last-write-wins.
type RecordStore interface {
	ReadList(key string) ([]json.RawMessage, error)
	WriteList(key string, records []json.RawMessage) error
	Keys() ([]string, error)
	Describe() string
	Close() error
}

type MemoryRecordStore struct {
	mu    sync.Mutex
	lists map[string][]json.RawMessage
}

func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{lists: map[string][]json.RawMessage{}}
}

func (s *MemoryRecordStore) ReadList(key string) ([]json.RawMessage, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneRawList(s.lists[key]), nil
}

func (s *MemoryRecordStore) WriteList(key string, records []json.RawMessage) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists[key] = cloneRawList(records)
	return nil
}

func (s *MemoryRecordStore) Keys() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.lists))
	for key := range s.lists {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryRecordStore) Describe() string {
	return "memory"
}

func (s *MemoryRecordStore) Close() error {
	return nil
}

// JSONFileRecordStore keeps every list in one JSON document and rewrites
// it atomically (tmp file + rename). Reads always go back to disk so
// that other processes sharing the file observe the latest persisted
// state rather than a cached copy.
type JSONFileRecordStore struct {
	Path string
	mu   sync.Mutex
}

type jsonFileDocument struct {
	Lists map[string][]json.RawMessage `json:"lists"`
}

func NewJSONFileRecordStore(path string) (*JSONFileRecordStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &JSONFileRecordStore{Path: path}, nil
}

func (s *JSONFileRecordStore) ReadList(key string) ([]json.RawMessage, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	return cloneRawList(doc.Lists[key]), nil
}

func (s *JSONFileRecordStore) WriteList(key string, records []json.RawMessage) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.loadLocked()
	if err != nil {
		return err
	}
	doc.Lists[key] = cloneRawList(records)
	return s.saveLocked(doc)
}

func (s *JSONFileRecordStore) Keys() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(doc.Lists))
	for key := range doc.Lists {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *JSONFileRecordStore) Describe() string {
	return "file:" + s.Path
}

func (s *JSONFileRecordStore) Close() error {
	return nil
}

func (s *JSONFileRecordStore) loadLocked() (jsonFileDocument, error) {
	doc := jsonFileDocument{Lists: map[string][]json.RawMessage{}}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return doc, nil
		}
		return doc, err
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return jsonFileDocument{Lists: map[string][]json.RawMessage{}}, err
	}
	if doc.Lists == nil {
		doc.Lists = map[string][]json.RawMessage{}
	}
	return doc, nil
}

func (s *JSONFileRecordStore) saveLocked(doc jsonFileDocument) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.Path)
}

func cloneRawList(records []json.RawMessage) []json.RawMessage {
	if records == nil {
		return nil
	}
	out := make([]json.RawMessage, len(records))
	for i, record := range records {
		out[i] = append(json.RawMessage(nil), record...)
	}
	return out
}
