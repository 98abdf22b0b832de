package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"sort"
	"sync"
)

// JSONLStore stores entries in a single JSONL file.
type JSONLStore struct {
	path string
	mu   sync.Mutex
}

func NewJSONLStore(path string) (*JSONLStore, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if cerr := f.Close(); cerr != nil {
		return nil, cerr
	}
	return &JSONLStore{path: path}, nil
}

func (s *JSONLStore) Append(ctx context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	return json.NewEncoder(f).Encode(e)
}

func (s *JSONLStore) Query(ctx context.Context, q Query) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	res, err := scan(f, q)
	if err != nil {
		return nil, err
	}
	return q.tail(res), nil
}

func (s *JSONLStore) Close() error { return nil }

// scan decodes matching lines from r. Malformed lines are skipped.
func scan(r io.Reader, q Query) ([]Entry, error) {
	var res []Entry
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		if q.Match(e) {
			res = append(res, e)
		}
	}
	return res, scanner.Err()
}

func sortByTime(in []Entry) {
	sort.SliceStable(in, func(i, j int) bool { return in[i].Timestamp.Before(in[j].Timestamp) })
}
