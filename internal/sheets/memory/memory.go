package memory

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"ledgerbot/internal/core"
)

// Calls counts store invocations by method.
type Calls struct {
	ReadAll int
	Append  int
	Update  int
}

// Store keeps transactions in process memory. It backs the memory data
// backend and doubles as a store with scripted failures for tests.
type Store struct {
	mu     sync.Mutex
	cats   []string
	rows   map[int64]core.Transaction
	faults []error
	calls  Calls
}

func New(cats []string) *Store {
	return &Store{cats: dedupe(cats), rows: make(map[int64]core.Transaction)}
}

// NewFromFiles seeds the category list from base/seed_categories.txt.
func NewFromFiles(base string) *Store {
	cats := readLines(filepath.Join(base, "seed_categories.txt"))
	if len(cats) == 0 {
		cats = core.DefaultCategories()
	}
	return New(cats)
}

// Seed stores rows directly, bypassing fault injection and call counting.
func (s *Store) Seed(txns ...core.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range txns {
		s.rows[t.ID] = t
	}
}

// FailNext makes the next n calls, of any method, return err.
func (s *Store) FailNext(err error, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.faults = append(s.faults, err)
	}
}

func (s *Store) Calls() Calls {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Rows returns the stored rows ordered by id.
func (s *Store) Rows() []core.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sorted()
}

func (s *Store) ReadAll(ctx context.Context) ([]core.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.ReadAll++
	if err := s.fault(ctx); err != nil {
		return nil, err
	}
	return s.sorted(), nil
}

// Append inserts t. Re-appending the same entry overwrites it; a different
// transaction under the same id fails with core.ErrConflict.
func (s *Store) Append(ctx context.Context, t core.Transaction) (int64, error) {
	if err := t.Validate(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Append++
	if err := s.fault(ctx); err != nil {
		return 0, err
	}
	if prev, ok := s.rows[t.ID]; ok && !prev.SameEntry(t) {
		return 0, fmt.Errorf("transaction %d: %w", t.ID, core.ErrConflict)
	}
	s.rows[t.ID] = t
	return t.ID, nil
}

func (s *Store) UpdateCategory(ctx context.Context, id int64, category string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Update++
	if err := s.fault(ctx); err != nil {
		return err
	}
	t, ok := s.rows[id]
	if !ok {
		return core.ErrNotFound
	}
	t.Category = category
	s.rows[id] = t
	return nil
}

func (s *Store) Categories(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.cats...), nil
}

// fault pops the next scripted failure. Caller holds mu.
func (s *Store) fault(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(s.faults) == 0 {
		return nil
	}
	err := s.faults[0]
	s.faults = s.faults[1:]
	return err
}

func (s *Store) sorted() []core.Transaction {
	out := make([]core.Transaction, 0, len(s.rows))
	for _, t := range s.rows {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func readLines(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return dedupe(out)
}

// dedupe drops blanks and repeats, preserving input order.
func dedupe(in []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
