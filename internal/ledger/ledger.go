// Package ledger keeps per-case undo and redo stacks of whole-case snapshots in a
// key-value backend, under the keys "undo-<id>" and "redo-<id>".
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"hypoline/internal/domain"
)

// DefaultCap bounds each stack; the oldest entries are evicted first.
const DefaultCap = 50

// KV is the persistent string store backing the stacks. Get returns an empty
// string and no error for a missing key.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

type Ledger struct {
	KV  KV
	Cap int
	Now func() time.Time
}

func New(kv KV, capacity int) *Ledger {
	if capacity <= 0 {
		capacity = DefaultCap
	}
	return &Ledger{KV: kv, Cap: capacity, Now: time.Now}
}

func undoKey(caseID int) string { return fmt.Sprintf("undo-%d", caseID) }
func redoKey(caseID int) string { return fmt.Sprintf("redo-%d", caseID) }

func (l *Ledger) now() time.Time {
	if l.Now == nil {
		return time.Now()
	}
	return l.Now()
}

func (l *Ledger) capacity() int {
	if l.Cap <= 0 {
		return DefaultCap
	}
	return l.Cap
}

func (l *Ledger) load(ctx context.Context, key string) ([]domain.UndoRedoEntry, error) {
	raw, err := l.KV.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}
	var entries []domain.UndoRedoEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return entries, nil
}

func (l *Ledger) save(ctx context.Context, key string, entries []domain.UndoRedoEntry) error {
	if len(entries) == 0 {
		return l.KV.Delete(ctx, key)
	}
	if over := len(entries) - l.capacity(); over > 0 {
		entries = entries[over:]
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return l.KV.Put(ctx, key, string(data))
}

// Record pushes a transition onto the undo stack and clears the redo stack.
func (l *Ledger) Record(ctx context.Context, caseID int, prev, next domain.Case, who, description string) error {
	undo, err := l.load(ctx, undoKey(caseID))
	if err != nil {
		return err
	}
	undo = append(undo, domain.UndoRedoEntry{
		CaseID:      caseID,
		Prev:        prev,
		Next:        next,
		When:        l.now().UTC().Format(time.RFC3339),
		Who:         who,
		Description: description,
	})
	if err := l.save(ctx, undoKey(caseID), undo); err != nil {
		return err
	}
	return l.KV.Delete(ctx, redoKey(caseID))
}

// Undo pops the latest transition and returns the snapshot to restore. An empty
// stack yields nil.
func (l *Ledger) Undo(ctx context.Context, caseID int) (*domain.Case, error) {
	return l.move(ctx, undoKey(caseID), redoKey(caseID), func(e domain.UndoRedoEntry) domain.Case { return e.Prev })
}

// Redo re-applies the last undone transition. An empty stack yields nil.
func (l *Ledger) Redo(ctx context.Context, caseID int) (*domain.Case, error) {
	return l.move(ctx, redoKey(caseID), undoKey(caseID), func(e domain.UndoRedoEntry) domain.Case { return e.Next })
}

// PeekUndo returns the snapshot Undo would restore without moving the entry.
func (l *Ledger) PeekUndo(ctx context.Context, caseID int) (*domain.Case, error) {
	return l.peek(ctx, undoKey(caseID), func(e domain.UndoRedoEntry) domain.Case { return e.Prev })
}

// PeekRedo returns the snapshot Redo would restore without moving the entry.
func (l *Ledger) PeekRedo(ctx context.Context, caseID int) (*domain.Case, error) {
	return l.peek(ctx, redoKey(caseID), func(e domain.UndoRedoEntry) domain.Case { return e.Next })
}

func (l *Ledger) peek(ctx context.Context, key string, pick func(domain.UndoRedoEntry) domain.Case) (*domain.Case, error) {
	entries, err := l.load(ctx, key)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	c := pick(entries[len(entries)-1])
	return &c, nil
}

func (l *Ledger) move(ctx context.Context, fromKey, toKey string, pick func(domain.UndoRedoEntry) domain.Case) (*domain.Case, error) {
	from, err := l.load(ctx, fromKey)
	if err != nil {
		return nil, err
	}
	if len(from) == 0 {
		return nil, nil
	}
	top := from[len(from)-1]
	to, err := l.load(ctx, toKey)
	if err != nil {
		return nil, err
	}
	if err := l.save(ctx, toKey, append(to, top)); err != nil {
		return nil, err
	}
	if err := l.save(ctx, fromKey, from[:len(from)-1]); err != nil {
		return nil, err
	}
	c := pick(top)
	return &c, nil
}

// History returns the undo stack, oldest first.
func (l *Ledger) History(ctx context.Context, caseID int) ([]domain.UndoRedoEntry, error) {
	return l.load(ctx, undoKey(caseID))
}

// Forget drops both stacks of a case.
func (l *Ledger) Forget(ctx context.Context, caseID int) error {
	if err := l.KV.Delete(ctx, undoKey(caseID)); err != nil {
		return err
	}
	return l.KV.Delete(ctx, redoKey(caseID))
}

// MemoryKV is an in-process KV.
type MemoryKV struct {
	mu sync.Mutex
	m  map[string]string
}

func NewMemoryKV() *MemoryKV { return &MemoryKV{m: map[string]string{}} }

func (k *MemoryKV) Get(_ context.Context, key string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.m[key], nil
}

func (k *MemoryKV) Put(_ context.Context, key, value string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.m[key] = value
	return nil
}

func (k *MemoryKV) Delete(_ context.Context, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.m, key)
	return nil
}
