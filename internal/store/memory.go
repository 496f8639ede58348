package store

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process Store. Transactions hold the store lock for their
// whole duration, so they are serialised and never need a retry.
type Memory struct {
	mu   sync.Mutex
	docs map[DocRef]Document
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{docs: make(map[DocRef]Document)}
}

func (m *Memory) Get(ctx context.Context, ref DocRef) (Document, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[ref]
	if !ok {
		return nil, false, nil
	}
	return doc.clone(), true, nil
}

func (m *Memory) Set(ctx context.Context, ref DocRef, doc Document, merge bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if merge {
		m.docs[ref] = m.docs[ref].Merge(doc)
		return nil
	}
	m.docs[ref] = doc.clone()
	return nil
}

func (m *Memory) RunTransaction(ctx context.Context, refs []DocRef, fn TxFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{m: m, ws: NewWriteSet(refs)}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.ws.Writes(func(ref DocRef, doc Document) error {
		m.docs[ref] = doc
		return nil
	})
}

func (m *Memory) Close() error { return nil }

// memoryTx runs with Memory.mu held.
type memoryTx struct {
	m  *Memory
	ws *WriteSet
}

func (t *memoryTx) Get(ref DocRef) (Document, bool, error) {
	if !t.ws.Declared(ref) {
		return nil, false, fmt.Errorf("%w: %s", ErrUndeclaredRef, ref)
	}
	if doc, ok := t.ws.Pending(ref); ok {
		return doc.clone(), true, nil
	}
	doc, ok := t.m.docs[ref]
	t.ws.Observe(ref, doc)
	if !ok {
		return nil, false, nil
	}
	return doc.clone(), true, nil
}

func (t *memoryTx) Set(ref DocRef, doc Document, merge bool) error {
	if merge && !t.ws.Observed(ref) {
		if _, _, err := t.Get(ref); err != nil {
			return err
		}
	}
	return t.ws.Stage(ref, doc, merge)
}
