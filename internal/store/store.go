package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrTooManyAttempts is returned when a transaction keeps conflicting with
	// concurrent writers past the configured retry budget.
	ErrTooManyAttempts = errors.New("store: transaction retry budget exhausted")
	// ErrUndeclaredRef is returned when a transaction reads a document it did not declare.
	ErrUndeclaredRef = errors.New("store: document not declared in transaction")
	// ErrUnknownDriver is returned by Open for an unsupported driver name.
	ErrUnknownDriver = errors.New("store: unknown driver")
)

// DefaultMaxAttempts is used when a store is configured with a non-positive budget.
const DefaultMaxAttempts = 10

// DocRef identifies a document by collection and id.
type DocRef struct {
	Collection string
	ID         string
}

func (r DocRef) String() string {
	return r.Collection + "/" + r.ID
}

// Document is the body of a stored document.
type Document map[string]any

// Int64 reads a numeric field regardless of how the backend decoded it.
func (d Document) Int64(field string) (int64, bool) {
	switch v := d[field].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case int32:
		return int64(v), true
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}

// Merge returns a copy of d with the fields of patch applied on top.
func (d Document) Merge(patch Document) Document {
	out := make(Document, len(d)+len(patch))
	for k, v := range d {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

func (d Document) clone() Document {
	return Document(nil).Merge(d)
}

// Tx is the view a transaction callback gets of the store. Writes are
// buffered and applied atomically when the callback returns nil.
type Tx interface {
	Get(ref DocRef) (Document, bool, error)
	Set(ref DocRef, doc Document, merge bool) error
}

// TxFunc is a transaction body. It may run more than once when commits conflict,
// so it must not have side effects outside the Tx.
type TxFunc func(tx Tx) error

// Store is a document store with point reads, point writes and atomic
// read-modify-write transactions over a declared set of documents.
type Store interface {
	Get(ctx context.Context, ref DocRef) (Document, bool, error)
	Set(ctx context.Context, ref DocRef, doc Document, merge bool) error
	RunTransaction(ctx context.Context, refs []DocRef, fn TxFunc) error
	Close() error
}

// EncodeDocument serialises a document body for backends that store JSON text.
func EncodeDocument(doc Document) ([]byte, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("store: encode document: %w", err)
	}
	return b, nil
}

// DecodeDocument parses a JSON body, keeping numbers exact.
func DecodeDocument(b []byte) (Document, error) {
	doc := Document{}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("store: decode document: %w", err)
	}
	return doc, nil
}

// WriteSet collects the buffered writes of a transaction attempt. Backends
// embed it to share the merge and declared-ref rules.
type WriteSet struct {
	declared map[DocRef]bool
	reads    map[DocRef]Document
	writes   map[DocRef]Document
	order    []DocRef
}

// NewWriteSet starts an attempt over the declared refs.
func NewWriteSet(refs []DocRef) *WriteSet {
	ws := &WriteSet{
		declared: make(map[DocRef]bool, len(refs)),
		reads:    make(map[DocRef]Document),
		writes:   make(map[DocRef]Document),
	}
	for _, r := range refs {
		ws.declared[r] = true
	}
	return ws
}

// Declared reports whether ref was named when the transaction started.
func (ws *WriteSet) Declared(ref DocRef) bool {
	return ws.declared[ref]
}

// Observe records the committed state of ref as seen by this attempt.
func (ws *WriteSet) Observe(ref DocRef, doc Document) {
	ws.reads[ref] = doc
}

// Observed reports whether the attempt already read ref.
func (ws *WriteSet) Observed(ref DocRef) bool {
	_, ok := ws.reads[ref]
	return ok
}

// Stage buffers a write. With merge the new fields are laid over what the
// attempt has already read or written for ref.
func (ws *WriteSet) Stage(ref DocRef, doc Document, merge bool) error {
	if !ws.declared[ref] {
		return fmt.Errorf("%w: %s", ErrUndeclaredRef, ref)
	}
	if _, ok := ws.writes[ref]; !ok {
		ws.order = append(ws.order, ref)
	}
	if merge {
		base := ws.writes[ref]
		if base == nil {
			base = ws.reads[ref]
		}
		ws.writes[ref] = base.Merge(doc)
		return nil
	}
	ws.writes[ref] = doc.clone()
	return nil
}

// Pending returns the staged value of ref, if any.
func (ws *WriteSet) Pending(ref DocRef) (Document, bool) {
	doc, ok := ws.writes[ref]
	return doc, ok
}

// Writes iterates staged writes in the order they were first staged.
func (ws *WriteSet) Writes(fn func(ref DocRef, doc Document) error) error {
	for _, ref := range ws.order {
		if err := fn(ref, ws.writes[ref]); err != nil {
			return err
		}
	}
	return nil
}

// Empty reports whether the attempt staged no writes.
func (ws *WriteSet) Empty() bool {
	return len(ws.order) == 0
}

// Attempts normalises a configured retry budget.
func Attempts(n int) int {
	if n <= 0 {
		return DefaultMaxAttempts
	}
	return n
}
