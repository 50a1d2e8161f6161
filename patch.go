package palindrom

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	jsonpatch "github.com/evanphx/json-patch"
	"github.com/google/uuid"
)

// JSON Patch operation names (RFC 6902).
const (
	OpAdd     = "add"
	OpRemove  = "remove"
	OpReplace = "replace"
	OpMove    = "move"
	OpCopy    = "copy"
	OpTest    = "test"
)

// Operation is a single JSON Patch edit. Field order matches the wire
// format peers expect: op, path, value.
//
// Numbers in decoded operations are json.Number so they re-encode exactly.
type Operation struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
	From  string `json:"from,omitempty"`
}

// MarshalJSON always emits value for add, replace and test, so a nil Value
// goes out as null.
func (o Operation) MarshalJSON() ([]byte, error) {
	switch o.Op {
	case OpAdd, OpReplace, OpTest:
		return json.Marshal(struct {
			Op    string `json:"op"`
			Path  string `json:"path"`
			Value any    `json:"value"`
			From  string `json:"from,omitempty"`
		}{o.Op, o.Path, o.Value, o.From})
	}
	type plain Operation
	return json.Marshal(plain(o))
}

// Validate checks the operation name and the JSON pointers it carries.
func (o Operation) Validate() error {
	switch o.Op {
	case OpAdd, OpRemove, OpReplace, OpTest:
	case OpMove, OpCopy:
		if !isPointer(o.From) {
			return fmt.Errorf("%s %q: invalid from pointer %q", o.Op, o.Path, o.From)
		}
	default:
		return fmt.Errorf("unknown patch operation %q", o.Op)
	}
	if !isPointer(o.Path) {
		return fmt.Errorf("%s: invalid path pointer %q", o.Op, o.Path)
	}
	return nil
}

func isPointer(p string) bool {
	return p == "" || strings.HasPrefix(p, "/")
}

// encodePatch serializes a batch as a JSON array, preserving order.
func encodePatch(ops []Operation) ([]byte, error) {
	for i, op := range ops {
		if err := op.Validate(); err != nil {
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}
	}
	if ops == nil {
		ops = []Operation{}
	}
	return json.Marshal(ops)
}

var errNotPatchArray = errors.New("payload is not a JSON Patch array")

// decodePatch parses a payload as a JSON Patch array.
func decodePatch(data []byte) ([]Operation, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, errNotPatchArray
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var ops []Operation
	if err := dec.Decode(&ops); err != nil {
		return nil, fmt.Errorf("parse patch: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("parse patch: trailing data after array")
	}
	for i, op := range ops {
		if err := op.Validate(); err != nil {
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}
	}
	return ops, nil
}

// Document is the client-held copy of the synchronized object graph.
// It is replaced on every state reset and updated by remote patches.
type Document struct {
	mu  sync.RWMutex
	raw []byte
}

func newDocument() *Document {
	return &Document{raw: []byte("null")}
}

// Bytes returns a copy of the current JSON document.
func (d *Document) Bytes() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]byte, len(d.raw))
	copy(out, d.raw)
	return out
}

// Decode unmarshals the current document into v.
func (d *Document) Decode(v any) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return json.Unmarshal(d.raw, v)
}

// Apply applies a patch batch to the document. The document is unchanged
// if any operation fails.
func (d *Document) Apply(ops []Operation) error {
	if len(ops) == 0 {
		return nil
	}
	data, err := encodePatch(ops)
	if err != nil {
		return err
	}
	patch, err := jsonpatch.DecodePatch(data)
	if err != nil {
		return fmt.Errorf("decode patch: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	out, err := patch.Apply(d.raw)
	if err != nil {
		return fmt.Errorf("apply patch: %w", err)
	}
	d.raw = out
	return nil
}

func (d *Document) reset(raw []byte) {
	cp := make([]byte, len(raw))
	copy(cp, raw)
	d.mu.Lock()
	d.raw = cp
	d.mu.Unlock()
}

// generateSessionID returns a new unique session ID.
func generateSessionID() string {
	return uuid.New().String()
}
