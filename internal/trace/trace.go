// Package trace records the logical history of one trim loop as a canonical,
// hashable document written next to the cell's solver artifacts.
package trace

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// TrimTrace is the ordered record of one cell's trim loop.
//
// It holds logical decisions only: no timestamps, durations, or error text, so
// the bytes of two runs with identical measurements are identical.
type TrimTrace struct {
	Cell   string
	Events []Event
}

// EventKind is the stable discriminator for Event. The values are part of the
// canonical bytes; do not rename.
type EventKind string

const (
	EventControlAdjusted   EventKind = "ControlAdjusted"
	EventAttemptEvaluated  EventKind = "AttemptEvaluated"
	EventConverged         EventKind = "Converged"
	EventExhausted         EventKind = "Exhausted"
	EventStageFailed       EventKind = "StageFailed"
	EventMeasurementFailed EventKind = "MeasurementFailed"
)

// Event is one step of the loop.
//
// Control is the control value the step refers to. ControlAdjusted carries the
// new value in Next; AttemptEvaluated and the successful terminal events carry
// Measured and Residual. Reason is a stable code for failures.
type Event struct {
	Kind     EventKind
	Attempt  int
	Control  float64
	Measured *float64
	Residual *float64
	Next     *float64
	Reason   string
}

func (t *TrimTrace) Validate() error {
	if t == nil {
		return errors.New("trace is nil")
	}
	if t.Cell == "" {
		return errors.New("cell is required")
	}
	for i, e := range t.Events {
		if e.Kind == "" {
			return fmt.Errorf("events[%d].kind is required", i)
		}
		if e.Attempt < 0 {
			return fmt.Errorf("events[%d].attempt must be >= 0", i)
		}
		if e.Kind == EventControlAdjusted && e.Next == nil {
			return fmt.Errorf("events[%d].next is required for kind %q", i, e.Kind)
		}
	}
	return nil
}

// Canonicalize stably orders events by attempt, then by kind within an attempt.
func (t *TrimTrace) Canonicalize() {
	if t == nil {
		return
	}
	sort.SliceStable(t.Events, func(i, j int) bool {
		a, b := t.Events[i], t.Events[j]
		if a.Attempt != b.Attempt {
			return a.Attempt < b.Attempt
		}
		return kindOrder(a.Kind) < kindOrder(b.Kind)
	})
}

func kindOrder(k EventKind) int {
	switch k {
	case EventControlAdjusted:
		return 10
	case EventAttemptEvaluated:
		return 20
	case EventConverged, EventExhausted, EventStageFailed, EventMeasurementFailed:
		return 30
	default:
		return 1000
	}
}

// CanonicalJSON encodes a canonicalized copy of the trace.
func (t TrimTrace) CanonicalJSON() ([]byte, error) {
	cp := TrimTrace{Cell: t.Cell, Events: append([]Event(nil), t.Events...)}
	cp.Canonicalize()
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(&cp)
}

// Hash returns the sha256 hex digest of the canonical JSON.
func (t TrimTrace) Hash() (string, error) {
	b, err := t.CanonicalJSON()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// MarshalJSON fixes field order.
func (t TrimTrace) MarshalJSON() ([]byte, error) {
	if t.Cell == "" {
		return nil, errors.New("cell is required")
	}
	var buf bytes.Buffer
	buf.WriteString(`{"cell":`)
	cb, _ := json.Marshal(t.Cell)
	buf.Write(cb)
	buf.WriteString(`,"events":[`)
	for i := range t.Events {
		if i > 0 {
			buf.WriteByte(',')
		}
		eb, err := json.Marshal(t.Events[i])
		if err != nil {
			return nil, err
		}
		buf.Write(eb)
	}
	buf.WriteString("]}")
	return buf.Bytes(), nil
}

// MarshalJSON fixes field order and omits absent optional fields.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Kind == "" {
		return nil, errors.New("kind is required")
	}
	var buf bytes.Buffer
	buf.WriteString(`{"kind":`)
	kb, _ := json.Marshal(string(e.Kind))
	buf.Write(kb)

	fmt.Fprintf(&buf, `,"attempt":%d`, e.Attempt)
	if err := writeFloat(&buf, "control", &e.Control); err != nil {
		return nil, err
	}
	for _, f := range []struct {
		name string
		v    *float64
	}{{"measured", e.Measured}, {"residual", e.Residual}, {"next", e.Next}} {
		if err := writeFloat(&buf, f.name, f.v); err != nil {
			return nil, err
		}
	}
	if e.Reason != "" {
		buf.WriteString(`,"reason":`)
		rb, _ := json.Marshal(e.Reason)
		buf.Write(rb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeFloat(buf *bytes.Buffer, name string, v *float64) error {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(*v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	fmt.Fprintf(buf, `,"%s":`, name)
	buf.Write(b)
	return nil
}
