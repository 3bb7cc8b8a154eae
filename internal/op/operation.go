package op

import (
	"fmt"
)

// Kind discriminates the edit types carried over the wire.
type Kind string

const (
	Insert  Kind = "insert"
	Delete  Kind = "delete"
	Replace Kind = "replace"
)

// A single atomic edit against a transcript's linear text.
// Operations are immutable once issued; Transform returns adjusted
// copies and never mutates history.
type Operation struct {
	ID        string `json:"operationId"`
	Kind      Kind   `json:"kind"`
	Position  int    `json:"position"`
	Content   string `json:"content,omitempty"`
	Length    int    `json:"length,omitempty"`
	AuthorID  string `json:"authorId"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds at issue time
}

func (o Operation) Validate() error {
	switch o.Kind {
	case Insert, Delete, Replace:
	default:
		return fmt.Errorf("unknown operation kind %q", o.Kind)
	}
	if o.Position < 0 {
		return fmt.Errorf("negative position %d", o.Position)
	}
	if o.Kind != Insert && o.Length < 0 {
		return fmt.Errorf("negative length %d", o.Length)
	}
	return nil
}

// Delta returns the net change in document length (in runes) caused
// by applying the operation.
func (o Operation) Delta() int {
	switch o.Kind {
	case Insert:
		return len([]rune(o.Content))
	case Delete:
		return -o.Length
	case Replace:
		return len([]rune(o.Content)) - o.Length
	}
	return 0
}

// Before reports whether o was issued before other, breaking timestamp
// ties deterministically by author so every client orders concurrent
// operations the same way.
func (o Operation) Before(other Operation) bool {
	if o.Timestamp != other.Timestamp {
		return o.Timestamp < other.Timestamp
	}
	return o.AuthorID < other.AuthorID
}

// Transform adjusts op's position to account for concurrent operations
// from other authors that were already broadcast. Operations at or
// before op's position shift it by their net length delta; the result
// is floored at zero.
//
// This resolves position drift only. Two authors editing an
// overlapping span still resolve last-applied-wins at the overlap,
// which is acceptable for small localized transcript edits.
func Transform(o Operation, concurrent []Operation) Operation {
	out := o
	for _, prev := range concurrent {
		if prev.AuthorID == o.AuthorID {
			continue
		}
		if prev.Position <= out.Position {
			out.Position += prev.Delta()
		}
	}
	if out.Position < 0 {
		out.Position = 0
	}
	return out
}

// Apply splices the operation into document and returns the result.
// Positions are clamped to the document bounds so malformed or stale
// offsets never read out of range. Rune-based indexing keeps
// multi-byte characters intact.
func Apply(document string, o Operation) string {
	runes := []rune(document)

	pos := o.Position
	if pos < 0 {
		pos = 0
	}
	if pos > len(runes) {
		pos = len(runes)
	}

	switch o.Kind {
	case Insert:
		ins := []rune(o.Content)
		out := make([]rune, 0, len(runes)+len(ins))
		out = append(out, runes[:pos]...)
		out = append(out, ins...)
		out = append(out, runes[pos:]...)
		return string(out)

	case Delete:
		end := pos + o.Length
		if end > len(runes) {
			end = len(runes)
		}
		if end < pos {
			end = pos
		}
		out := make([]rune, 0, len(runes)-(end-pos))
		out = append(out, runes[:pos]...)
		out = append(out, runes[end:]...)
		return string(out)

	case Replace:
		end := pos + o.Length
		if end > len(runes) {
			end = len(runes)
		}
		if end < pos {
			end = pos
		}
		ins := []rune(o.Content)
		out := make([]rune, 0, len(runes)-(end-pos)+len(ins))
		out = append(out, runes[:pos]...)
		out = append(out, ins...)
		out = append(out, runes[end:]...)
		return string(out)
	}

	return document
}
