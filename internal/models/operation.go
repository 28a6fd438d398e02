package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// OperationKind names a transformation a user can request.
type OperationKind string

const (
	OpMerge         OperationKind = "merge"
	OpSplit         OperationKind = "split"
	OpSplitChunks   OperationKind = "split_chunks"
	OpDeletePages   OperationKind = "delete_pages"
	OpRotate        OperationKind = "rotate"
	OpReorder       OperationKind = "reorder"
	OpCompress      OperationKind = "compress"
	OpExtractText   OperationKind = "extract_text"
	OpExtractImages OperationKind = "extract_images"
	OpImagesToPDF   OperationKind = "images_to_pdf"
	OpPDFToImages   OperationKind = "pdf_to_images"
)

// AllOperationKinds is the closed set of operation kinds, in menu order.
var AllOperationKinds = []OperationKind{
	OpMerge,
	OpSplit,
	OpSplitChunks,
	OpDeletePages,
	OpRotate,
	OpReorder,
	OpCompress,
	OpExtractText,
	OpExtractImages,
	OpImagesToPDF,
	OpPDFToImages,
}

// Valid reports whether k belongs to AllOperationKinds.
func (k OperationKind) Valid() bool {
	for _, known := range AllOperationKinds {
		if known == k {
			return true
		}
	}
	return false
}

// ParseOperationKind normalizes user input such as "Merge" or "delete-pages".
func ParseOperationKind(raw string) (OperationKind, error) {
	k := OperationKind(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "-", "_"))
	if !k.Valid() {
		return "", NewError(KindUnknownOperation, fmt.Sprintf("unknown operation %q", raw))
	}
	return k, nil
}

// Outcome of a dispatched operation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// OperationRecord is the append-only audit entry written for every dispatch.
type OperationRecord struct {
	ID        int64         `json:"id"`
	UserID    int64         `json:"user_id"`
	Operation OperationKind `json:"operation"`
	Outcome   Outcome       `json:"outcome"`
	ErrorKind ErrorKind     `json:"error_kind,omitempty"`
	Detail    string        `json:"detail,omitempty"`
	Inputs    int           `json:"inputs"`
	Pages     int           `json:"pages"`
	Duration  time.Duration `json:"duration"`
	CreatedAt time.Time     `json:"created_at"`
}

// Params carries validated parameter values keyed by parameter name.
// Values are []int for page lists, int for numbers and string otherwise.
type Params map[string]any

// Int returns an integer parameter.
func (p Params) Int(name string) (int, bool) {
	switch v := p[name].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	}
	return 0, false
}

// Pages returns a page list parameter. Page numbers are 1-based.
func (p Params) Pages(name string) ([]int, bool) {
	switch v := p[name].(type) {
	case []int:
		return v, true
	case []any:
		out := make([]int, 0, len(v))
		for _, item := range v {
			f, ok := item.(float64)
			if !ok {
				return nil, false
			}
			out = append(out, int(f))
		}
		return out, true
	}
	return nil, false
}

// String returns a string parameter.
func (p Params) String(name string) (string, bool) {
	v, ok := p[name].(string)
	return v, ok
}
