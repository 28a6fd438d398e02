package operations

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"pdfbot/internal/models"
)

// ValidationContext describes the staged inputs a parameter is checked against.
type ValidationContext struct {
	TotalPages int
	Files      int
}

// Validator parses a raw user value into its typed form.
type Validator func(raw string, vc ValidationContext) (any, error)

// ParamSpec declares one parameter of an operation.
type ParamSpec struct {
	Name     string
	Prompt   string
	Optional bool
	Default  string
	Choices  []string
	Validate Validator
}

// Parse validates raw against the spec, substituting the default for "skip" on optional params.
func (p ParamSpec) Parse(raw string, vc ValidationContext) (any, error) {
	raw = strings.TrimSpace(raw)
	if p.Optional && (raw == "" || strings.EqualFold(raw, SkipValue)) {
		raw = p.Default
	}
	v, err := p.Validate(raw, vc)
	if err != nil {
		return nil, models.WrapError(models.KindInvalidParameter, p.Name, err)
	}
	return v, nil
}

// SkipValue selects the default of an optional parameter.
const SkipValue = "skip"

// ParsePageSelection parses "all", "3", "1,3,5" and ranges such as "2-4" into
// sorted, de-duplicated 1-based page numbers within [1, total].
func ParsePageSelection(raw string, total int) ([]int, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return nil, fmt.Errorf("empty page selection")
	}
	if total <= 0 {
		return nil, fmt.Errorf("document has no pages")
	}
	if raw == "all" {
		pages := make([]int, total)
		for i := range pages {
			pages[i] = i + 1
		}
		return pages, nil
	}

	seen := make(map[int]bool)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("empty element in %q", raw)
		}
		from, to := part, part
		if i := strings.Index(part, "-"); i >= 0 {
			from, to = strings.TrimSpace(part[:i]), strings.TrimSpace(part[i+1:])
		}
		start, err := strconv.Atoi(from)
		if err != nil {
			return nil, fmt.Errorf("invalid page %q", from)
		}
		end, err := strconv.Atoi(to)
		if err != nil {
			return nil, fmt.Errorf("invalid page %q", to)
		}
		if start > end {
			return nil, fmt.Errorf("range %q is reversed", part)
		}
		if start < 1 || end > total {
			return nil, fmt.Errorf("page range %q outside 1-%d", part, total)
		}
		for p := start; p <= end; p++ {
			seen[p] = true
		}
	}

	pages := make([]int, 0, len(seen))
	for p := range seen {
		pages = append(pages, p)
	}
	sort.Ints(pages)
	return pages, nil
}

// ParsePermutation parses a comma separated order that names every page of the
// document exactly once, e.g. "3,1,2" for a three page document.
func ParsePermutation(raw string, total int) ([]int, error) {
	parts := strings.Split(strings.TrimSpace(raw), ",")
	if len(parts) != total {
		return nil, fmt.Errorf("order must list all %d pages, got %d", total, len(parts))
	}
	seen := make(map[int]bool, total)
	order := make([]int, 0, total)
	for _, part := range parts {
		p, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("invalid page %q", part)
		}
		if p < 1 || p > total {
			return nil, fmt.Errorf("page %d outside 1-%d", p, total)
		}
		if seen[p] {
			return nil, fmt.Errorf("page %d listed twice", p)
		}
		seen[p] = true
		order = append(order, p)
	}
	return order, nil
}

// ParseAngle accepts clockwise rotations of 90, 180 or 270 degrees.
func ParseAngle(raw string) (int, error) {
	angle, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(raw), "°"))
	if err != nil {
		return 0, fmt.Errorf("invalid angle %q", raw)
	}
	switch angle {
	case 90, 180, 270:
		return angle, nil
	}
	return 0, fmt.Errorf("angle must be 90, 180 or 270")
}

func pageSelectionValidator(raw string, vc ValidationContext) (any, error) {
	return ParsePageSelection(raw, vc.TotalPages)
}

// partialPageSelectionValidator rejects selections that cover the whole document.
func partialPageSelectionValidator(raw string, vc ValidationContext) (any, error) {
	pages, err := ParsePageSelection(raw, vc.TotalPages)
	if err != nil {
		return nil, err
	}
	if len(pages) >= vc.TotalPages {
		return nil, fmt.Errorf("cannot remove every page")
	}
	return pages, nil
}

func permutationValidator(raw string, vc ValidationContext) (any, error) {
	return ParsePermutation(raw, vc.TotalPages)
}

func angleValidator(raw string, _ ValidationContext) (any, error) {
	return ParseAngle(raw)
}

func chunkSizeValidator(raw string, vc ValidationContext) (any, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid number %q", raw)
	}
	if vc.TotalPages < 2 {
		return nil, fmt.Errorf("a single page document cannot be split")
	}
	if n < 1 || n >= vc.TotalPages {
		return nil, fmt.Errorf("pages per file must be between 1 and %d", vc.TotalPages-1)
	}
	return n, nil
}
