package media

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ByteRange is a validated, inclusive byte interval of a resource of Size bytes.
// Values are only produced by ResolveRange, so 0 <= Start <= End < Size holds.
type ByteRange struct {
	Start int64
	End   int64
	Size  int64
}

// ContentLength returns the number of bytes covered by the range.
func (r ByteRange) ContentLength() int64 {
	return r.End - r.Start + 1
}

// ContentRange formats the Content-Range header value for a 206 response.
func (r ByteRange) ContentRange() string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, r.Size)
}

// RangeKind classifies the result of resolving a Range header.
type RangeKind int

const (
	// RangeNone means no Range header was sent; the full resource is served.
	RangeNone RangeKind = iota
	// RangeSatisfiable carries a valid ByteRange.
	RangeSatisfiable
	// RangeUnsatisfiable is answered with 416.
	RangeUnsatisfiable
	// RangeMalformed is a syntax error, answered with 400.
	RangeMalformed
)

func (k RangeKind) String() string {
	switch k {
	case RangeNone:
		return "none"
	case RangeSatisfiable:
		return "satisfiable"
	case RangeUnsatisfiable:
		return "unsatisfiable"
	case RangeMalformed:
		return "malformed"
	}
	return "unknown"
}

// RangeOutcome is the result of ResolveRange. Range is only meaningful when
// Kind is RangeSatisfiable.
type RangeOutcome struct {
	Kind  RangeKind
	Range ByteRange
}

// ResolveRange parses a single-range header of the form "bytes=start-end"
// against a resource of size bytes. Either bound may be omitted: "start-"
// runs to the end of the resource and "-n" selects the last n bytes. Ranges
// that start or end beyond the resource, or end before they start, are
// unsatisfiable. Multi-range requests are unsatisfiable as well.
func ResolveRange(header string, size int64) RangeOutcome {
	header = strings.TrimSpace(header)
	if header == "" {
		return RangeOutcome{Kind: RangeNone}
	}

	unit, spec, ok := strings.Cut(header, "=")
	if !ok || !strings.EqualFold(strings.TrimSpace(unit), "bytes") {
		return RangeOutcome{Kind: RangeMalformed}
	}
	spec = strings.TrimSpace(spec)
	if strings.Contains(spec, ",") {
		for _, part := range strings.Split(spec, ",") {
			if _, _, ok := splitBounds(part); !ok {
				return RangeOutcome{Kind: RangeMalformed}
			}
		}
		return RangeOutcome{Kind: RangeUnsatisfiable}
	}

	startStr, endStr, ok := splitBounds(spec)
	if !ok {
		return RangeOutcome{Kind: RangeMalformed}
	}
	if size <= 0 {
		return RangeOutcome{Kind: RangeUnsatisfiable}
	}

	if startStr == "" {
		suffix, err := parseBound(endStr)
		if err != nil || suffix == 0 {
			return RangeOutcome{Kind: RangeUnsatisfiable}
		}
		if suffix > size {
			suffix = size
		}
		return satisfiable(size-suffix, size-1, size)
	}

	start, err := parseBound(startStr)
	if err != nil {
		return RangeOutcome{Kind: RangeUnsatisfiable}
	}
	end := size - 1
	if endStr != "" {
		if end, err = parseBound(endStr); err != nil {
			return RangeOutcome{Kind: RangeUnsatisfiable}
		}
	}

	if start >= size || end >= size || start > end {
		return RangeOutcome{Kind: RangeUnsatisfiable}
	}
	return satisfiable(start, end, size)
}

func satisfiable(start, end, size int64) RangeOutcome {
	return RangeOutcome{Kind: RangeSatisfiable, Range: ByteRange{Start: start, End: end, Size: size}}
}

// splitBounds splits "start-end" and checks that both sides are digits only
// and that at least one side is present.
func splitBounds(spec string) (start, end string, ok bool) {
	start, end, found := strings.Cut(strings.TrimSpace(spec), "-")
	if !found {
		return "", "", false
	}
	start = strings.TrimSpace(start)
	end = strings.TrimSpace(end)
	if start == "" && end == "" {
		return "", "", false
	}
	if !isDigits(start) || !isDigits(end) {
		return "", "", false
	}
	return start, end, true
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

var errBoundOverflow = errors.New("range bound overflows int64")

// parseBound parses a digits-only bound. Values too large for int64 can never
// fit inside a resource and are reported as errBoundOverflow.
func parseBound(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		if errors.Is(err, strconv.ErrRange) {
			return 0, errBoundOverflow
		}
		return 0, err
	}
	return n, nil
}
