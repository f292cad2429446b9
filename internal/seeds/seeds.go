// Package seeds turns seed specifications into ordered seed sequences.
//
// A spec string is a comma-separated list of terms:
//
//	42          a single seed
//	1..10       every seed in [1, 10], ascending
//	random:5@99 five seeds derived from master seed 99
//
// Terms concatenate in order. Duplicates are kept so a seed can be repeated
// for flake detection.
package seeds

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/MJE43/dystrail-tester/internal/engine"
)

// DeriveSalt keys the random-sample expansion.
const DeriveSalt = "dystrail-seeds"

// maxSeeds bounds a single resolution.
const maxSeeds = 1_000_000

// TermKind identifies a seed spec term.
type TermKind string

const (
	TermList   TermKind = "list"
	TermRange  TermKind = "range"
	TermRandom TermKind = "random"
)

// Term is one piece of a Spec.
type Term struct {
	Kind   TermKind `json:"kind"`
	Seeds  []int64  `json:"seeds,omitempty"`
	Start  int64    `json:"start,omitempty"`
	End    int64    `json:"end,omitempty"`
	Count  int      `json:"count,omitempty"`
	Master int64    `json:"master,omitempty"`
}

// Spec describes a seed set.
type Spec struct {
	Terms []Term `json:"terms"`
}

// List builds a spec from explicit seeds.
func List(seeds ...int64) Spec {
	return Spec{Terms: []Term{{Kind: TermList, Seeds: seeds}}}
}

// Range builds an inclusive range spec.
func Range(start, end int64) Spec {
	return Spec{Terms: []Term{{Kind: TermRange, Start: start, End: end}}}
}

// Random builds a spec of count seeds derived from master.
func Random(count int, master int64) Spec {
	return Spec{Terms: []Term{{Kind: TermRandom, Count: count, Master: master}}}
}

// Parse reads a spec string. It does not expand it.
func Parse(input string) (Spec, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return Spec{}, &SpecError{Kind: ErrEmpty, Input: input}
	}

	var spec Spec
	for _, raw := range strings.Split(trimmed, ",") {
		part := strings.TrimSpace(raw)
		if part == "" {
			return Spec{}, malformed(input, errors.New("empty term"))
		}
		term, err := parseTerm(part)
		if err != nil {
			return Spec{}, malformed(input, err)
		}
		spec.Terms = append(spec.Terms, term)
	}
	return spec, nil
}

func parseTerm(part string) (Term, error) {
	switch {
	case strings.HasPrefix(part, "random:"):
		body := strings.TrimPrefix(part, "random:")
		countStr, masterStr, ok := strings.Cut(body, "@")
		if !ok {
			return Term{}, fmt.Errorf("random term %q needs the form random:N@MASTER", part)
		}
		count, err := strconv.Atoi(strings.TrimSpace(countStr))
		if err != nil || count < 0 {
			return Term{}, fmt.Errorf("random term %q: invalid count", part)
		}
		master, err := strconv.ParseInt(strings.TrimSpace(masterStr), 10, 64)
		if err != nil {
			return Term{}, fmt.Errorf("random term %q: invalid master seed: %w", part, err)
		}
		return Term{Kind: TermRandom, Count: count, Master: master}, nil

	case strings.Contains(part, ".."):
		startStr, endStr, _ := strings.Cut(part, "..")
		start, err := strconv.ParseInt(strings.TrimSpace(startStr), 10, 64)
		if err != nil {
			return Term{}, fmt.Errorf("range %q: invalid start: %w", part, err)
		}
		end, err := strconv.ParseInt(strings.TrimSpace(endStr), 10, 64)
		if err != nil {
			return Term{}, fmt.Errorf("range %q: invalid end: %w", part, err)
		}
		return Term{Kind: TermRange, Start: start, End: end}, nil

	default:
		seed, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return Term{}, fmt.Errorf("seed %q: %w", part, err)
		}
		return Term{Kind: TermList, Seeds: []int64{seed}}, nil
	}
}

// Resolve expands spec into its ordered seed sequence. It is pure: the same
// spec always yields the same sequence.
func Resolve(spec Spec) ([]int64, error) {
	var out []int64
	for _, term := range spec.Terms {
		switch term.Kind {
		case TermList:
			out = append(out, term.Seeds...)

		case TermRange:
			if term.End < term.Start {
				return nil, malformed(describe(spec), fmt.Errorf("range end %d before start %d", term.End, term.Start))
			}
			// Compare as uint64 so ranges spanning the full int64 domain do not overflow.
			span := uint64(term.End) - uint64(term.Start)
			if span >= maxSeeds || len(out)+int(span)+1 > maxSeeds {
				return nil, malformed(describe(spec), fmt.Errorf("range %d..%d exceeds %d seeds", term.Start, term.End, maxSeeds))
			}
			for s := term.Start; ; s++ {
				out = append(out, s)
				if s == term.End {
					break
				}
			}

		case TermRandom:
			if term.Count < 0 || len(out)+term.Count > maxSeeds {
				return nil, malformed(describe(spec), fmt.Errorf("random count %d out of bounds", term.Count))
			}
			out = append(out, Derive(term.Master, term.Count)...)

		default:
			return nil, malformed(describe(spec), fmt.Errorf("unknown term kind %q", term.Kind))
		}
	}
	if len(out) == 0 {
		return nil, &SpecError{Kind: ErrEmpty, Input: describe(spec)}
	}
	return out, nil
}

// ParseAndResolve is Parse followed by Resolve.
func ParseAndResolve(input string) ([]int64, error) {
	spec, err := Parse(input)
	if err != nil {
		return nil, err
	}
	return Resolve(spec)
}

// Derive expands master into count seeds. Seed i is the first 8 bytes,
// big-endian, of the HMAC-SHA256 stream keyed by the decimal master seed with
// salt DeriveSalt and nonce i, reinterpreted as int64.
func Derive(master int64, count int) []int64 {
	out := make([]int64, count)
	key := engine.SeedKey(master)
	for i := range out {
		out[i] = int64(engine.NewByteGenerator(key, DeriveSalt, uint64(i), 0).NextUint64())
	}
	return out
}

func describe(spec Spec) string {
	parts := make([]string, 0, len(spec.Terms))
	for _, t := range spec.Terms {
		switch t.Kind {
		case TermList:
			for _, s := range t.Seeds {
				parts = append(parts, strconv.FormatInt(s, 10))
			}
		case TermRange:
			parts = append(parts, fmt.Sprintf("%d..%d", t.Start, t.End))
		case TermRandom:
			parts = append(parts, fmt.Sprintf("random:%d@%d", t.Count, t.Master))
		default:
			parts = append(parts, string(t.Kind))
		}
	}
	return strings.Join(parts, ",")
}
