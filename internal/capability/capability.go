// Package capability handles compute capability descriptors: the hardware and
// placement requirements a job declares on its bid and the capabilities a
// provider advertises on its ask.
//
// Descriptors are a closed set of tagged kinds compared with Satisfies; there
// is no open-ended attribute matching.
package capability

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Kind identifies one requirement dimension.
type Kind string

// Supported requirement kinds.
const (
	KindCPU    Kind = "cpu"    // minimum vCPU count
	KindMemory Kind = "mem"    // minimum memory in GiB
	KindGPU    Kind = "gpu"    // accelerator model, "any" matches every model
	KindTEE    Kind = "tee"    // trusted execution environment
	KindRegion Kind = "region" // placement region, exact match
)

// AnyModel is the accelerator wildcard.
const AnyModel = "any"

var validKinds = map[Kind]bool{
	KindCPU:    true,
	KindMemory: true,
	KindGPU:    true,
	KindTEE:    true,
	KindRegion: true,
}

// tokenRegex matches one descriptor: {kind}[={value}]
// Example: gpu=a100, mem=64, tee
var tokenRegex = regexp.MustCompile(`^([a-z]+)(?:=([a-z0-9][a-z0-9_.-]*))?$`)

var (
	ErrInvalidDescriptor = errors.New("capability: invalid descriptor")
	ErrUnknownKind       = errors.New("capability: unsupported kind")
	ErrDuplicateKind     = errors.New("capability: kind declared twice")
)

// Descriptor is a single tagged requirement or offering.
type Descriptor struct {
	Kind   Kind   `json:"kind"`
	Value  string `json:"value,omitempty"`  // gpu model or region
	Amount int64  `json:"amount,omitempty"` // cpu or mem
}

// String renders the descriptor in its compact form.
func (d Descriptor) String() string {
	switch d.Kind {
	case KindCPU, KindMemory:
		return fmt.Sprintf("%s=%d", d.Kind, d.Amount)
	case KindTEE:
		return string(d.Kind)
	default:
		return fmt.Sprintf("%s=%s", d.Kind, d.Value)
	}
}

// satisfiedBy reports whether the offered descriptor of the same kind meets d.
func (d Descriptor) satisfiedBy(offer Descriptor) bool {
	switch d.Kind {
	case KindCPU, KindMemory:
		return offer.Amount >= d.Amount
	case KindGPU:
		return d.Value == AnyModel || offer.Value == d.Value
	case KindTEE:
		return true
	case KindRegion:
		return offer.Value == d.Value
	}
	return false
}

// Set is a collection of descriptors with at most one entry per kind.
// It serializes to and from the compact string form.
type Set []Descriptor

// Parse parses the compact form "gpu=a100;mem=64;tee".
// An empty string yields an empty set.
func Parse(s string) (Set, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return nil, nil
	}

	seen := make(map[Kind]bool)
	var set Set
	for _, tok := range strings.Split(s, ";") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		d, err := parseToken(tok)
		if err != nil {
			return nil, err
		}
		if seen[d.Kind] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateKind, d.Kind)
		}
		seen[d.Kind] = true
		set = append(set, d)
	}
	set.sort()
	return set, nil
}

// MustParse is Parse for literals known to be valid.
func MustParse(s string) Set {
	set, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return set
}

func parseToken(tok string) (Descriptor, error) {
	m := tokenRegex.FindStringSubmatch(tok)
	if m == nil {
		return Descriptor{}, fmt.Errorf("%w: %q (expected {kind}[={value}])", ErrInvalidDescriptor, tok)
	}
	kind, value := Kind(m[1]), m[2]
	if !validKinds[kind] {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	d := Descriptor{Kind: kind}
	switch kind {
	case KindCPU, KindMemory:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil || n <= 0 {
			return Descriptor{}, fmt.Errorf("%w: %s needs a positive integer, got %q", ErrInvalidDescriptor, kind, value)
		}
		d.Amount = n
	case KindGPU:
		if value == "" {
			value = AnyModel
		}
		d.Value = value
	case KindTEE:
		if value != "" {
			return Descriptor{}, fmt.Errorf("%w: tee takes no value", ErrInvalidDescriptor)
		}
	case KindRegion:
		if value == "" {
			return Descriptor{}, fmt.Errorf("%w: region needs a value", ErrInvalidDescriptor)
		}
		d.Value = value
	}
	return d, nil
}

func (s Set) sort() {
	sort.Slice(s, func(i, j int) bool { return s[i].Kind < s[j].Kind })
}

// Get returns the descriptor of the given kind.
func (s Set) Get(kind Kind) (Descriptor, bool) {
	for _, d := range s {
		if d.Kind == kind {
			return d, true
		}
	}
	return Descriptor{}, false
}

// RequiresAccelerator reports whether the set asks for specialized hardware.
func (s Set) RequiresAccelerator() bool {
	_, ok := s.Get(KindGPU)
	return ok
}

// String returns the canonical compact form, kinds in sorted order.
func (s Set) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = d.String()
	}
	sort.Strings(parts)
	return strings.Join(parts, ";")
}

// Satisfies reports whether offered meets every descriptor in required.
// An empty requirement set is satisfied by any offer.
func Satisfies(offered, required Set) bool {
	for _, req := range required {
		offer, ok := offered.Get(req.Kind)
		if !ok || !req.satisfiedBy(offer) {
			return false
		}
	}
	return true
}

func (s Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Set) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: expected string", ErrInvalidDescriptor)
	}
	parsed, err := Parse(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
