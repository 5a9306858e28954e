package pathspec

import (
	"errors"
	"fmt"
	"path"
	"slices"
	"strconv"
	"strings"
)

// Kind identifies a transport.
type Kind string

const (
	KindUSB    Kind = "usb"
	KindSerial Kind = "serial"
)

// Default is the path used when none is configured: the vendor and product ID
// of the controller plus its native protocol interface.
const Default = "usb:idVendor=0x1209:idProduct=0x0D32:bInterfaceClass=0:bInterfaceSubClass=1:bInterfaceProtocol=0"

// Wildcard matches any attribute value.
const Wildcard = "*"

// Attribute keys understood by the transports.
const (
	KeyVendor   = "idVendor"
	KeyProduct  = "idProduct"
	KeyClass    = "bInterfaceClass"
	KeySubClass = "bInterfaceSubClass"
	KeyProtocol = "bInterfaceProtocol"
	KeyBus      = "bus"
	KeyAddress  = "address"
	KeySerial   = "serial"
	KeyPath     = "path"
	KeyBaud     = "baud"
)

// ErrMalformed reports a path spec that does not follow the grammar.
var ErrMalformed = errors.New("malformed path spec")

// MalformedError describes which segment failed to parse and why.
type MalformedError struct {
	Segment string
	Reason  string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("%s: segment %q: %s", ErrMalformed, e.Segment, e.Reason)
}

func (e *MalformedError) Unwrap() error { return ErrMalformed }

type kindInfo struct {
	keys []string
	// positional is the key a bare `kind:value` segment assigns to.
	positional string
}

var kinds = map[Kind]kindInfo{
	KindUSB: {
		keys: []string{KeyVendor, KeyProduct, KeyClass, KeySubClass, KeyProtocol, KeyBus, KeyAddress, KeySerial},
	},
	KindSerial: {
		keys:       []string{KeyPath, KeyBaud, KeyVendor, KeyProduct, KeySerial},
		positional: KeyPath,
	},
}

// numericKeys are compared by value so 0x1209 matches 4617 and 0x0d32 matches 0xD32.
var numericKeys = map[string]struct{}{
	KeyVendor:   {},
	KeyProduct:  {},
	KeyClass:    {},
	KeySubClass: {},
	KeyProtocol: {},
	KeyBus:      {},
	KeyAddress:  {},
	KeyBaud:     {},
}

// connectionKeys configure how a matched device is opened rather than which
// device matches.
var connectionKeys = map[string]struct{}{
	KeyBaud: {},
}

// Filter selects devices on one transport.
type Filter struct {
	Kind       Kind
	Attributes map[string]string
}

// Spec is an ordered list of filters. Order sets scan priority only.
type Spec []Filter

// Kinds returns the distinct transport kinds named by the spec, in order.
func (s Spec) Kinds() []Kind {
	out := make([]Kind, 0, len(s))
	for _, f := range s {
		if !slices.Contains(out, f.Kind) {
			out = append(out, f.Kind)
		}
	}
	return out
}

// ForKind returns the filters that apply to kind.
func (s Spec) ForKind(kind Kind) []Filter {
	var out []Filter
	for _, f := range s {
		if f.Kind == kind {
			out = append(out, f)
		}
	}
	return out
}

// String renders the spec in canonical form.
func (s Spec) String() string {
	parts := make([]string, len(s))
	for i, f := range s {
		parts[i] = f.String()
	}
	return strings.Join(parts, ",")
}

// Parse converts a path spec string into filters.
func Parse(spec string) (Spec, error) {
	if strings.TrimSpace(spec) == "" {
		return nil, &MalformedError{Segment: spec, Reason: "empty path spec"}
	}
	segments := strings.Split(spec, ",")
	out := make(Spec, 0, len(segments))
	for _, segment := range segments {
		filter, err := parseSegment(strings.TrimSpace(segment))
		if err != nil {
			return nil, err
		}
		out = append(out, filter)
	}
	return out, nil
}

// MustParse is Parse for compile-time constants.
func MustParse(spec string) Spec {
	s, err := Parse(spec)
	if err != nil {
		panic(err)
	}
	return s
}

func parseSegment(segment string) (Filter, error) {
	if segment == "" {
		return Filter{}, &MalformedError{Segment: segment, Reason: "empty segment"}
	}
	kindText, rest, hasRest := strings.Cut(segment, ":")
	kind := Kind(strings.ToLower(strings.TrimSpace(kindText)))
	info, ok := kinds[kind]
	if !ok {
		return Filter{}, &MalformedError{Segment: segment, Reason: fmt.Sprintf("unknown transport %q", kindText)}
	}
	filter := Filter{Kind: kind, Attributes: map[string]string{}}
	if !hasRest {
		return filter, nil
	}
	if rest == "" {
		return Filter{}, &MalformedError{Segment: segment, Reason: "empty filter after transport"}
	}

	// A serial device path contains no '=' and may itself contain ':'
	// (e.g. /dev/serial/by-path/pci-0000:00:14.0-usb-0:1:1.0).
	if info.positional != "" && !strings.Contains(rest, "=") {
		filter.Attributes[info.positional] = rest
		return filter, nil
	}

	last := ""
	for _, pair := range strings.Split(rest, ":") {
		key, value, found := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		switch {
		case !found && last != "" && last == info.positional:
			filter.Attributes[last] += ":" + pair
			continue
		case !found:
			return Filter{}, &MalformedError{Segment: segment, Reason: fmt.Sprintf("filter %q is missing '='", pair)}
		case key == "":
			return Filter{}, &MalformedError{Segment: segment, Reason: "filter key is empty"}
		}
		canonical, ok := canonicalKey(info, key)
		if !ok {
			return Filter{}, &MalformedError{Segment: segment, Reason: fmt.Sprintf("unknown %s attribute %q", kind, key)}
		}
		if _, dup := filter.Attributes[canonical]; dup {
			return Filter{}, &MalformedError{Segment: segment, Reason: fmt.Sprintf("attribute %q given twice", canonical)}
		}
		value = strings.TrimSpace(value)
		if value == "" {
			return Filter{}, &MalformedError{Segment: segment, Reason: fmt.Sprintf("attribute %q has no value", canonical)}
		}
		if _, numeric := numericKeys[canonical]; numeric && value != Wildcard {
			if _, err := parseNumber(value); err != nil {
				return Filter{}, &MalformedError{Segment: segment, Reason: fmt.Sprintf("attribute %q: %q is not a number", canonical, value)}
			}
		}
		filter.Attributes[canonical] = value
		last = canonical
	}
	return filter, nil
}

func canonicalKey(info kindInfo, key string) (string, bool) {
	for _, known := range info.keys {
		if strings.EqualFold(known, key) {
			return known, true
		}
	}
	return "", false
}

// String renders the filter with keys in declaration order.
func (f Filter) String() string {
	info := kinds[f.Kind]
	var b strings.Builder
	b.WriteString(string(f.Kind))
	for _, key := range info.keys {
		value, ok := f.Attributes[key]
		if !ok {
			continue
		}
		b.WriteByte(':')
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(value)
	}
	return b.String()
}

// Match reports whether a candidate's attributes satisfy every filter
// attribute. A missing candidate attribute is a mismatch.
func (f Filter) Match(attrs map[string]string) bool {
	for key, want := range f.Attributes {
		if _, skip := connectionKeys[key]; skip {
			continue
		}
		if want == Wildcard {
			continue
		}
		got, ok := attrs[key]
		if !ok {
			return false
		}
		if !matchValue(key, want, got) {
			return false
		}
	}
	return true
}

// Option returns a connection option such as the serial baud rate.
func (f Filter) Option(key string) (int, bool) {
	value, ok := f.Attributes[key]
	if !ok || value == Wildcard {
		return 0, false
	}
	n, err := parseNumber(value)
	if err != nil {
		return 0, false
	}
	return int(n), true
}

// ConnectionOptions returns the numeric connection options set on the filter.
func (f Filter) ConnectionOptions() map[string]int {
	var out map[string]int
	for key := range connectionKeys {
		if v, ok := f.Option(key); ok {
			if out == nil {
				out = make(map[string]int)
			}
			out[key] = v
		}
	}
	return out
}

func matchValue(key, want, got string) bool {
	if _, numeric := numericKeys[key]; numeric {
		w, errW := parseNumber(want)
		g, errG := parseNumber(got)
		if errW == nil && errG == nil {
			return w == g
		}
	}
	if key == KeyPath {
		if ok, err := path.Match(want, got); err == nil && ok {
			return true
		}
		return want == got
	}
	return strings.EqualFold(want, got)
}

func parseNumber(value string) (uint64, error) {
	value = strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(strings.ToLower(value), "0x"); ok {
		return strconv.ParseUint(rest, 16, 32)
	}
	return strconv.ParseUint(value, 10, 32)
}
