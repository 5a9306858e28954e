package remote

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"motorctl/internal/device"
)

// Operation names carried in requests.
const (
	opGet  = "get"
	opSet  = "set"
	opCall = "call"
	opList = "list"
)

// Status codes carried in responses.
const (
	statusOK uint8 = iota
	statusError
	statusNoSuchProperty
	statusReadOnly
)

type request struct {
	Seq  uint32 `cbor:"1,keyasint"`
	Op   string `cbor:"2,keyasint"`
	Path string `cbor:"3,keyasint,omitempty"`
	Args []any  `cbor:"4,keyasint,omitempty"`
}

type response struct {
	Seq    uint32          `cbor:"1,keyasint"`
	Status uint8           `cbor:"2,keyasint"`
	Value  cbor.RawMessage `cbor:"3,keyasint,omitempty"`
	Error  string          `cbor:"4,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		ShortestFloat: cbor.ShortestFloat16,
	}
	if encMode, err = encOpts.EncMode(); err != nil {
		panic(fmt.Sprintf("create CBOR encoder mode: %v", err))
	}
	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
		DefaultMapType:    reflect.TypeOf(map[string]any(nil)),
	}
	if decMode, err = decOpts.DecMode(); err != nil {
		panic(fmt.Sprintf("create CBOR decoder mode: %v", err))
	}
}

func encodeValue(v any) (cbor.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	return data, nil
}

func decodeValue(raw cbor.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := decMode.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return normalizeValue(v), nil
}

// normalizeValue narrows decoded CBOR numbers so callers see float64 for
// floats and uint64/int64 for integers regardless of wire width.
func normalizeValue(v any) any {
	switch x := v.(type) {
	case float32:
		return float64(x)
	case []any:
		for i := range x {
			x[i] = normalizeValue(x[i])
		}
		return x
	case map[string]any:
		for k, val := range x {
			x[k] = normalizeValue(val)
		}
		return x
	default:
		return v
	}
}

func statusFor(err error) uint8 {
	switch {
	case err == nil:
		return statusOK
	case errors.Is(err, device.ErrNoSuchProperty):
		return statusNoSuchProperty
	case errors.Is(err, device.ErrReadOnly):
		return statusReadOnly
	default:
		return statusError
	}
}

// RemoteError is a failure reported by the firmware.
type RemoteError struct {
	Op      string
	Path    string
	Message string
	status  uint8
}

func (e *RemoteError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Path, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *RemoteError) Unwrap() error {
	switch e.status {
	case statusNoSuchProperty:
		return device.ErrNoSuchProperty
	case statusReadOnly:
		return device.ErrReadOnly
	default:
		return nil
	}
}
