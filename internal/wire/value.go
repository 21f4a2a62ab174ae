package wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
)

type Kind string

const (
	KindString  Kind = "string"
	KindInt32   Kind = "int32"
	KindInt64   Kind = "int64"
	KindFloat32 Kind = "float32"
	KindFloat64 Kind = "float64"
	KindBool    Kind = "bool"
	KindBinary  Kind = "binary"
)

func (k Kind) Valid() bool {
	switch k {
	case KindString, KindInt32, KindInt64, KindFloat32, KindFloat64, KindBool, KindBinary:
		return true
	default:
		return false
	}
}

// Numeric reports whether values of k convert to float64.
func (k Kind) Numeric() bool {
	switch k {
	case KindInt32, KindInt64, KindFloat32, KindFloat64:
		return true
	default:
		return false
	}
}

// Value is one typed envelope field. Exactly one payload matches Kind.
type Value struct {
	Kind Kind
	str  string
	i64  int64
	f64  float64
	b    bool
	bin  []byte
}

func String(v string) Value   { return Value{Kind: KindString, str: v} }
func Int32(v int32) Value     { return Value{Kind: KindInt32, i64: int64(v)} }
func Int64(v int64) Value     { return Value{Kind: KindInt64, i64: v} }
func Float32(v float32) Value { return Value{Kind: KindFloat32, f64: float64(v)} }
func Float64(v float64) Value { return Value{Kind: KindFloat64, f64: v} }
func Bool(v bool) Value       { return Value{Kind: KindBool, b: v} }

func Binary(v []byte) Value {
	return Value{Kind: KindBinary, bin: append([]byte(nil), v...)}
}

func (v Value) AsString() (string, bool) {
	return v.str, v.Kind == KindString
}

func (v Value) AsBool() (bool, bool) {
	return v.b, v.Kind == KindBool
}

func (v Value) AsBinary() ([]byte, bool) {
	return v.bin, v.Kind == KindBinary
}

// AsInt64 accepts either integer kind.
func (v Value) AsInt64() (int64, bool) {
	switch v.Kind {
	case KindInt32, KindInt64:
		return v.i64, true
	default:
		return 0, false
	}
}

// AsFloat64 accepts any numeric kind.
func (v Value) AsFloat64() (float64, bool) {
	switch v.Kind {
	case KindFloat32, KindFloat64:
		return v.f64, true
	case KindInt32, KindInt64:
		return float64(v.i64), true
	default:
		return 0, false
	}
}

func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindString:
		return v.str == o.str
	case KindInt32, KindInt64:
		return v.i64 == o.i64
	case KindFloat32, KindFloat64:
		return v.f64 == o.f64 || (math.IsNaN(v.f64) && math.IsNaN(o.f64))
	case KindBool:
		return v.b == o.b
	case KindBinary:
		return string(v.bin) == string(o.bin)
	default:
		return true
	}
}

func (v Value) String() string {
	switch v.Kind {
	case KindString:
		return v.str
	case KindInt32, KindInt64:
		return fmt.Sprintf("%d", v.i64)
	case KindFloat32, KindFloat64:
		return fmt.Sprintf("%g", v.f64)
	case KindBool:
		return fmt.Sprintf("%t", v.b)
	case KindBinary:
		return fmt.Sprintf("<%d bytes>", len(v.bin))
	default:
		return "<invalid>"
	}
}

type valueJSON struct {
	Type  Kind            `json:"type"`
	Value json.RawMessage `json:"value"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	var (
		raw []byte
		err error
	)
	switch v.Kind {
	case KindString:
		raw, err = json.Marshal(v.str)
	case KindInt32, KindInt64:
		raw, err = json.Marshal(v.i64)
	case KindFloat32, KindFloat64:
		if math.IsNaN(v.f64) || math.IsInf(v.f64, 0) {
			return nil, fmt.Errorf("%w: non-finite %s", ErrInvalidFrame, v.Kind)
		}
		raw, err = json.Marshal(v.f64)
	case KindBool:
		raw, err = json.Marshal(v.b)
	case KindBinary:
		raw, err = json.Marshal(base64.StdEncoding.EncodeToString(v.bin))
	default:
		return nil, fmt.Errorf("%w: unknown value type %q", ErrInvalidFrame, v.Kind)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(valueJSON{Type: v.Kind, Value: raw})
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var in valueJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if len(in.Value) == 0 {
		return fmt.Errorf("%w: value is required", ErrInvalidFrame)
	}
	out := Value{Kind: in.Type}
	var err error
	switch in.Type {
	case KindString:
		err = json.Unmarshal(in.Value, &out.str)
	case KindInt32:
		var n int64
		if err = json.Unmarshal(in.Value, &n); err == nil && (n < math.MinInt32 || n > math.MaxInt32) {
			err = fmt.Errorf("int32 out of range: %d", n)
		}
		out.i64 = n
	case KindInt64:
		err = json.Unmarshal(in.Value, &out.i64)
	case KindFloat32:
		var f float64
		if err = json.Unmarshal(in.Value, &f); err == nil && math.Abs(f) > math.MaxFloat32 {
			err = fmt.Errorf("float32 out of range: %g", f)
		}
		out.f64 = float64(float32(f))
	case KindFloat64:
		err = json.Unmarshal(in.Value, &out.f64)
	case KindBool:
		err = json.Unmarshal(in.Value, &out.b)
	case KindBinary:
		var s string
		if err = json.Unmarshal(in.Value, &s); err == nil {
			out.bin, err = base64.StdEncoding.DecodeString(s)
		}
	default:
		err = fmt.Errorf("unknown value type %q", in.Type)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	*v = out
	return nil
}
