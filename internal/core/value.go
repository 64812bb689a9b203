package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
)

type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindString
	KindNumber
	KindBool
	KindList
)

func (k ValueKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindList:
		return "list"
	default:
		return "null"
	}
}

// Value is a condition operand or context attribute: a string, number, bool
// or list of values. The zero Value is null and matches nothing.
type Value struct {
	kind   ValueKind
	str    string
	num    float64
	flag   bool
	values []Value
}

func StringValue(s string) Value {
	return Value{kind: KindString, str: s}
}

func NumberValue(n float64) Value {
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return Value{}
	}
	return Value{kind: KindNumber, num: n}
}

func BoolValue(b bool) Value {
	return Value{kind: KindBool, flag: b}
}

func ListValue(values ...Value) Value {
	return Value{kind: KindList, values: append([]Value(nil), values...)}
}

// ValueOf converts a Go value into a Value. Unsupported types become null.
func ValueOf(raw any) Value {
	switch typed := raw.(type) {
	case nil:
		return Value{}
	case Value:
		return typed
	case string:
		return StringValue(typed)
	case bool:
		return BoolValue(typed)
	case json.Number:
		parsed, err := strconv.ParseFloat(typed.String(), 64)
		if err != nil {
			return Value{}
		}
		return NumberValue(parsed)
	case []any:
		values := make([]Value, 0, len(typed))
		for _, item := range typed {
			values = append(values, ValueOf(item))
		}
		return Value{kind: KindList, values: values}
	}

	if number, ok := asFloat64(raw); ok {
		return NumberValue(number)
	}

	reflected := reflect.ValueOf(raw)
	if reflected.Kind() == reflect.Slice || reflected.Kind() == reflect.Array {
		values := make([]Value, 0, reflected.Len())
		for i := 0; i < reflected.Len(); i++ {
			values = append(values, ValueOf(reflected.Index(i).Interface()))
		}
		return Value{kind: KindList, values: values}
	}

	return Value{}
}

func (v Value) Kind() ValueKind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) IsScalar() bool {
	return v.kind == KindString || v.kind == KindNumber || v.kind == KindBool
}

func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.flag)
	case KindList:
		return fmt.Sprint(v.Interface())
	default:
		return "null"
	}
}

// Interface returns the plain Go representation (string, float64, bool, []any or nil).
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.flag
	case KindList:
		items := make([]any, 0, len(v.values))
		for _, item := range v.values {
			items = append(items, item.Interface())
		}
		return items
	default:
		return nil
	}
}

// List returns the elements of a list value, or nil for any other kind.
func (v Value) List() []Value {
	if v.kind != KindList {
		return nil
	}
	return append([]Value(nil), v.values...)
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()

	var raw any
	if err := decoder.Decode(&raw); err != nil {
		return err
	}

	*v = ValueOf(raw)
	return nil
}

// Equal reports whether two scalars of the same kind hold the same value.
// Strings compare case-sensitively; lists and nulls are never equal.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}

	switch v.kind {
	case KindString:
		return v.str == other.str
	case KindNumber:
		return v.num == other.num
	case KindBool:
		return v.flag == other.flag
	default:
		return false
	}
}

func asFloat64(value any) (float64, bool) {
	switch number := value.(type) {
	case int:
		return float64(number), true
	case int8:
		return float64(number), true
	case int16:
		return float64(number), true
	case int32:
		return float64(number), true
	case int64:
		return float64(number), true
	case uint:
		return float64(number), true
	case uint8:
		return float64(number), true
	case uint16:
		return float64(number), true
	case uint32:
		return float64(number), true
	case uint64:
		return float64(number), true
	case float32:
		return float64(number), true
	case float64:
		return number, true
	default:
		return 0, false
	}
}
