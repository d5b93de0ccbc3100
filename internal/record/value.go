package record

import (
	"fmt"
	"strconv"
	"time"

	"github.com/steveyegge/offsync/internal/schema"
)

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindInt
	KindDouble
	KindBool
	KindDate
	KindEnum
	KindNested
	KindCollection
)

var kindNames = [...]string{
	KindNull:       "null",
	KindString:     "string",
	KindInt:        "int",
	KindDouble:     "double",
	KindBool:       "bool",
	KindDate:       "date",
	KindEnum:       "enum",
	KindNested:     "nested",
	KindCollection: "collection",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Value is a tagged union over the field types an entity can hold.
// The zero Value is Null.
type Value struct {
	kind   Kind
	str    string
	num    int64
	dbl    float64
	flag   bool
	date   time.Time
	nested *Record
	coll   []*Record
}

// Null returns the null value.
func Null() Value { return Value{} }

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Int returns an integer value.
func Int(n int64) Value { return Value{kind: KindInt, num: n} }

// Double returns a floating point value.
func Double(f float64) Value { return Value{kind: KindDouble, dbl: f} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, flag: b} }

// Date returns a timestamp value normalized to UTC.
func Date(t time.Time) Value { return Value{kind: KindDate, date: t.UTC()} }

// Enum returns an enumeration value.
func Enum(s string) Value { return Value{kind: KindEnum, str: s} }

// Nested returns a value embedding r.
func Nested(r *Record) Value {
	if r == nil {
		return Null()
	}
	return Value{kind: KindNested, nested: r}
}

// Collection returns a value embedding records.
func Collection(records []*Record) Value {
	return Value{kind: KindCollection, coll: records}
}

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsString returns the payload of a string or enum value.
func (v Value) AsString() (string, bool) {
	if v.kind == KindString || v.kind == KindEnum {
		return v.str, true
	}
	return "", false
}

func (v Value) AsInt() (int64, bool) {
	return v.num, v.kind == KindInt
}

// AsDouble returns the payload of a double value. Integers are widened.
func (v Value) AsDouble() (float64, bool) {
	switch v.kind {
	case KindDouble:
		return v.dbl, true
	case KindInt:
		return float64(v.num), true
	}
	return 0, false
}

func (v Value) AsBool() (bool, bool) {
	return v.flag, v.kind == KindBool
}

func (v Value) AsDate() (time.Time, bool) {
	return v.date, v.kind == KindDate
}

func (v Value) AsNested() (*Record, bool) {
	return v.nested, v.kind == KindNested
}

func (v Value) AsCollection() ([]*Record, bool) {
	return v.coll, v.kind == KindCollection
}

// Matches reports whether v can be stored in a field of type t.
// Null matches every type.
func (v Value) Matches(t schema.FieldType) bool {
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return t == schema.TypeString
	case KindEnum:
		return t == schema.TypeEnum || t == schema.TypeString
	case KindInt:
		return t == schema.TypeInt || t == schema.TypeDouble
	case KindDouble:
		return t == schema.TypeDouble
	case KindBool:
		return t == schema.TypeBool
	case KindDate:
		return t == schema.TypeDate
	case KindNested:
		return t == schema.TypeNested
	case KindCollection:
		return t == schema.TypeCollection
	}
	return false
}

// Equal reports whether v and o hold the same variant and payload.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindString, KindEnum:
		return v.str == o.str
	case KindInt:
		return v.num == o.num
	case KindDouble:
		return v.dbl == o.dbl
	case KindBool:
		return v.flag == o.flag
	case KindDate:
		return v.date.Equal(o.date)
	case KindNested:
		return v.nested.Equal(o.nested)
	case KindCollection:
		if len(v.coll) != len(o.coll) {
			return false
		}
		for i := range v.coll {
			if !v.coll[i].Equal(o.coll[i]) {
				return false
			}
		}
		return true
	}
	return false
}

func (v Value) clone() Value {
	switch v.kind {
	case KindNested:
		return Nested(v.nested.Clone())
	case KindCollection:
		out := make([]*Record, len(v.coll))
		for i, r := range v.coll {
			out[i] = r.Clone()
		}
		return Collection(out)
	}
	return v
}

// keyString renders a scalar value for use in a primary key.
func (v Value) keyString() (string, bool) {
	switch v.kind {
	case KindString, KindEnum:
		return v.str, true
	case KindInt:
		return strconv.FormatInt(v.num, 10), true
	case KindDouble:
		return strconv.FormatFloat(v.dbl, 'g', -1, 64), true
	case KindBool:
		return strconv.FormatBool(v.flag), true
	case KindDate:
		return v.date.Format(time.RFC3339Nano), true
	}
	return "", false
}

func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindNested:
		return fmt.Sprintf("nested(%d fields)", v.nested.Len())
	case KindCollection:
		return fmt.Sprintf("collection(%d)", len(v.coll))
	}
	s, _ := v.keyString()
	if v.kind == KindString || v.kind == KindEnum {
		return strconv.Quote(s)
	}
	return s
}
