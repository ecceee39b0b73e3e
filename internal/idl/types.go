package idl

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Kind tags the shape of a field type.
type Kind int

const (
	KindInvalid Kind = iota
	KindBool
	KindU8
	KindI8
	KindU16
	KindI16
	KindU32
	KindI32
	KindF32
	KindU64
	KindI64
	KindF64
	KindU128
	KindI128
	KindU256
	KindI256
	KindBytes
	KindString
	KindPubkey
	KindVec
	KindArray
	KindOption
	KindCOption
	KindDefined
)

var primitiveKinds = map[string]Kind{
	"bool":      KindBool,
	"u8":        KindU8,
	"i8":        KindI8,
	"u16":       KindU16,
	"i16":       KindI16,
	"u32":       KindU32,
	"i32":       KindI32,
	"f32":       KindF32,
	"u64":       KindU64,
	"i64":       KindI64,
	"f64":       KindF64,
	"u128":      KindU128,
	"i128":      KindI128,
	"u256":      KindU256,
	"i256":      KindI256,
	"bytes":     KindBytes,
	"string":    KindString,
	"pubkey":    KindPubkey,
	"publicKey": KindPubkey,
}

var kindNames = map[Kind]string{
	KindBool:    "bool",
	KindU8:      "u8",
	KindI8:      "i8",
	KindU16:     "u16",
	KindI16:     "i16",
	KindU32:     "u32",
	KindI32:     "i32",
	KindF32:     "f32",
	KindU64:     "u64",
	KindI64:     "i64",
	KindF64:     "f64",
	KindU128:    "u128",
	KindI128:    "i128",
	KindU256:    "u256",
	KindI256:    "i256",
	KindBytes:   "bytes",
	KindString:  "string",
	KindPubkey:  "pubkey",
	KindVec:     "vec",
	KindArray:   "array",
	KindOption:  "option",
	KindCOption: "coption",
	KindDefined: "defined",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Type describes the binary layout of a single field.
type Type struct {
	Kind Kind
	// Elem is set for vec, array, option and coption.
	Elem *Type
	// Len is the element count of a fixed array.
	Len int
	// Defined names an entry of the schema's type table.
	Defined string
}

func (t Type) String() string {
	switch t.Kind {
	case KindVec, KindOption, KindCOption:
		return fmt.Sprintf("%s<%s>", t.Kind, t.Elem)
	case KindArray:
		return fmt.Sprintf("[%s; %d]", t.Elem, t.Len)
	case KindDefined:
		return t.Defined
	default:
		return t.Kind.String()
	}
}

// UnmarshalJSON accepts both the current and the legacy Anchor type notation.
func (t *Type) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty type")
	}

	if data[0] == '"' {
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			return err
		}
		kind, ok := primitiveKinds[name]
		if !ok {
			return fmt.Errorf("unsupported type %q", name)
		}
		*t = Type{Kind: kind}
		return nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("parse type: %w", err)
	}

	if raw, ok := obj["vec"]; ok {
		return t.setElem(KindVec, raw)
	}
	if raw, ok := obj["option"]; ok {
		return t.setElem(KindOption, raw)
	}
	if raw, ok := obj["coption"]; ok {
		return t.setElem(KindCOption, raw)
	}
	if raw, ok := obj["array"]; ok {
		var parts []json.RawMessage
		if err := json.Unmarshal(raw, &parts); err != nil || len(parts) != 2 {
			return fmt.Errorf("array type must be [type, length]")
		}
		var elem Type
		if err := json.Unmarshal(parts[0], &elem); err != nil {
			return err
		}
		var length int
		if err := json.Unmarshal(parts[1], &length); err != nil {
			return fmt.Errorf("unsupported array length %s", string(parts[1]))
		}
		if length < 0 {
			return fmt.Errorf("negative array length %d", length)
		}
		*t = Type{Kind: KindArray, Elem: &elem, Len: length}
		return nil
	}
	if raw, ok := obj["defined"]; ok {
		name, err := definedName(raw)
		if err != nil {
			return err
		}
		*t = Type{Kind: KindDefined, Defined: name}
		return nil
	}
	if _, ok := obj["generic"]; ok {
		return fmt.Errorf("generic types are not supported")
	}

	return fmt.Errorf("unsupported type %s", string(data))
}

func (t *Type) setElem(kind Kind, raw json.RawMessage) error {
	var elem Type
	if err := json.Unmarshal(raw, &elem); err != nil {
		return err
	}
	*t = Type{Kind: kind, Elem: &elem}
	return nil
}

func definedName(raw json.RawMessage) (string, error) {
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		return name, nil
	}
	var ref struct {
		Name     string            `json:"name"`
		Generics []json.RawMessage `json:"generics"`
	}
	if err := json.Unmarshal(raw, &ref); err != nil {
		return "", fmt.Errorf("parse defined type: %w", err)
	}
	if ref.Name == "" {
		return "", fmt.Errorf("defined type without name")
	}
	if len(ref.Generics) > 0 {
		return "", fmt.Errorf("generic type %s is not supported", ref.Name)
	}
	return ref.Name, nil
}

// Field is a named, typed member of a struct, variant or instruction.
// Tuple members carry their positional index as name.
type Field struct {
	Name string
	Type Type
}

// TypeDefKind distinguishes the shapes a named type can take.
type TypeDefKind int

const (
	TypeStruct TypeDefKind = iota + 1
	TypeEnum
	TypeAlias
)

// Variant is one arm of an enum.
type Variant struct {
	Name   string
	Fields []Field
}

// TypeDef is a named type from the schema's type table.
type TypeDef struct {
	Name     string
	Kind     TypeDefKind
	Fields   []Field
	Variants []Variant
	Alias    *Type
}
