package idl

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// DiscriminatorSize is the length of the type tag Anchor prefixes to accounts,
// instructions and events.
const DiscriminatorSize = 8

// Schema is a parsed program IDL.
type Schema struct {
	Address      string
	Name         string
	Version      string
	Accounts     []RecordType
	Instructions []InstructionType
	Events       []EventType
	Types        map[string]*TypeDef

	raw []byte
}

// RecordType is an account shape declared by the program.
type RecordType struct {
	Name          string
	Discriminator []byte
	Layout        *TypeDef
}

// InstructionType is an instruction declared by the program.
type InstructionType struct {
	Name          string
	Discriminator []byte
	Args          []Field
}

// EventType is an event the program emits through its logs.
type EventType struct {
	Name          string
	Discriminator []byte
	Layout        *TypeDef
}

// Raw returns the document bytes the schema was parsed from.
func (s *Schema) Raw() []byte {
	return s.raw
}

// Type looks up a named type definition.
func (s *Schema) Type(name string) (*TypeDef, bool) {
	def, ok := s.Types[name]
	return def, ok
}

type rawIDL struct {
	Address  string `json:"address"`
	Name     string `json:"name"`
	Version  string `json:"version"`
	Metadata struct {
		Name    string `json:"name"`
		Version string `json:"version"`
		Address string `json:"address"`
	} `json:"metadata"`
	Instructions []rawInstruction `json:"instructions"`
	Accounts     []rawNamedLayout `json:"accounts"`
	Events       []rawNamedLayout `json:"events"`
	Types        []rawNamedLayout `json:"types"`
}

type rawInstruction struct {
	Name          string          `json:"name"`
	Discriminator []int           `json:"discriminator"`
	Args          json.RawMessage `json:"args"`
}

// rawNamedLayout covers type table entries, accounts and events in both the
// current format (discriminator only) and the legacy one (inline layout).
type rawNamedLayout struct {
	Name          string          `json:"name"`
	Discriminator []int           `json:"discriminator"`
	Type          *rawTypeBody    `json:"type"`
	Fields        json.RawMessage `json:"fields"`
}

type rawTypeBody struct {
	Kind     string          `json:"kind"`
	Fields   json.RawMessage `json:"fields"`
	Variants []rawVariant    `json:"variants"`
	Alias    *Type           `json:"alias"`
}

type rawVariant struct {
	Name   string          `json:"name"`
	Fields json.RawMessage `json:"fields"`
}

// Parse builds a Schema from an IDL document. programID fills in the address
// of legacy documents that do not carry one.
func Parse(data []byte, programID string) (*Schema, error) {
	var doc rawIDL
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse idl: %w", err)
	}

	schema := &Schema{
		Address: firstNonEmpty(doc.Address, doc.Metadata.Address, programID),
		Name:    firstNonEmpty(doc.Metadata.Name, doc.Name),
		Version: firstNonEmpty(doc.Metadata.Version, doc.Version),
		Types:   make(map[string]*TypeDef, len(doc.Types)),
		raw:     data,
	}

	for _, entry := range doc.Types {
		if entry.Type == nil {
			return nil, fmt.Errorf("type %s: missing definition", entry.Name)
		}
		def, err := buildTypeDef(entry.Name, entry.Type)
		if err != nil {
			return nil, fmt.Errorf("type %s: %w", entry.Name, err)
		}
		schema.Types[entry.Name] = def
	}

	for _, entry := range doc.Accounts {
		layout, err := schema.layoutFor(entry)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", entry.Name, err)
		}
		disc, err := discriminatorOf(entry.Discriminator, "account:"+entry.Name)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", entry.Name, err)
		}
		schema.Accounts = append(schema.Accounts, RecordType{
			Name:          entry.Name,
			Discriminator: disc,
			Layout:        layout,
		})
	}

	for _, entry := range doc.Instructions {
		args, err := parseFields(entry.Args)
		if err != nil {
			return nil, fmt.Errorf("instruction %s: %w", entry.Name, err)
		}
		disc, err := discriminatorOf(entry.Discriminator, "global:"+snakeCase(entry.Name))
		if err != nil {
			return nil, fmt.Errorf("instruction %s: %w", entry.Name, err)
		}
		schema.Instructions = append(schema.Instructions, InstructionType{
			Name:          entry.Name,
			Discriminator: disc,
			Args:          args,
		})
	}

	for _, entry := range doc.Events {
		layout, err := schema.layoutFor(entry)
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", entry.Name, err)
		}
		disc, err := discriminatorOf(entry.Discriminator, "event:"+entry.Name)
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", entry.Name, err)
		}
		schema.Events = append(schema.Events, EventType{
			Name:          entry.Name,
			Discriminator: disc,
			Layout:        layout,
		})
	}

	return schema, nil
}

// layoutFor resolves an account or event layout: inline for legacy documents,
// otherwise from the type table. Inline layouts are registered in the table so
// other types can reference them.
func (s *Schema) layoutFor(entry rawNamedLayout) (*TypeDef, error) {
	if entry.Type != nil {
		def, err := buildTypeDef(entry.Name, entry.Type)
		if err != nil {
			return nil, err
		}
		if _, exists := s.Types[entry.Name]; !exists {
			s.Types[entry.Name] = def
		}
		return def, nil
	}
	if len(entry.Fields) > 0 && !bytes.Equal(bytes.TrimSpace(entry.Fields), []byte("null")) {
		fields, err := parseFields(entry.Fields)
		if err != nil {
			return nil, err
		}
		def := &TypeDef{Name: entry.Name, Kind: TypeStruct, Fields: fields}
		if _, exists := s.Types[entry.Name]; !exists {
			s.Types[entry.Name] = def
		}
		return def, nil
	}
	def, ok := s.Types[entry.Name]
	if !ok {
		return nil, fmt.Errorf("layout not found in types")
	}
	return def, nil
}

func buildTypeDef(name string, body *rawTypeBody) (*TypeDef, error) {
	switch body.Kind {
	case "struct":
		fields, err := parseFields(body.Fields)
		if err != nil {
			return nil, err
		}
		return &TypeDef{Name: name, Kind: TypeStruct, Fields: fields}, nil
	case "enum":
		def := &TypeDef{Name: name, Kind: TypeEnum}
		for _, v := range body.Variants {
			fields, err := parseFields(v.Fields)
			if err != nil {
				return nil, fmt.Errorf("variant %s: %w", v.Name, err)
			}
			def.Variants = append(def.Variants, Variant{Name: v.Name, Fields: fields})
		}
		if len(def.Variants) > 256 {
			return nil, fmt.Errorf("enum has %d variants", len(def.Variants))
		}
		return def, nil
	case "type":
		if body.Alias == nil {
			return nil, fmt.Errorf("alias without target")
		}
		return &TypeDef{Name: name, Kind: TypeAlias, Alias: body.Alias}, nil
	default:
		return nil, fmt.Errorf("unsupported type kind %q", body.Kind)
	}
}

// parseFields accepts a list of named fields or a list of bare types (tuple).
func parseFields(raw json.RawMessage) ([]Field, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("parse fields: %w", err)
	}

	fields := make([]Field, 0, len(items))
	for i, item := range items {
		var named struct {
			Name string          `json:"name"`
			Type json.RawMessage `json:"type"`
		}
		if err := json.Unmarshal(item, &named); err == nil && named.Name != "" && len(named.Type) > 0 {
			var typ Type
			if err := json.Unmarshal(named.Type, &typ); err != nil {
				return nil, fmt.Errorf("field %s: %w", named.Name, err)
			}
			fields = append(fields, Field{Name: named.Name, Type: typ})
			continue
		}

		var typ Type
		if err := json.Unmarshal(item, &typ); err != nil {
			return nil, fmt.Errorf("field %d: %w", i, err)
		}
		fields = append(fields, Field{Name: strconv.Itoa(i), Type: typ})
	}
	return fields, nil
}

func discriminatorOf(declared []int, preimage string) ([]byte, error) {
	if len(declared) == 0 {
		sum := sha256.Sum256([]byte(preimage))
		return sum[:DiscriminatorSize], nil
	}
	out := make([]byte, len(declared))
	for i, b := range declared {
		if b < 0 || b > 255 {
			return nil, fmt.Errorf("discriminator byte %d out of range", b)
		}
		out[i] = byte(b)
	}
	return out, nil
}

// snakeCase converts a legacy camelCase instruction name to the form used in
// its sighash preimage.
func snakeCase(name string) string {
	var sb strings.Builder
	runes := []rune(name)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1])) {
				sb.WriteByte('_')
			}
			sb.WriteRune(unicode.ToLower(r))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
