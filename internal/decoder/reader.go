package decoder

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"idlgateway/internal/idl"
)

const maxDepth = 64

var le = binary.LittleEndian

// reader walks a Borsh payload according to a schema's type descriptors.
type reader struct {
	dec    *bin.Decoder
	schema *idl.Schema
}

func newReader(schema *idl.Schema, data []byte) *reader {
	return &reader{dec: bin.NewBorshDecoder(data), schema: schema}
}

func (r *reader) readFields(fields []idl.Field, depth int) (*Record, error) {
	rec := NewRecord(len(fields))
	for _, f := range fields {
		v, err := r.readType(&f.Type, depth+1)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.Name, err)
		}
		rec.Set(f.Name, v)
	}
	return rec, nil
}

func (r *reader) readDef(def *idl.TypeDef, depth int) (Value, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("type %s nested deeper than %d", def.Name, maxDepth)
	}
	switch def.Kind {
	case idl.TypeStruct:
		return r.readFields(def.Fields, depth)
	case idl.TypeEnum:
		idx, err := r.dec.ReadUint8()
		if err != nil {
			return nil, fmt.Errorf("read %s variant: %w", def.Name, err)
		}
		if int(idx) >= len(def.Variants) {
			return nil, fmt.Errorf("%s: variant index %d out of range", def.Name, idx)
		}
		variant := def.Variants[idx]
		fields, err := r.readFields(variant.Fields, depth)
		if err != nil {
			return nil, fmt.Errorf("%s::%s: %w", def.Name, variant.Name, err)
		}
		rec := NewRecord(1)
		rec.Set(variant.Name, fields)
		return rec, nil
	case idl.TypeAlias:
		return r.readType(def.Alias, depth+1)
	default:
		return nil, fmt.Errorf("type %s has unknown kind %d", def.Name, def.Kind)
	}
}

func (r *reader) readType(t *idl.Type, depth int) (Value, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("nested deeper than %d", maxDepth)
	}

	switch t.Kind {
	case idl.KindBool:
		return r.dec.ReadBool()
	case idl.KindU8:
		return r.dec.ReadUint8()
	case idl.KindI8:
		return r.dec.ReadInt8()
	case idl.KindU16:
		return r.dec.ReadUint16(le)
	case idl.KindI16:
		return r.dec.ReadInt16(le)
	case idl.KindU32:
		return r.dec.ReadUint32(le)
	case idl.KindI32:
		return r.dec.ReadInt32(le)
	case idl.KindF32:
		f, err := r.dec.ReadFloat32(le)
		if err != nil {
			return nil, err
		}
		if err := checkFinite(float64(f)); err != nil {
			return nil, err
		}
		return f, nil
	case idl.KindU64:
		return r.dec.ReadUint64(le)
	case idl.KindI64:
		return r.dec.ReadInt64(le)
	case idl.KindF64:
		f, err := r.dec.ReadFloat64(le)
		if err != nil {
			return nil, err
		}
		if err := checkFinite(f); err != nil {
			return nil, err
		}
		return f, nil
	case idl.KindU128:
		return r.readWide(16, false)
	case idl.KindI128:
		return r.readWide(16, true)
	case idl.KindU256:
		return r.readWide(32, false)
	case idl.KindI256:
		return r.readWide(32, true)
	case idl.KindBytes:
		return r.readBlob()
	case idl.KindString:
		b, err := r.readBlob()
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case idl.KindPubkey:
		b, err := r.dec.ReadNBytes(solana.PublicKeyLength)
		if err != nil {
			return nil, fmt.Errorf("read pubkey: %w", err)
		}
		return solana.PublicKeyFromBytes(b), nil
	case idl.KindVec:
		n, err := r.dec.ReadUint32(le)
		if err != nil {
			return nil, fmt.Errorf("read vec length: %w", err)
		}
		if int64(n) > int64(r.dec.Remaining()) {
			return nil, fmt.Errorf("vec length %d exceeds remaining %d bytes", n, r.dec.Remaining())
		}
		return r.readSeq(t.Elem, int(n), depth)
	case idl.KindArray:
		return r.readSeq(t.Elem, t.Len, depth)
	case idl.KindOption:
		tag, err := r.dec.ReadUint8()
		if err != nil {
			return nil, fmt.Errorf("read option tag: %w", err)
		}
		return r.readOptional(t.Elem, uint32(tag), depth)
	case idl.KindCOption:
		tag, err := r.dec.ReadUint32(le)
		if err != nil {
			return nil, fmt.Errorf("read coption tag: %w", err)
		}
		return r.readOptional(t.Elem, tag, depth)
	case idl.KindDefined:
		def, ok := r.schema.Type(t.Defined)
		if !ok {
			return nil, fmt.Errorf("type %s not defined", t.Defined)
		}
		return r.readDef(def, depth+1)
	default:
		return nil, fmt.Errorf("unsupported type %s", t)
	}
}

func (r *reader) readSeq(elem *idl.Type, n int, depth int) ([]Value, error) {
	out := make([]Value, 0, n)
	for i := 0; i < n; i++ {
		v, err := r.readType(elem, depth+1)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func (r *reader) readOptional(elem *idl.Type, tag uint32, depth int) (Value, error) {
	switch tag {
	case 0:
		return nil, nil
	case 1:
		return r.readType(elem, depth+1)
	default:
		return nil, fmt.Errorf("invalid option tag %d", tag)
	}
}

func (r *reader) readBlob() ([]byte, error) {
	n, err := r.dec.ReadUint32(le)
	if err != nil {
		return nil, fmt.Errorf("read length: %w", err)
	}
	if int64(n) > int64(r.dec.Remaining()) {
		return nil, fmt.Errorf("length %d exceeds remaining %d bytes", n, r.dec.Remaining())
	}
	return r.dec.ReadNBytes(int(n))
}

// checkFinite rejects values JSON cannot carry.
func checkFinite(f float64) error {
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return fmt.Errorf("non-finite float %v", f)
	}
	return nil
}

// readWide decodes a little-endian integer wider than 64 bits.
func (r *reader) readWide(size int, signed bool) (*big.Int, error) {
	raw, err := r.dec.ReadNBytes(size)
	if err != nil {
		return nil, fmt.Errorf("read %d-bit integer: %w", size*8, err)
	}
	be := make([]byte, size)
	for i := range raw {
		be[size-1-i] = raw[i]
	}
	v := new(big.Int).SetBytes(be)
	if signed && be[0]&0x80 != 0 {
		v.Sub(v, new(big.Int).Lsh(big.NewInt(1), uint(size*8)))
	}
	return v, nil
}
