package decoder

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/gagliardetto/solana-go"

	"idlgateway/internal/idl"
)

const testProgram = "Fg6PaFpoGXkYsidMpWTK6W2BeZ7FEfcYkg476zPFsLnS"

const counterIDL = `{
  "address": "Fg6PaFpoGXkYsidMpWTK6W2BeZ7FEfcYkg476zPFsLnS",
  "metadata": {"name": "counter", "version": "0.1.0"},
  "instructions": [
    {"name": "increment", "discriminator": [9,9,9,9,9,9,9,9], "args": [{"name": "amount", "type": "u64"}]}
  ],
  "accounts": [
    {"name": "Counter", "discriminator": [1,2,3,4,5,6,7,8]}
  ],
  "events": [
    {"name": "CounterChanged", "discriminator": [7,7,7,7,7,7,7,7]}
  ],
  "types": [
    {"name": "Counter", "type": {"kind": "struct", "fields": [
      {"name": "authority", "type": "pubkey"},
      {"name": "count", "type": "u64"},
      {"name": "label", "type": "string"},
      {"name": "tags", "type": {"vec": "u16"}},
      {"name": "bump", "type": {"option": "u8"}},
      {"name": "mode", "type": {"defined": {"name": "Mode"}}},
      {"name": "total", "type": "u128"},
      {"name": "delta", "type": "i64"},
      {"name": "offset", "type": "i128"},
      {"name": "seed", "type": {"array": ["u8", 4]}}
    ]}},
    {"name": "Mode", "type": {"kind": "enum", "variants": [
      {"name": "Idle"},
      {"name": "Running", "fields": [{"name": "since", "type": "i64"}]}
    ]}},
    {"name": "CounterChanged", "type": {"kind": "struct", "fields": [
      {"name": "count", "type": "u64"},
      {"name": "payload", "type": "bytes"}
    ]}}
  ]
}`

func TestDecodeAccountStruct(t *testing.T) {
	schema := mustSchema(t, counterIDL)
	authority := solana.MustPublicKeyFromBase58(testProgram)

	name, value, err := DecodeAccount(schema, counterBytes(authority))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if name != "Counter" {
		t.Fatalf("name mismatch: %s", name)
	}

	rec, ok := value.(*Record)
	if !ok {
		t.Fatalf("expected record, got %T", value)
	}
	want := []string{"authority", "count", "label", "tags", "bump", "mode", "total", "delta", "offset", "seed"}
	if got := rec.Names(); !equalStrings(got, want) {
		t.Fatalf("field order mismatch: %v", got)
	}

	count, _ := rec.Get("count")
	if count.(uint64) != 42 {
		t.Fatalf("count mismatch: %v", count)
	}
	bump, _ := rec.Get("bump")
	if bump != nil {
		t.Fatalf("expected absent option, got %v", bump)
	}
	tags, _ := rec.Get("tags")
	if list := tags.([]Value); len(list) != 2 || list[1].(uint16) != 513 {
		t.Fatalf("tags mismatch: %v", tags)
	}
}

func TestDecodeAccountNormalizedJSON(t *testing.T) {
	schema := mustSchema(t, counterIDL)
	authority := solana.MustPublicKeyFromBase58(testProgram)

	_, value, err := DecodeAccount(schema, counterBytes(authority))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	out, err := json.Marshal(Normalize(value))
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	want := `{"authority":"` + testProgram + `","count":"42","label":"hi","tags":[1,513],"bump":null,` +
		`"mode":{"Running":{"since":"-7"}},"total":"340282366920938463463374607431768211455",` +
		`"delta":"-5","offset":"-1","seed":[1,2,3,4]}`
	if string(out) != want {
		t.Fatalf("json mismatch:\n got %s\nwant %s", out, want)
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	schema := mustSchema(t, counterIDL)
	_, value, err := DecodeAccount(schema, counterBytes(solana.MustPublicKeyFromBase58(testProgram)))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	once, _ := json.Marshal(Normalize(value))
	twice, _ := json.Marshal(Normalize(Normalize(value)))
	if !bytes.Equal(once, twice) {
		t.Fatalf("normalize not idempotent:\n%s\n%s", once, twice)
	}
	if got := Normalize([]byte{1, 2, 3}); got != "AQID" {
		t.Fatalf("bytes not base64: %v", got)
	}
}

func TestDecodeAccountUnknownDiscriminator(t *testing.T) {
	schema := mustSchema(t, counterIDL)
	_, _, err := DecodeAccount(schema, []byte{0, 0, 0, 0, 0, 0, 0, 0, 1})
	if !errors.Is(err, ErrUnknownRecordType) {
		t.Fatalf("expected unknown record type, got %v", err)
	}
	if _, _, err := DecodeAccount(schema, []byte{1, 2, 3}); !errors.Is(err, ErrUnknownRecordType) {
		t.Fatalf("expected unknown record type for short data, got %v", err)
	}
}

func TestDecodeAccountTruncated(t *testing.T) {
	schema := mustSchema(t, counterIDL)
	data := counterBytes(solana.MustPublicKeyFromBase58(testProgram))

	name, _, err := DecodeAccount(schema, data[:20])
	if err == nil {
		t.Fatalf("expected error for truncated data")
	}
	if errors.Is(err, ErrUnknownRecordType) || name != "Counter" {
		t.Fatalf("expected layout error for Counter, got %s %v", name, err)
	}
}

func TestDecodeInstruction(t *testing.T) {
	schema := mustSchema(t, counterIDL)
	data := append([]byte{9, 9, 9, 9, 9, 9, 9, 9}, u64le(1000)...)

	if _, _, ok, err := DecodeInstruction(schema, "11111111111111111111111111111111", data); ok || err != nil {
		t.Fatalf("expected foreign program to be skipped, ok=%v err=%v", ok, err)
	}
	if _, _, ok, err := DecodeInstruction(schema, testProgram, []byte{1, 1, 1, 1, 1, 1, 1, 1}); ok || err != nil {
		t.Fatalf("expected unmatched instruction to be skipped, ok=%v err=%v", ok, err)
	}

	name, value, ok, err := DecodeInstruction(schema, testProgram, data)
	if err != nil || !ok {
		t.Fatalf("decode failed: ok=%v err=%v", ok, err)
	}
	if name != "increment" {
		t.Fatalf("name mismatch: %s", name)
	}
	amount, _ := value.(*Record).Get("amount")
	if amount.(uint64) != 1000 {
		t.Fatalf("amount mismatch: %v", amount)
	}
}

func TestDecodeEvent(t *testing.T) {
	schema := mustSchema(t, counterIDL)
	payload := append([]byte{7, 7, 7, 7, 7, 7, 7, 7}, u64le(3)...)
	payload = append(payload, u32le(2)...)
	payload = append(payload, 0xde, 0xad)
	line := EventLogPrefix + base64.StdEncoding.EncodeToString(payload)

	name, value, ok := DecodeEvent(schema, line)
	if !ok || name != "CounterChanged" {
		t.Fatalf("event not decoded: ok=%v name=%s", ok, name)
	}
	out, _ := json.Marshal(Normalize(value))
	if string(out) != `{"count":"3","payload":"3q0="}` {
		t.Fatalf("event json mismatch: %s", out)
	}

	if _, _, ok := DecodeEvent(schema, "Program log: hello"); ok {
		t.Fatalf("expected plain log to be ignored")
	}
	if _, _, ok := DecodeEvent(schema, EventLogPrefix+"!!!"); ok {
		t.Fatalf("expected invalid base64 to be ignored")
	}
	if _, _, ok := DecodeEvent(schema, EventLogPrefix+base64.StdEncoding.EncodeToString([]byte{7, 7, 7, 7, 7, 7, 7, 7})); ok {
		t.Fatalf("expected truncated event to be ignored")
	}
}

func TestDecodeAccountLegacyIDL(t *testing.T) {
	legacy := `{
	  "version": "0.1.0",
	  "name": "vault",
	  "instructions": [],
	  "accounts": [
	    {"name": "Vault", "type": {"kind": "struct", "fields": [
	      {"name": "owner", "type": "publicKey"},
	      {"name": "amount", "type": "u64"}
	    ]}}
	  ]
	}`
	schema, err := idl.Parse([]byte(legacy), testProgram)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	disc := schema.Accounts[0].Discriminator

	data := append([]byte{}, disc...)
	data = append(data, solana.MustPublicKeyFromBase58(testProgram).Bytes()...)
	data = append(data, u64le(9)...)

	name, value, err := DecodeAccount(schema, data)
	if err != nil || name != "Vault" {
		t.Fatalf("decode failed: name=%s err=%v", name, err)
	}
	out, _ := json.Marshal(Normalize(value))
	if string(out) != `{"owner":"`+testProgram+`","amount":"9"}` {
		t.Fatalf("json mismatch: %s", out)
	}
}

func TestDecodeAccountInvalidOptionTag(t *testing.T) {
	doc := `{"address":"` + testProgram + `","accounts":[{"name":"Flag","discriminator":[5]}],
	  "types":[{"name":"Flag","type":{"kind":"struct","fields":[{"name":"v","type":{"option":"u8"}}]}}]}`
	schema := mustSchema(t, doc)
	if _, _, err := DecodeAccount(schema, []byte{5, 2, 1}); err == nil {
		t.Fatalf("expected error for invalid option tag")
	}
	_, value, err := DecodeAccount(schema, []byte{5, 1, 8})
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if v, _ := value.(*Record).Get("v"); v.(uint8) != 8 {
		t.Fatalf("option value mismatch: %v", v)
	}
}

func TestDecodeAccountRejectsNonFiniteFloat(t *testing.T) {
	doc := `{"address":"` + testProgram + `","accounts":[{"name":"Gauge","discriminator":[6]}],
	  "types":[{"name":"Gauge","type":{"kind":"struct","fields":[{"name":"value","type":"f64"},{"name":"ratio","type":"f32"}]}}]}`
	schema := mustSchema(t, doc)

	finite := append([]byte{6}, u64le(math.Float64bits(1.5))...)
	finite = append(finite, u32le(math.Float32bits(0.25))...)
	_, value, err := DecodeAccount(schema, finite)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if _, err := json.Marshal(Normalize(value)); err != nil {
		t.Fatalf("finite floats must marshal: %v", err)
	}

	inf := append([]byte{6}, u64le(math.Float64bits(math.Inf(1)))...)
	inf = append(inf, u32le(math.Float32bits(0.25))...)
	if _, _, err := DecodeAccount(schema, inf); err == nil {
		t.Fatalf("expected error for +Inf f64")
	}

	negInf := append([]byte{6}, u64le(math.Float64bits(1.5))...)
	negInf = append(negInf, u32le(math.Float32bits(float32(math.Inf(-1))))...)
	if _, _, err := DecodeAccount(schema, negInf); err == nil {
		t.Fatalf("expected error for -Inf f32")
	}
}

func mustSchema(t *testing.T, doc string) *idl.Schema {
	t.Helper()
	schema, err := idl.Parse([]byte(doc), testProgram)
	if err != nil {
		t.Fatalf("parse idl: %v", err)
	}
	return schema
}

func counterBytes(authority solana.PublicKey) []byte {
	var buf bytes.Buffer
	buf.Write([]byte{1, 2, 3, 4, 5, 6, 7, 8})
	buf.Write(authority.Bytes())
	buf.Write(u64le(42))
	buf.Write(u32le(2))
	buf.WriteString("hi")
	buf.Write(u32le(2))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint16(513))
	buf.WriteByte(0)
	buf.WriteByte(1)
	binary.Write(&buf, binary.LittleEndian, int64(-7))
	buf.Write(bytes.Repeat([]byte{0xff}, 16))
	binary.Write(&buf, binary.LittleEndian, int64(-5))
	buf.Write(bytes.Repeat([]byte{0xff}, 16))
	buf.Write([]byte{1, 2, 3, 4})
	buf.Write([]byte{0xaa, 0xbb})
	return buf.Bytes()
}

func u64le(v uint64) []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, v)
	return out
}

func u32le(v uint32) []byte {
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, v)
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
