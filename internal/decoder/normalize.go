package decoder

import (
	"encoding/base64"
	"math/big"
	"strconv"

	"github.com/gagliardetto/solana-go"
)

// Normalize rewrites a decoded tree into JSON-safe forms: 64-bit and wider
// integers become base-10 strings, public keys become base58 addresses and
// byte blobs become base64. Lists and records are rebuilt element-wise, so
// the input is never modified. Normalizing twice is a no-op.
func Normalize(v Value) Value {
	switch x := v.(type) {
	case uint64:
		return strconv.FormatUint(x, 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case *big.Int:
		if x == nil {
			return nil
		}
		return x.String()
	case solana.PublicKey:
		return x.String()
	case *solana.PublicKey:
		if x == nil {
			return nil
		}
		return x.String()
	case []byte:
		return base64.StdEncoding.EncodeToString(x)
	case []Value:
		out := make([]Value, len(x))
		for i, item := range x {
			out[i] = Normalize(item)
		}
		return out
	case *Record:
		if x == nil {
			return nil
		}
		out := NewRecord(x.Len())
		for _, e := range x.Entries {
			out.Entries = append(out.Entries, Entry{Name: e.Name, Value: Normalize(e.Value)})
		}
		return out
	default:
		return v
	}
}
