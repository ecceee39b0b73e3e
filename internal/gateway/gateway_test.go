package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idlgateway/internal/chain"
	"idlgateway/internal/idl"
	"idlgateway/internal/model"
	"idlgateway/internal/resolver"
	"idlgateway/internal/storage"
)

const (
	testProgram  = "Fg6PaFpoGXkYsidMpWTK6W2BeZ7FEfcYkg476zPFsLnS"
	otherProgram = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
	keyA         = "SysvarC1ock11111111111111111111111111111111"
	keyB         = "SysvarRent111111111111111111111111111111111"
	keyC         = "Vote111111111111111111111111111111111111111"
)

var testSig = solana.Signature{1, 2, 3, 4}.String()

const testIDL = `{
  "address": "Fg6PaFpoGXkYsidMpWTK6W2BeZ7FEfcYkg476zPFsLnS",
  "metadata": {"name": "counter", "version": "0.1.0"},
  "instructions": [
    {"name": "increment", "discriminator": [9,9,9,9,9,9,9,9], "args": [{"name": "amount", "type": "u64"}]}
  ],
  "accounts": [{"name": "Counter", "discriminator": [1,2,3,4,5,6,7,8]}],
  "events": [{"name": "Incremented", "discriminator": [7,7,7,7,7,7,7,7]}],
  "types": [
    {"name": "Counter", "type": {"kind": "struct", "fields": [
      {"name": "count", "type": "u64"},
      {"name": "authority", "type": "pubkey"}
    ]}},
    {"name": "Incremented", "type": {"kind": "struct", "fields": [{"name": "count", "type": "u64"}]}}
  ]
}`

func TestGetParsedAccountData(t *testing.T) {
	up := newFakeUpstream()
	up.accounts[keyA] = counterAccount(42)
	srv, _ := newTestServer(t, up)

	resp := call(t, srv, `{"jsonrpc":"2.0","id":1,"method":"getParsedAccountData","params":["`+keyA+`"]}`)
	require.Nil(t, resp["error"])

	value := resp["result"].(map[string]interface{})["value"].(map[string]interface{})
	assert.Equal(t, true, value["parsed"])
	assert.Equal(t, "Counter", value["name"])
	assert.Equal(t, keyA, value["key"])
	data := value["data"].(map[string]interface{})
	assert.Equal(t, "42", data["count"])
	assert.Equal(t, testProgram, data["authority"])
	assert.Equal(t, testProgram, value["owner"])
}

func TestGetAccountInfoIdlParsedEncoding(t *testing.T) {
	up := newFakeUpstream()
	up.accounts[keyA] = counterAccount(1)
	srv, proxied := newTestServer(t, up)

	resp := call(t, srv, `{"jsonrpc":"2.0","id":2,"method":"getAccountInfo","params":["`+keyA+`",{"encoding":"idlParsed","commitment":"finalized"}]}`)
	value := resp["result"].(map[string]interface{})["value"].(map[string]interface{})
	assert.Equal(t, "Counter", value["name"])
	assert.Equal(t, "finalized", up.lastCommitment)

	call(t, srv, `{"jsonrpc":"2.0","id":3,"method":"getAccountInfo","params":["`+keyA+`",{"encoding":"base64"}]}`)
	assert.Equal(t, int32(1), proxied.Load(), "plain encodings go upstream")
}

func TestGetParsedAccountDataErrors(t *testing.T) {
	up := newFakeUpstream()
	up.accounts[keyA] = &model.AccountInfo{Data: []string{"AQID", "base64"}, Owner: otherProgram}
	up.accounts[keyB] = &model.AccountInfo{Data: []string{base64.StdEncoding.EncodeToString(make([]byte, 16)), "base64"}, Owner: testProgram}
	srv, _ := newTestServer(t, up)

	resp := call(t, srv, `{"jsonrpc":"2.0","id":1,"method":"getParsedAccountData","params":["`+keyA+`"]}`)
	rpcErr := resp["error"].(map[string]interface{})
	assert.Equal(t, float64(model.CodeInvalidParams), rpcErr["code"])
	assert.Equal(t, "IDL not found for program", rpcErr["message"])
	assert.Equal(t, otherProgram, rpcErr["data"].(map[string]interface{})["programId"])

	resp = call(t, srv, `{"jsonrpc":"2.0","id":1,"method":"getParsedAccountData","params":["`+keyB+`"]}`)
	rpcErr = resp["error"].(map[string]interface{})
	assert.Equal(t, "Failed to decode account data", rpcErr["message"])
	assert.Equal(t, keyB, rpcErr["data"].(map[string]interface{})["account"])

	resp = call(t, srv, `{"jsonrpc":"2.0","id":1,"method":"getParsedAccountData","params":[]}`)
	assert.Equal(t, float64(model.CodeInvalidParams), resp["error"].(map[string]interface{})["code"])

	resp = call(t, srv, `{"jsonrpc":"2.0","id":1,"method":"getParsedAccountData","params":["`+keyC+`"]}`)
	require.Nil(t, resp["error"])
	assert.Nil(t, resp["result"].(map[string]interface{})["value"])
}

func TestGetParsedAccountsData(t *testing.T) {
	up := newFakeUpstream()
	up.accounts[keyA] = counterAccount(5)
	up.accounts[keyC] = &model.AccountInfo{Data: []string{"AQID", "base64"}, Owner: otherProgram}
	srv, _ := newTestServer(t, up)

	body := `{"jsonrpc":"2.0","id":4,"method":"getParsedAccountsData","params":{"pubkeys":["` + keyA + `","` + keyB + `","` + keyC + `"]}}`
	resp := call(t, srv, body)
	values := resp["result"].(map[string]interface{})["value"].([]interface{})
	require.Len(t, values, 3)

	first := values[0].(map[string]interface{})
	assert.Equal(t, true, first["parsed"])
	assert.Equal(t, keyA, first["key"])
	assert.Nil(t, values[1])
	third := values[2].(map[string]interface{})
	assert.Equal(t, false, third["parsed"])
	assert.Equal(t, keyC, third["key"])
	assert.Equal(t, []interface{}{"AQID", "base64"}, third["data"])
	assert.Equal(t, "processed", up.lastCommitment)

	body = `{"jsonrpc":"2.0","id":5,"method":"getParsedAccountsData","params":[["` + keyC + `"],{"onlyParsed":true}]}`
	resp = call(t, srv, body)
	values = resp["result"].(map[string]interface{})["value"].([]interface{})
	only := values[0].(map[string]interface{})
	assert.Nil(t, only["data"])
	assert.Equal(t, keyC, only["key"])
}

func TestGetParsedTransaction(t *testing.T) {
	up := newFakeUpstream()
	up.tx = transactionJSON(t)
	srv, _ := newTestServer(t, up)

	resp := call(t, srv, `{"jsonrpc":"2.0","id":6,"method":"getParsedTransaction","params":["`+testSig+`"]}`)
	require.Nil(t, resp["error"])
	assert.Equal(t, "confirmed", up.lastCommitment)

	tx := resp["result"].(map[string]interface{})["transaction"].(map[string]interface{})
	instructions := tx["message"].(map[string]interface{})["instructions"].([]interface{})
	decoded := instructions[0].(map[string]interface{})
	assert.Equal(t, "increment", decoded["name"])
	assert.Equal(t, "counter", decoded["programName"])
	assert.Equal(t, testProgram, decoded["programId"])
	assert.Equal(t, "1000", decoded["parsedData"].(map[string]interface{})["amount"])

	foreign := instructions[1].(map[string]interface{})
	assert.NotContains(t, foreign, "name")

	lookup := instructions[2].(map[string]interface{})
	assert.Equal(t, "increment", lookup["name"], "program loaded from a lookup table")

	events := tx["events"].([]interface{})
	require.Len(t, events, 1)
	ev := events[0].(map[string]interface{})
	assert.Equal(t, "Incremented", ev["name"])
	assert.Equal(t, float64(2), ev["logIndex"])
	assert.Equal(t, "7", ev["data"].(map[string]interface{})["count"])

	resp = call(t, srv, `{"jsonrpc":"2.0","id":7,"method":"getParsedTransaction","params":["nope"]}`)
	assert.Equal(t, float64(model.CodeInvalidParams), resp["error"].(map[string]interface{})["code"])
}

func TestUpstreamFailures(t *testing.T) {
	up := newFakeUpstream()
	up.err = fmt.Errorf("getAccountInfo: %w", chain.ErrMalformedResponse)
	srv, _ := newTestServer(t, up)

	resp := call(t, srv, `{"jsonrpc":"2.0","id":1,"method":"getParsedAccountData","params":["`+keyA+`"]}`)
	assert.Equal(t, float64(model.CodeInternalError), resp["error"].(map[string]interface{})["code"])

	up.err = &model.RPCError{Code: -32009, Message: "slot skipped"}
	resp = call(t, srv, `{"jsonrpc":"2.0","id":1,"method":"getParsedTransaction","params":["`+testSig+`"]}`)
	rpcErr := resp["error"].(map[string]interface{})
	assert.Equal(t, float64(-32009), rpcErr["code"])
	assert.Equal(t, "slot skipped", rpcErr["message"])
}

func TestMalformedBodyAndPassthrough(t *testing.T) {
	srv, proxied := newTestServer(t, newFakeUpstream())

	resp := call(t, srv, `{"jsonrpc":`)
	rpcErr := resp["error"].(map[string]interface{})
	assert.Equal(t, float64(model.CodeParseError), rpcErr["code"])
	assert.Nil(t, resp["id"])

	res, err := http.Post(srv.URL, "application/json", strings.NewReader(`{"jsonrpc":"2.0","id":9,"method":"getSlot"}`))
	require.NoError(t, err)
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":9,"result":"proxied"}`, string(body))
	assert.Equal(t, int32(1), proxied.Load())

	res, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	body, _ = io.ReadAll(res.Body)
	res.Body.Close()
	assert.Equal(t, "ok", string(body))
}

func TestDecodeManyIsolatesFailures(t *testing.T) {
	fetcher := &countingFetcher{docs: map[string]string{testProgram: testIDL}}
	enricher := NewEnricher(resolver.New(fetcher, storage.Nop{}, resolver.Config{}, nil), nil)

	infos := []*model.AccountInfo{counterAccount(1), nil, counterAccount(2), {Data: []string{"AQID", "base64"}, Owner: otherProgram}, {Data: []string{"AQID", "base64"}, Owner: otherProgram}}
	keys := []string{keyA, keyB, keyC, keyA, keyB}

	out, outcomes := enricher.DecodeMany(context.Background(), keys, infos, false)
	require.Len(t, out, len(infos))
	assert.True(t, out[0].Parsed)
	assert.Nil(t, out[1])
	assert.True(t, out[2].Parsed)
	assert.False(t, out[3].Parsed)
	require.Len(t, outcomes, 2)
	assert.Equal(t, 3, outcomes[0].Index)
	assert.True(t, errors.Is(outcomes[0].Err, resolver.ErrSchemaNotFound))
	assert.Equal(t, int32(2), fetcher.calls.Load(), "one fetch per distinct owner")
}

func TestGetParsedAccountsDataIsolatesNonFiniteFloat(t *testing.T) {
	gaugeIDL := `{"address":"` + testProgram + `","accounts":[{"name":"Gauge","discriminator":[6]}],
	  "types":[{"name":"Gauge","type":{"kind":"struct","fields":[{"name":"value","type":"f64"}]}}]}`
	gauge := func(v float64) *model.AccountInfo {
		data := make([]byte, 9)
		data[0] = 6
		binary.LittleEndian.PutUint64(data[1:], math.Float64bits(v))
		return &model.AccountInfo{Data: []string{base64.StdEncoding.EncodeToString(data), "base64"}, Owner: testProgram}
	}

	up := newFakeUpstream()
	up.accounts[keyA] = gauge(1.5)
	up.accounts[keyB] = gauge(math.Inf(1))
	fetcher := &countingFetcher{docs: map[string]string{testProgram: gaugeIDL}}
	enricher := NewEnricher(resolver.New(fetcher, storage.Nop{}, resolver.Config{}, nil), nil)
	srv := httptest.NewServer(NewServer(up, enricher, nil, nil).Handler(nil))
	t.Cleanup(srv.Close)

	resp := call(t, srv, `{"jsonrpc":"2.0","id":1,"method":"getParsedAccountsData","params":{"pubkeys":["`+keyA+`","`+keyB+`"]}}`)
	require.Nil(t, resp["error"])
	values := resp["result"].(map[string]interface{})["value"].([]interface{})
	require.Len(t, values, 2)

	first := values[0].(map[string]interface{})
	assert.Equal(t, true, first["parsed"])
	assert.Equal(t, 1.5, first["data"].(map[string]interface{})["value"])
	second := values[1].(map[string]interface{})
	assert.Equal(t, false, second["parsed"])
	assert.Equal(t, keyB, second["key"])

	resp = call(t, srv, `{"jsonrpc":"2.0","id":2,"method":"getParsedAccountData","params":["`+keyB+`"]}`)
	assert.Equal(t, "Failed to decode account data", resp["error"].(map[string]interface{})["message"])
}

func TestWriteJSONFallsBackOnEncodeFailure(t *testing.T) {
	s := NewServer(newFakeUpstream(), nil, nil, nil)
	rec := httptest.NewRecorder()
	s.writeJSON(rec, model.NewResult(json.RawMessage(`7`), math.Inf(1)))

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, float64(7), out["id"])
	assert.Equal(t, float64(model.CodeInternalError), out["error"].(map[string]interface{})["code"])
}

func TestGetParsedAccountsDataEmptyPubkeys(t *testing.T) {
	srv, _ := newTestServer(t, newFakeUpstream())

	for _, params := range []string{`{"pubkeys":[]}`, `[[]]`, `[{"pubkeys":[],"onlyParsed":true}]`} {
		resp := call(t, srv, `{"jsonrpc":"2.0","id":1,"method":"getParsedAccountsData","params":`+params+`}`)
		require.Nil(t, resp["error"], params)
		result := resp["result"].(map[string]interface{})
		assert.Equal(t, []interface{}{}, result["value"], params)
	}

	resp := call(t, srv, `{"jsonrpc":"2.0","id":1,"method":"getParsedAccountsData","params":{"onlyParsed":true}}`)
	assert.Equal(t, float64(model.CodeInvalidParams), resp["error"].(map[string]interface{})["code"])
	resp = call(t, srv, `{"jsonrpc":"2.0","id":1,"method":"getParsedAccountsData","params":{"pubkeys":null}}`)
	assert.Equal(t, float64(model.CodeInvalidParams), resp["error"].(map[string]interface{})["code"])
}

func TestDecodeManyEmptyInput(t *testing.T) {
	fetcher := &countingFetcher{docs: map[string]string{testProgram: testIDL}}
	enricher := NewEnricher(resolver.New(fetcher, storage.Nop{}, resolver.Config{}, nil), nil)

	out, outcomes := enricher.DecodeMany(context.Background(), nil, nil, false)
	require.NotNil(t, out)
	assert.Empty(t, out)
	assert.Empty(t, outcomes)
	assert.Equal(t, int32(0), fetcher.calls.Load())
}

func TestWarmAccountResolvesOwnerSchema(t *testing.T) {
	up := newFakeUpstream()
	up.accounts[keyA] = counterAccount(1)
	fetcher := &countingFetcher{docs: map[string]string{testProgram: testIDL}}
	server := NewServer(up, NewEnricher(resolver.New(fetcher, storage.Nop{}, resolver.Config{}, nil), nil), nil, nil)

	server.WarmAccount(context.Background(), keyA)
	assert.Equal(t, int32(1), fetcher.calls.Load())
	assert.Equal(t, "processed", up.lastCommitment)

	server.WarmAccount(context.Background(), keyC)
	assert.Equal(t, int32(1), fetcher.calls.Load(), "missing accounts resolve nothing")
}

func TestScanLogsAttributesNestedPrograms(t *testing.T) {
	lines, invoked := scanLogs([]string{
		"Program " + testProgram + " invoke [1]",
		"Program data: aaa",
		"Program " + otherProgram + " invoke [2]",
		"Program data: bbb",
		"Program " + otherProgram + " success",
		"Program data: ccc",
		"Program " + testProgram + " failed: custom program error: 0x1",
		"Program data: ddd",
	})
	assert.Equal(t, []string{testProgram, otherProgram}, invoked)
	assert.Equal(t, testProgram, lines[1].Program)
	assert.Equal(t, otherProgram, lines[3].Program)
	assert.Equal(t, testProgram, lines[5].Program)
	assert.Equal(t, "", lines[7].Program)
}

func TestScanLogsIgnoresProgramWrittenInvokeText(t *testing.T) {
	lines, invoked := scanLogs([]string{
		"Program " + testProgram + " invoke [1]",
		"Program log: step invoke [1]",
		"Program data: aaa",
		"Program Log invoke [2]",
		"Program data: bbb",
		"Program log: Instruction: Swap success",
		"Program data: ccc",
		"Program " + testProgram + " success",
	})
	assert.Equal(t, []string{testProgram}, invoked)
	assert.Equal(t, testProgram, lines[2].Program)
	assert.Equal(t, testProgram, lines[4].Program, "non-pubkey names never push a frame")
	assert.Equal(t, testProgram, lines[6].Program)
}

type fakeUpstream struct {
	accounts       map[string]*model.AccountInfo
	tx             json.RawMessage
	err            error
	lastCommitment string
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{accounts: make(map[string]*model.AccountInfo)}
}

func (f *fakeUpstream) GetAccountInfo(_ context.Context, key, commitment string) (*model.AccountResult, error) {
	f.lastCommitment = commitment
	if f.err != nil {
		return nil, f.err
	}
	return &model.AccountResult{Context: json.RawMessage(`{"slot":1}`), Value: f.accounts[key]}, nil
}

func (f *fakeUpstream) GetMultipleAccounts(_ context.Context, keys []string, commitment string) (*model.MultipleAccountsResult, error) {
	f.lastCommitment = commitment
	if f.err != nil {
		return nil, f.err
	}
	out := &model.MultipleAccountsResult{Context: json.RawMessage(`{"slot":1}`)}
	for _, k := range keys {
		out.Value = append(out.Value, f.accounts[k])
	}
	return out, nil
}

func (f *fakeUpstream) GetTransaction(_ context.Context, _ string, commitment string) (json.RawMessage, error) {
	f.lastCommitment = commitment
	if f.err != nil {
		return nil, f.err
	}
	return f.tx, nil
}

type countingFetcher struct {
	docs  map[string]string
	calls atomic.Int32
}

func (f *countingFetcher) FetchIDL(_ context.Context, programID solana.PublicKey) ([]byte, error) {
	f.calls.Add(1)
	doc, ok := f.docs[programID.String()]
	if !ok {
		return nil, idl.ErrNotFound
	}
	return []byte(doc), nil
}

func newTestServer(t *testing.T, up Upstream) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	proxied := &atomic.Int32{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proxied.Add(1)
		var req model.Request
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"result":"proxied"}`))
	}))
	t.Cleanup(upstream.Close)

	proxy, err := NewProxy(upstream.URL, nil)
	require.NoError(t, err)

	fetcher := &countingFetcher{docs: map[string]string{testProgram: testIDL}}
	enricher := NewEnricher(resolver.New(fetcher, storage.Nop{}, resolver.Config{}, nil), nil)
	server := NewServer(up, enricher, proxy, nil)

	srv := httptest.NewServer(server.Handler(nil))
	t.Cleanup(srv.Close)
	return srv, proxied
}

func call(t *testing.T, srv *httptest.Server, body string) map[string]interface{} {
	t.Helper()
	res, err := http.Post(srv.URL, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer res.Body.Close()

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	return out
}

func counterAccount(count uint64) *model.AccountInfo {
	var buf bytes.Buffer
	buf.Write([]byte{1, 2, 3, 4, 5, 6, 7, 8})
	_ = binary.Write(&buf, binary.LittleEndian, count)
	buf.Write(solana.MustPublicKeyFromBase58(testProgram).Bytes())
	return &model.AccountInfo{
		Data:     []string{base64.StdEncoding.EncodeToString(buf.Bytes()), "base64"},
		Owner:    testProgram,
		Lamports: 1,
		Space:    uint64(buf.Len()),
	}
}

func transactionJSON(t *testing.T) json.RawMessage {
	t.Helper()
	ixData := append([]byte{9, 9, 9, 9, 9, 9, 9, 9}, make([]byte, 8)...)
	binary.LittleEndian.PutUint64(ixData[8:], 1000)
	event := append([]byte{7, 7, 7, 7, 7, 7, 7, 7}, make([]byte, 8)...)
	binary.LittleEndian.PutUint64(event[8:], 7)

	tx := map[string]interface{}{
		"slot": 10,
		"meta": map[string]interface{}{
			"err": nil,
			"logMessages": []string{
				"Program " + testProgram + " invoke [1]",
				"Program log: Instruction: Increment",
				"Program data: " + base64.StdEncoding.EncodeToString(event),
				"Program " + testProgram + " success",
				"Program " + otherProgram + " invoke [1]",
				"Program data: " + base64.StdEncoding.EncodeToString(event),
				"Program " + otherProgram + " success",
			},
			"loadedAddresses": map[string]interface{}{
				"writable": []string{},
				"readonly": []string{testProgram},
			},
		},
		"transaction": map[string]interface{}{
			"signatures": []string{testSig},
			"message": map[string]interface{}{
				"accountKeys": []string{keyA, testProgram, otherProgram},
				"instructions": []interface{}{
					map[string]interface{}{"programIdIndex": 1, "accounts": []int{0}, "data": base58.Encode(ixData)},
					map[string]interface{}{"programIdIndex": 2, "accounts": []int{0}, "data": base58.Encode([]byte{3, 1})},
					map[string]interface{}{"programIdIndex": 3, "accounts": []int{0}, "data": base58.Encode(ixData)},
				},
			},
		},
	}
	raw, err := json.Marshal(tx)
	require.NoError(t, err)
	return raw
}
