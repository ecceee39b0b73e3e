package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/mr-tron/base58"
	"go.uber.org/zap"

	"idlgateway/internal/chain"
	"idlgateway/internal/decoder"
	"idlgateway/internal/idl"
	"idlgateway/internal/metrics"
	"idlgateway/internal/model"
	"idlgateway/internal/resolver"
)

// DecodeTransaction annotates a getTransaction result: every top-level
// instruction whose program has an IDL gains name, parsedData, programId and
// programName, and transaction.events lists the events found in the logs.
// Fields the gateway does not understand are returned untouched.
func (e *Enricher) DecodeTransaction(ctx context.Context, raw json.RawMessage) (map[string]interface{}, []Outcome, error) {
	var tx map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&tx); err != nil {
		return nil, nil, fmt.Errorf("%w: transaction: %v", chain.ErrMalformedResponse, err)
	}
	body, _ := tx["transaction"].(map[string]interface{})
	if body == nil {
		return nil, nil, fmt.Errorf("%w: transaction body missing", chain.ErrMalformedResponse)
	}
	message, _ := body["message"].(map[string]interface{})
	if message == nil {
		return nil, nil, fmt.Errorf("%w: transaction message missing", chain.ErrMalformedResponse)
	}
	meta, _ := tx["meta"].(map[string]interface{})

	keys := accountKeys(message, meta)
	instructions, _ := message["instructions"].([]interface{})
	lines, invoked := scanLogs(logMessages(meta))

	programs := make([]string, 0, len(instructions)+len(invoked))
	seen := make(map[string]struct{})
	addProgram := func(p string) {
		if _, ok := seen[p]; ok || p == "" {
			return
		}
		seen[p] = struct{}{}
		programs = append(programs, p)
	}
	for _, item := range instructions {
		if ix, ok := item.(map[string]interface{}); ok {
			if program, ok := programOf(ix, keys); ok {
				addProgram(program)
			}
		}
	}
	for _, p := range invoked {
		addProgram(p)
	}

	ctx = context.WithoutCancel(ctx)
	schemas := e.resolveAll(ctx, programs, resolver.NewMemo())

	var outcomes []Outcome
	for i, item := range instructions {
		ix, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		program, ok := programOf(ix, keys)
		if !ok {
			continue
		}
		schema := schemas[program]
		if schema == nil {
			continue
		}
		if err := annotateInstruction(ix, schema, program); err != nil {
			metrics.DecodeFailures.WithLabelValues("instruction", "layout").Inc()
			e.logger.Debug("instruction decode failed",
				zap.Int("index", i),
				zap.String("program", program),
				zap.Error(err),
			)
			outcomes = append(outcomes, Outcome{Index: i, Program: program, Err: err})
		}
	}

	body["events"] = decodeEvents(lines, programs, schemas)
	return tx, outcomes, nil
}

func annotateInstruction(ix map[string]interface{}, schema *idl.Schema, program string) error {
	encoded, _ := ix["data"].(string)
	data, err := base58.Decode(encoded)
	if err != nil {
		return fmt.Errorf("instruction data: %w", err)
	}
	name, value, ok, err := decoder.DecodeInstruction(schema, program, data)
	if err != nil || !ok {
		return err
	}
	model.InstructionAnnotation{
		Name:        name,
		ParsedData:  decoder.Normalize(value),
		ProgramID:   program,
		ProgramName: schema.Name,
	}.Apply(ix)
	return nil
}

// decodeEvents collects events in log order. A line is decoded with the
// schema of the program that wrote it; when that program is unknown every
// resolved schema is tried in order.
func decodeEvents(lines []logLine, programs []string, schemas map[string]*idl.Schema) []model.Event {
	events := make([]model.Event, 0)
	if len(schemas) == 0 {
		return events
	}
	for _, line := range lines {
		candidates := programs
		if line.Program != "" {
			candidates = []string{line.Program}
		}
		for _, program := range candidates {
			schema := schemas[program]
			if schema == nil {
				continue
			}
			name, value, ok := decoder.DecodeEvent(schema, line.Text)
			if !ok {
				continue
			}
			events = append(events, model.Event{
				Name:      name,
				Data:      decoder.Normalize(value),
				ProgramID: program,
				LogIndex:  line.Index,
			})
			break
		}
	}
	return events
}

// accountKeys lists the transaction's account keys followed by addresses
// loaded from lookup tables, writable first.
func accountKeys(message, meta map[string]interface{}) []string {
	var keys []string
	list, _ := message["accountKeys"].([]interface{})
	for _, item := range list {
		switch v := item.(type) {
		case string:
			keys = append(keys, v)
		case map[string]interface{}:
			pubkey, _ := v["pubkey"].(string)
			keys = append(keys, pubkey)
		default:
			keys = append(keys, "")
		}
	}
	if meta == nil {
		return keys
	}
	loaded, _ := meta["loadedAddresses"].(map[string]interface{})
	for _, group := range []string{"writable", "readonly"} {
		addrs, _ := loaded[group].([]interface{})
		for _, item := range addrs {
			s, _ := item.(string)
			keys = append(keys, s)
		}
	}
	return keys
}

func programOf(ix map[string]interface{}, keys []string) (string, bool) {
	if id, ok := ix["programId"].(string); ok && id != "" {
		return id, true
	}
	num, ok := ix["programIdIndex"].(json.Number)
	if !ok {
		return "", false
	}
	idx, err := num.Int64()
	if err != nil || idx < 0 || idx >= int64(len(keys)) || keys[idx] == "" {
		return "", false
	}
	return keys[idx], true
}

func logMessages(meta map[string]interface{}) []string {
	if meta == nil {
		return nil
	}
	list, _ := meta["logMessages"].([]interface{})
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
