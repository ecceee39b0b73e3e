// Package decoder turns raw Anchor account, instruction and event payloads
// into value trees using a program's IDL.
package decoder

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"idlgateway/internal/idl"
)

// ErrUnknownRecordType reports that no declared type matches a payload's discriminator.
var ErrUnknownRecordType = errors.New("unknown record type for discriminator")

// EventLogPrefix marks log lines that may carry an emitted event.
const EventLogPrefix = "Program data: "

// DecodeAccount identifies the account type by its discriminator and decodes
// the remaining bytes. The first matching type in document order wins.
func DecodeAccount(schema *idl.Schema, data []byte) (string, Value, error) {
	if schema == nil {
		return "", nil, fmt.Errorf("schema is nil")
	}
	for i := range schema.Accounts {
		acc := &schema.Accounts[i]
		if !hasDiscriminator(data, acc.Discriminator) {
			continue
		}
		v, err := newReader(schema, data[len(acc.Discriminator):]).readDef(acc.Layout, 0)
		if err != nil {
			return acc.Name, nil, fmt.Errorf("decode account %s: %w", acc.Name, err)
		}
		return acc.Name, v, nil
	}
	return "", nil, fmt.Errorf("%w: %s", ErrUnknownRecordType, discriminatorHex(data))
}

// DecodeInstruction decodes instruction data invoked on programID. It returns
// ok=false without error when the instruction does not belong to the schema's
// program or matches none of its instructions.
func DecodeInstruction(schema *idl.Schema, programID string, data []byte) (string, Value, bool, error) {
	if schema == nil || schema.Address != programID {
		return "", nil, false, nil
	}
	for i := range schema.Instructions {
		ix := &schema.Instructions[i]
		if !hasDiscriminator(data, ix.Discriminator) {
			continue
		}
		v, err := newReader(schema, data[len(ix.Discriminator):]).readFields(ix.Args, 0)
		if err != nil {
			return ix.Name, nil, false, fmt.Errorf("decode instruction %s: %w", ix.Name, err)
		}
		return ix.Name, v, true, nil
	}
	return "", nil, false, nil
}

// DecodeEvent decodes a "Program data:" log line. Any failure means the line
// carries no event for this schema.
func DecodeEvent(schema *idl.Schema, line string) (string, Value, bool) {
	if schema == nil || !strings.HasPrefix(line, EventLogPrefix) {
		return "", nil, false
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(strings.TrimPrefix(line, EventLogPrefix)))
	if err != nil {
		return "", nil, false
	}
	for i := range schema.Events {
		ev := &schema.Events[i]
		if !hasDiscriminator(data, ev.Discriminator) {
			continue
		}
		v, err := newReader(schema, data[len(ev.Discriminator):]).readDef(ev.Layout, 0)
		if err != nil {
			return "", nil, false
		}
		return ev.Name, v, true
	}
	return "", nil, false
}

func hasDiscriminator(data, disc []byte) bool {
	return len(disc) > 0 && bytes.HasPrefix(data, disc)
}

func discriminatorHex(data []byte) string {
	if len(data) > idl.DiscriminatorSize {
		data = data[:idl.DiscriminatorSize]
	}
	return fmt.Sprintf("%x", data)
}
