// Package rpc defines the procedure call boundary shared by the in-process router, the HTTP
// transport and the query cache.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MarcoPoloResearchLab/chirp/internal/transform"
)

// Procedure names a remote operation.
type Procedure string

// Kind distinguishes read-only queries from writes.
type Kind int

const (
	KindQuery Kind = iota
	KindMutation
)

func (k Kind) String() string {
	if k == KindMutation {
		return "mutation"
	}
	return "query"
}

// Empty is the input of procedures that take no arguments.
type Empty struct{}

// Call is one invocation: a procedure name and its tagged-encoded input.
type Call struct {
	Procedure Procedure
	Input     json.RawMessage
}

// Key identifies a call in a cache. Calls with the same procedure and input share a key.
type Key struct {
	Procedure Procedure
	Input     string
}

// Key derives the cache key of the call.
func (c Call) Key() Key {
	input := string(c.Input)
	if input == "" {
		input = "{}"
	}
	return Key{Procedure: c.Procedure, Input: input}
}

// Call rebuilds the invocation a key was derived from.
func (k Key) Call() Call {
	return Call{Procedure: k.Procedure, Input: json.RawMessage(k.Input)}
}

func (k Key) String() string {
	return fmt.Sprintf("%s?%s", k.Procedure, k.Input)
}

// Invoker executes calls and returns the tagged-encoded result.
type Invoker interface {
	Invoke(ctx context.Context, call Call) (json.RawMessage, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, call Call) (json.RawMessage, error)

func (f InvokerFunc) Invoke(ctx context.Context, call Call) (json.RawMessage, error) {
	return f(ctx, call)
}

// Descriptor binds a procedure name to its input and output types.
type Descriptor[In, Out any] struct {
	procedure Procedure
	kind      Kind
}

// NewQuery declares a read-only procedure.
func NewQuery[In, Out any](procedure Procedure) Descriptor[In, Out] {
	return Descriptor[In, Out]{procedure: procedure, kind: KindQuery}
}

// NewMutation declares a write procedure.
func NewMutation[In, Out any](procedure Procedure) Descriptor[In, Out] {
	return Descriptor[In, Out]{procedure: procedure, kind: KindMutation}
}

func (d Descriptor[In, Out]) Procedure() Procedure {
	return d.procedure
}

func (d Descriptor[In, Out]) Kind() Kind {
	return d.kind
}

// Call encodes input into an invocation of this procedure.
func (d Descriptor[In, Out]) Call(input In) (Call, error) {
	encoded, err := transform.Marshal(input)
	if err != nil {
		return Call{}, fmt.Errorf("rpc: encode %s input: %w", d.procedure, err)
	}
	return Call{Procedure: d.procedure, Input: encoded}, nil
}

// DecodeInput parses the input carried by call.
func (d Descriptor[In, Out]) DecodeInput(call Call) (In, error) {
	var input In
	payload := call.Input
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if err := transform.Unmarshal(payload, &input); err != nil {
		return input, InvalidArgument(fmt.Sprintf("malformed input for %s", d.procedure))
	}
	return input, nil
}

// EncodeOutput serializes a result of this procedure.
func (d Descriptor[In, Out]) EncodeOutput(output Out) (json.RawMessage, error) {
	encoded, err := transform.Marshal(output)
	if err != nil {
		return nil, Internal(fmt.Sprintf("encode %s output", d.procedure), err)
	}
	return encoded, nil
}

// DecodeOutput parses a serialized result of this procedure.
func (d Descriptor[In, Out]) DecodeOutput(payload json.RawMessage) (Out, error) {
	var output Out
	if err := transform.Unmarshal(payload, &output); err != nil {
		return output, fmt.Errorf("rpc: decode %s output: %w", d.procedure, err)
	}
	return output, nil
}

// Invoke runs a typed call through invoker.
func Invoke[In, Out any](ctx context.Context, invoker Invoker, descriptor Descriptor[In, Out], input In) (Out, error) {
	var zero Out
	call, err := descriptor.Call(input)
	if err != nil {
		return zero, err
	}
	payload, err := invoker.Invoke(ctx, call)
	if err != nil {
		return zero, err
	}
	return descriptor.DecodeOutput(payload)
}
