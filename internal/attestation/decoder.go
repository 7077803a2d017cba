package attestation

import (
	"bytes"
	"fmt"
	"reflect"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// SchemaError is terminal: the raw proof payload does not match the schema
// the verifying contract declares for this attestation type.
type SchemaError struct {
	Err error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("proof payload does not match verifier schema: %v", e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// ResponseSchema resolves the decoded-response layout from the verifying
// contract's interface at call time. The verification method takes a proof
// tuple whose "data" component is the response type we decode against.
func ResponseSchema(abiJSON []byte, method string) (abi.Type, error) {
	parsed, err := abi.JSON(bytes.NewReader(abiJSON))
	if err != nil {
		return abi.Type{}, fmt.Errorf("parse verifier abi: %w", err)
	}
	m, ok := parsed.Methods[method]
	if !ok {
		return abi.Type{}, fmt.Errorf("verifier abi has no method %s", method)
	}
	if len(m.Inputs) == 0 || m.Inputs[0].Type.T != abi.TupleTy {
		return abi.Type{}, fmt.Errorf("method %s does not take a proof tuple", method)
	}

	proof := m.Inputs[0].Type
	for i, name := range proof.TupleRawNames {
		if name == "data" {
			return *proof.TupleElems[i], nil
		}
	}
	if len(proof.TupleElems) > 1 {
		return *proof.TupleElems[1], nil
	}
	return abi.Type{}, fmt.Errorf("method %s proof tuple has no response component", method)
}

// Decode unpacks a raw proof payload against a resolved schema into plain
// Go values keyed by the schema's field names.
func Decode(schema abi.Type, responseHex string) (map[string]any, error) {
	if schema.T != abi.TupleTy {
		return nil, &SchemaError{Err: fmt.Errorf("schema is not a tuple")}
	}

	args := abi.Arguments{{Name: "data", Type: schema}}
	values, err := args.Unpack(common.FromHex(responseHex))
	if err != nil {
		return nil, &SchemaError{Err: err}
	}
	if len(values) != 1 {
		return nil, &SchemaError{Err: fmt.Errorf("expected one decoded value, got %d", len(values))}
	}

	decoded, ok := tupleToMap(schema, values[0])
	if !ok {
		return nil, &SchemaError{Err: fmt.Errorf("decoded value does not match tuple layout")}
	}
	return decoded, nil
}

// tupleToMap flattens the reflection-built tuple struct the ABI decoder
// produces into a map, recursing into nested tuples.
func tupleToMap(schema abi.Type, value any) (map[string]any, bool) {
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Struct || rv.NumField() != len(schema.TupleRawNames) {
		return nil, false
	}

	out := make(map[string]any, len(schema.TupleRawNames))
	for i, name := range schema.TupleRawNames {
		field := rv.Field(i).Interface()
		if schema.TupleElems[i].T == abi.TupleTy {
			nested, ok := tupleToMap(*schema.TupleElems[i], field)
			if !ok {
				return nil, false
			}
			out[name] = nested
			continue
		}
		out[name] = field
	}
	return out, true
}
