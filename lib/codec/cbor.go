// Copyright 2026 The Msgfleet Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides msgfleet's standard CBOR encoding.
//
// Persisted session records are encoded with Core Deterministic
// Encoding (RFC 8949 §4.2): sorted map keys, smallest integer
// encoding, no indefinite-length items. Determinism matters because
// the store hashes the encoded record to detect no-op upserts — the
// same logical record must always produce identical bytes.
//
// Decoding accepts standard CBOR and ignores unknown fields, so a
// newer server can read records written by an older one.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Record bodies only ever use string map keys. When decoding
		// into an any-typed target, produce map[string]any rather than
		// the CBOR default map[any]any, which nothing downstream can
		// consume.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is a raw encoded CBOR value, for delaying decode or
// passing through pre-encoded bytes.
type RawMessage = cbor.RawMessage
