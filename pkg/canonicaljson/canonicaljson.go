// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package canonicaljson implements the Matrix canonical JSON encoding: the
// byte-identical serialization used as the input to every content hash and
// signature in the event graph engine. See
// https://spec.matrix.org/latest/appendices/#canonical-json.
package canonicaljson

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// MaxSafeInteger and MinSafeInteger bound the integers canonical JSON is
// allowed to carry, matching the doubles-as-53-bit-integers restriction in
// the spec. Values outside this range cannot round-trip through every
// Matrix implementation's JSON library.
const (
	MaxSafeInteger = 1<<53 - 1
	MinSafeInteger = -(1<<53 - 1)
)

// ErrUnsafeInteger is returned when a JSON number falls outside the
// canonical JSON safe-integer range.
type ErrUnsafeInteger struct {
	Value float64
}

func (e ErrUnsafeInteger) Error() string {
	return fmt.Sprintf("canonicaljson: integer %v is outside the safe range [-2^53+1, 2^53-1]", e.Value)
}

// Marshal serializes v (anything encoding/json can marshal: a struct, a
// map[string]interface{}, or raw json.RawMessage) into canonical form:
// UTF-8, no insignificant whitespace, object keys sorted by Unicode code
// point, no duplicate keys.
func Marshal(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicaljson: marshal: %w", err)
	}
	return CanonicalJSON(raw)
}

// CanonicalJSON re-serializes an already-encoded JSON byte slice into
// canonical form. It is the core of every hashing/signing routine in C2,
// which must strip a few top-level fields and then canonicalize what
// remains without paying for a full round-trip into Go types (and thereby
// risking float64 rounding of large integers).
func CanonicalJSON(input []byte) ([]byte, error) {
	if !gjson.ValidBytes(input) {
		return nil, fmt.Errorf("canonicaljson: input is not valid JSON")
	}
	if err := checkIntegerRange(gjson.ParseBytes(input)); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := encodeValue(&buf, gjson.ParseBytes(input)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func checkIntegerRange(v gjson.Result) error {
	switch v.Type {
	case gjson.Number:
		if v.Num == math.Trunc(v.Num) && (v.Num > MaxSafeInteger || v.Num < MinSafeInteger) {
			return ErrUnsafeInteger{Value: v.Num}
		}
	case gjson.JSON:
		if v.IsArray() {
			var rerr error
			v.ForEach(func(_, item gjson.Result) bool {
				if err := checkIntegerRange(item); err != nil {
					rerr = err
					return false
				}
				return true
			})
			return rerr
		}
		if v.IsObject() {
			var rerr error
			v.ForEach(func(_, item gjson.Result) bool {
				if err := checkIntegerRange(item); err != nil {
					rerr = err
					return false
				}
				return true
			})
			return rerr
		}
	}
	return nil
}

// encodeValue writes v's canonical byte representation. Object keys are
// sorted by raw byte value, which is equivalent to sorting by Unicode code
// point for valid UTF-8 (comparing UTF-8 byte sequences lexicographically
// yields the same order as comparing the code points they encode).
func encodeValue(buf *bytes.Buffer, v gjson.Result) error {
	switch v.Type {
	case gjson.Null:
		buf.WriteString("null")
	case gjson.True:
		buf.WriteString("true")
	case gjson.False:
		buf.WriteString("false")
	case gjson.Number:
		encodeNumber(buf, v)
	case gjson.String:
		encodeString(buf, v.Str)
	case gjson.JSON:
		if v.IsArray() {
			return encodeArray(buf, v)
		}
		return encodeObject(buf, v)
	default:
		return fmt.Errorf("canonicaljson: unsupported JSON value type")
	}
	return nil
}

func encodeNumber(buf *bytes.Buffer, v gjson.Result) {
	if v.Num == math.Trunc(v.Num) {
		buf.WriteString(fmt.Sprintf("%d", int64(v.Num)))
		return
	}
	// Canonical JSON in Matrix never needs float output in practice (floats
	// are disallowed by the spec outside of a handful of legacy fields) but
	// we still emit something round-trippable rather than losing data.
	buf.WriteString(v.Raw)
}

func encodeString(buf *bytes.Buffer, s string) {
	b, _ := json.Marshal(s)
	buf.Write(b)
}

func encodeArray(buf *bytes.Buffer, v gjson.Result) error {
	buf.WriteByte('[')
	first := true
	var rerr error
	v.ForEach(func(_, item gjson.Result) bool {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		if err := encodeValue(buf, item); err != nil {
			rerr = err
			return false
		}
		return true
	})
	if rerr != nil {
		return rerr
	}
	buf.WriteByte(']')
	return nil
}

func encodeObject(buf *bytes.Buffer, v gjson.Result) error {
	type kv struct {
		key string
		val gjson.Result
	}
	var pairs []kv
	seen := map[string]bool{}
	var rerr error
	v.ForEach(func(k, item gjson.Result) bool {
		if seen[k.Str] {
			rerr = fmt.Errorf("canonicaljson: duplicate object key %q", k.Str)
			return false
		}
		pairs = append(pairs, kv{key: k.Str, val: item})
		seen[k.Str] = true
		return true
	})
	if rerr != nil {
		return rerr
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].key < pairs[j].key })

	buf.WriteByte('{')
	for i, p := range pairs {
		if i > 0 {
			buf.WriteByte(',')
		}
		encodeString(buf, p.key)
		buf.WriteByte(':')
		if err := encodeValue(buf, p.val); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

// WithoutFields returns a copy of input with the named top-level fields
// removed, suitable for feeding into hashing/signing after stripping
// `signatures`/`unsigned`/`hashes` per spec.md §4.2.
func WithoutFields(input []byte, fields ...string) ([]byte, error) {
	out := input
	var err error
	for _, f := range fields {
		out, err = sjson.DeleteBytes(out, f)
		if err != nil {
			return nil, fmt.Errorf("canonicaljson: delete field %q: %w", f, err)
		}
	}
	return out, nil
}
