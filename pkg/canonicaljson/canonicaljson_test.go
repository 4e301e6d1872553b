// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package canonicaljson

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalJSON_SortsKeys(t *testing.T) {
	out, err := CanonicalJSON([]byte(`{"b":"2","a":"1"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":"1","b":"2"}`, string(out))
}

func TestCanonicalJSON_AlreadyCanonicalInputUnchanged(t *testing.T) {
	out, err := CanonicalJSON([]byte(`{"one":1,"two":"Two"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"one":1,"two":"Two"}`, string(out))
}

func TestCanonicalJSON_NoInsignificantWhitespace(t *testing.T) {
	out, err := CanonicalJSON([]byte(`{
		"a": [1, 2, 3],
		"b": {"c": true, "d": null}
	}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":[1,2,3],"b":{"c":true,"d":null}}`, string(out))
}

func TestCanonicalJSON_UnicodeNotEscapedBeyondRequired(t *testing.T) {
	out, err := CanonicalJSON([]byte(`{"a":"日本語"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":"日本語"}`, string(out))
}

func TestCanonicalJSON_EscapedUnicodeInputNormalizes(t *testing.T) {
	out, err := CanonicalJSON([]byte("{\"a\":\"\\u65E5\"}"))
	require.NoError(t, err)
	assert.Equal(t, "{\"a\":\"日\"}", string(out))
}

func TestCanonicalJSON_RejectsUnsafeIntegers(t *testing.T) {
	_, err := CanonicalJSON([]byte(`{"a":9007199254740993}`))
	require.Error(t, err)
	assert.IsType(t, ErrUnsafeInteger{}, err)
}

func TestCanonicalJSON_AllowsBoundaryIntegers(t *testing.T) {
	out, err := CanonicalJSON([]byte(`{"a":9007199254740991,"b":-9007199254740991}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":9007199254740991,"b":-9007199254740991}`, string(out))
}

func TestMarshal_SortsStructFieldsByJSONTag(t *testing.T) {
	type payload struct {
		Zebra string `json:"zebra"`
		Alpha string `json:"alpha"`
	}
	out, err := Marshal(payload{Zebra: "z", Alpha: "a"})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":"a","zebra":"z"}`, string(out))
}

func TestCanonicalJSON_Array(t *testing.T) {
	out, err := CanonicalJSON([]byte(`[3,2,1]`))
	require.NoError(t, err)
	assert.Equal(t, `[3,2,1]`, string(out))
}

func TestCanonicalJSON_RejectsInvalidJSON(t *testing.T) {
	_, err := CanonicalJSON([]byte(`{not json`))
	require.Error(t, err)
}

func TestWithoutFields_RemovesTopLevelKeys(t *testing.T) {
	input := []byte(`{"content":{"body":"hi"},"signatures":{"example.org":{"ed25519:1":"sig"}},"unsigned":{"age":1234}}`)
	out, err := WithoutFields(input, "signatures", "unsigned")
	require.NoError(t, err)

	canon, err := CanonicalJSON(out)
	require.NoError(t, err)
	assert.Equal(t, `{"content":{"body":"hi"}}`, string(canon))
}

func TestWithoutFields_MissingFieldIsNoop(t *testing.T) {
	input := []byte(`{"a":1}`)
	out, err := WithoutFields(input, "signatures")
	require.NoError(t, err)

	canon, err := CanonicalJSON(out)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(canon))
}
