// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package keyring

import (
	"context"
	"crypto/ed25519"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/matrixgate/coreserver/pkg/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var assertErr = errors.New("keyring_test: simulated fetch failure")

func TestPublicKeyLookupResult_WasValidAt(t *testing.T) {
	r := PublicKeyLookupResult{ValidUntilTS: 1000}
	assert.True(t, r.WasValidAt(500, false))
	assert.False(t, r.WasValidAt(1500, false), "ValidUntilTS must be respected for room versions > 4")
	assert.True(t, r.WasValidAt(1500, true), "room versions <= 4 ignore ValidUntilTS")

	expired := PublicKeyLookupResult{ValidUntilTS: 1000, ExpiredTS: 200}
	assert.False(t, expired.WasValidAt(500, true), "an expired key is never valid regardless of ignoreValidUntil")
}

type countingFetcher struct {
	calls   int32
	key     PublicKeyLookupResult
	failErr error
}

func (f *countingFetcher) FetchKeys(_ context.Context, _ spec.ServerName, keyIDs []KeyID) (map[KeyID]PublicKeyLookupResult, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.failErr != nil {
		return nil, f.failErr
	}
	out := make(map[KeyID]PublicKeyLookupResult)
	for _, id := range keyIDs {
		out[id] = f.key
	}
	return out, nil
}

func TestKeyRing_CachesAcrossCalls(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	fetcher := &countingFetcher{key: PublicKeyLookupResult{KeyID: "ed25519:1", PublicKey: priv.Public().(ed25519.PublicKey), ValidUntilTS: 1 << 40}}

	ring, err := NewKeyRing(fetcher)
	require.NoError(t, err)

	reqs := map[spec.ServerName][]KeyID{"origin.example.org": {"ed25519:1"}}
	_, err = ring.FetchKeys(context.Background(), reqs)
	require.NoError(t, err)
	_, err = ring.FetchKeys(context.Background(), reqs)
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&fetcher.calls), "second call should be served from cache")
}

func TestKeyRing_FallsBackToSecondFetcher(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	failing := &countingFetcher{failErr: assertErr}
	good := &countingFetcher{key: PublicKeyLookupResult{KeyID: "ed25519:1", PublicKey: priv.Public().(ed25519.PublicKey), ValidUntilTS: 1 << 40}}

	ring, err := NewKeyRing(failing, good)
	require.NoError(t, err)

	reqs := map[spec.ServerName][]KeyID{"origin.example.org": {"ed25519:1"}}
	results, err := ring.FetchKeys(context.Background(), reqs)
	require.NoError(t, err)
	assert.NotNil(t, results["origin.example.org"]["ed25519:1"].PublicKey)
}
