// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package keyring

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/matrixgate/coreserver/pkg/spec"
	"github.com/sirupsen/logrus"
)

// PublicKeyLookupResult is a single verify key as returned by
// GET /_matrix/key/v2/server, with the retention metadata the spec
// requires callers to respect before trusting it for a given event.
type PublicKeyLookupResult struct {
	KeyID        KeyID
	PublicKey    ed25519.PublicKey
	ValidUntilTS int64 // milliseconds since epoch; 0 means "not yet fetched with a validity bound"
	ExpiredTS    int64 // non-zero once the server has revoked/rotated this key
}

// WasValidAt reports whether the key was valid at the given time, per
// spec.md §4.2: for room versions <= 4, ValidUntilTS is ignored entirely
// (ignoreValidUntil is set by the caller based on the event's room
// version), and an ExpiredTS of 0 means the key has not been revoked.
func (r PublicKeyLookupResult) WasValidAt(atTS int64, ignoreValidUntil bool) bool {
	if r.ExpiredTS != 0 && atTS > r.ExpiredTS {
		return false
	}
	if ignoreValidUntil {
		return true
	}
	return atTS <= r.ValidUntilTS
}

// Fetcher retrieves verify keys for a remote server. DirectKeyFetcher and
// NotaryKeyFetcher are the two implementations a KeyRing chains together.
type Fetcher interface {
	FetchKeys(ctx context.Context, serverName spec.ServerName, keyIDs []KeyID) (map[KeyID]PublicKeyLookupResult, error)
}

// KeyRing resolves and caches server signing keys, trying each configured
// Fetcher in turn (by convention: direct fetch first, then a notary) and
// caching successful results so that verifying a batch of events from the
// same origin server costs one round trip rather than one per event.
type KeyRing struct {
	Fetchers []Fetcher
	cache    *ristretto.Cache
	mu       sync.Mutex
	inflight map[string]chan struct{}
}

// NewKeyRing builds a KeyRing backed by a ristretto cache sized for
// several thousand servers' worth of keys, matching the cache the
// teacher's internal/caching package builds for comparably hot lookup
// paths.
func NewKeyRing(fetchers ...Fetcher) (*KeyRing, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     1 << 26,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("keyring: new cache: %w", err)
	}
	return &KeyRing{Fetchers: fetchers, cache: cache, inflight: make(map[string]chan struct{})}, nil
}

func cacheKey(serverName spec.ServerName, keyID KeyID) string {
	return string(serverName) + "\x00" + string(keyID)
}

// FetchKeys returns verify keys for the requested (serverName, keyID)
// pairs, consulting the cache first and falling back to the configured
// fetchers for whatever is missing. Concurrent callers are not coalesced:
// each one fetches whatever it finds missing from the cache.
func (k *KeyRing) FetchKeys(ctx context.Context, requests map[spec.ServerName][]KeyID) (map[spec.ServerName]map[KeyID]PublicKeyLookupResult, error) {
	results := make(map[spec.ServerName]map[KeyID]PublicKeyLookupResult, len(requests))
	missing := make(map[spec.ServerName][]KeyID)

	for serverName, keyIDs := range requests {
		for _, keyID := range keyIDs {
			if v, ok := k.cache.Get(cacheKey(serverName, keyID)); ok {
				if results[serverName] == nil {
					results[serverName] = make(map[KeyID]PublicKeyLookupResult)
				}
				results[serverName][keyID] = v.(PublicKeyLookupResult)
				continue
			}
			missing[serverName] = append(missing[serverName], keyID)
		}
	}

	for serverName, keyIDs := range missing {
		fetched, err := k.fetchWithFallback(ctx, serverName, keyIDs)
		if err != nil {
			logrus.WithError(err).WithField("server_name", serverName).Warn("keyring: failed to fetch server keys")
			continue
		}
		if results[serverName] == nil {
			results[serverName] = make(map[KeyID]PublicKeyLookupResult)
		}
		for keyID, res := range fetched {
			results[serverName][keyID] = res
			cost := int64(len(res.PublicKey) + len(keyID) + len(serverName) + 32)
			k.cache.SetWithTTL(cacheKey(serverName, keyID), res, cost, 24*time.Hour)
		}
	}
	// ristretto applies sets asynchronously; wait so the next call sees them.
	k.cache.Wait()

	return results, nil
}

func (k *KeyRing) fetchWithFallback(ctx context.Context, serverName spec.ServerName, keyIDs []KeyID) (map[KeyID]PublicKeyLookupResult, error) {
	var lastErr error
	for _, fetcher := range k.Fetchers {
		res, err := fetcher.FetchKeys(ctx, serverName, keyIDs)
		if err != nil {
			lastErr = err
			continue
		}
		if len(res) > 0 {
			return res, nil
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("keyring: no fetcher returned keys for %s", serverName)
}

// VerifyJSONs verifies one or more (serverName, keyID, payload) checks,
// resolving all the keys they need in a single batched FetchKeys call
// before checking signatures. Used by C7 step 2 to verify every server
// that signed an incoming PDU in one pass.
type VerifyRequest struct {
	ServerName       spec.ServerName
	KeyID            KeyID
	Message          []byte
	AtTS             int64
	IgnoreValidUntil bool
}

func (k *KeyRing) VerifyJSONs(ctx context.Context, requests []VerifyRequest) []error {
	need := make(map[spec.ServerName][]KeyID)
	for _, r := range requests {
		need[r.ServerName] = append(need[r.ServerName], r.KeyID)
	}
	keys, err := k.FetchKeys(ctx, need)
	if err != nil {
		errs := make([]error, len(requests))
		for i := range errs {
			errs[i] = err
		}
		return errs
	}

	errs := make([]error, len(requests))
	for i, r := range requests {
		res, ok := keys[r.ServerName][r.KeyID]
		if !ok {
			errs[i] = VerifyJSONError{ServerName: r.ServerName, KeyID: r.KeyID, Cause: "key not found"}
			continue
		}
		if !res.WasValidAt(r.AtTS, r.IgnoreValidUntil) {
			errs[i] = VerifyJSONError{ServerName: r.ServerName, KeyID: r.KeyID, Cause: "key not valid at requested time"}
			continue
		}
		errs[i] = VerifyJSON(r.ServerName, r.KeyID, res.PublicKey, r.Message)
	}
	return errs
}

// serverKeyResponse is the wire shape of GET /_matrix/key/v2/server,
// shared by the direct fetcher and the notary fetcher's inner response.
type serverKeyResponse struct {
	ServerName    spec.ServerName        `json:"server_name"`
	ValidUntilTS  int64                  `json:"valid_until_ts"`
	VerifyKeys    map[string]verifyKey   `json:"verify_keys"`
	OldVerifyKeys map[string]oldVerifyKey `json:"old_verify_keys"`
	Signatures    map[string]map[string]string `json:"signatures"`
}

type verifyKey struct {
	Key string `json:"key"`
}

type oldVerifyKey struct {
	Key       string `json:"key"`
	ExpiredTS int64  `json:"expired_ts"`
}

func parseServerKeyResponse(body []byte) (map[KeyID]PublicKeyLookupResult, error) {
	var resp serverKeyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("keyring: parse server key response: %w", err)
	}
	out := make(map[KeyID]PublicKeyLookupResult, len(resp.VerifyKeys)+len(resp.OldVerifyKeys))
	for id, vk := range resp.VerifyKeys {
		pub, err := b64.DecodeString(vk.Key)
		if err != nil || len(pub) != ed25519.PublicKeySize {
			continue
		}
		out[KeyID(id)] = PublicKeyLookupResult{KeyID: KeyID(id), PublicKey: pub, ValidUntilTS: resp.ValidUntilTS}
	}
	for id, vk := range resp.OldVerifyKeys {
		pub, err := b64.DecodeString(vk.Key)
		if err != nil || len(pub) != ed25519.PublicKeySize {
			continue
		}
		out[KeyID(id)] = PublicKeyLookupResult{KeyID: KeyID(id), PublicKey: pub, ExpiredTS: vk.ExpiredTS}
	}
	return out, nil
}
