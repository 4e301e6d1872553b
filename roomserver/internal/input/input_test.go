// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package input

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/matrixgate/coreserver/pkg/spec"
	"github.com/matrixgate/coreserver/roomserver/types"
)

func stateKey(s string) *string { return &s }

func TestPduToWireJSON(t *testing.T) {
	t.Parallel()

	p := types.PDU{
		EventID:        "$abc",
		RoomID:         "!room:example.org",
		Type:           "m.room.member",
		StateKey:       stateKey("@alice:example.org"),
		Sender:         "@alice:example.org",
		Content:        []byte(`{"membership":"join"}`),
		PrevEvents:     []string{"$prev1", "$prev2"},
		AuthEvents:     []string{"$auth1"},
		Depth:          4,
		OriginServerTS: 1000,
		Hashes:         map[string]string{"sha256": "deadbeef"},
		Signatures:     map[string]map[string]string{"example.org": {"ed25519:1": "sig"}},
		Unsigned:       []byte(`{"age":5}`),
	}

	out, err := pduToWireJSON(p)
	require.NoError(t, err)

	assert.Equal(t, "$abc", gjson.GetBytes(out, "event_id").String())
	assert.Equal(t, "!room:example.org", gjson.GetBytes(out, "room_id").String())
	assert.Equal(t, "m.room.member", gjson.GetBytes(out, "type").String())
	assert.Equal(t, "@alice:example.org", gjson.GetBytes(out, "state_key").String())
	assert.Equal(t, "@alice:example.org", gjson.GetBytes(out, "sender").String())
	assert.Equal(t, "join", gjson.GetBytes(out, "content.membership").String())
	assert.Equal(t, int64(4), gjson.GetBytes(out, "depth").Int())
	assert.Equal(t, int64(1000), gjson.GetBytes(out, "origin_server_ts").Int())
	assert.Equal(t, []string{"$prev1", "$prev2"}, stringArray(gjson.GetBytes(out, "prev_events")))
	assert.Equal(t, []string{"$auth1"}, stringArray(gjson.GetBytes(out, "auth_events")))
	assert.Equal(t, "deadbeef", gjson.GetBytes(out, "hashes.sha256").String())
	assert.Equal(t, "sig", gjson.GetBytes(out, "signatures.example\\.org.ed25519:1").String())
	assert.Equal(t, int64(5), gjson.GetBytes(out, "unsigned.age").Int())
}

func TestPduToWireJSON_OmitsAbsentFields(t *testing.T) {
	t.Parallel()

	p := types.PDU{
		RoomID: "!room:example.org",
		Type:   "m.room.create",
		Sender: "@alice:example.org",
		Content: []byte(`{}`),
	}

	out, err := pduToWireJSON(p)
	require.NoError(t, err)

	assert.False(t, gjson.GetBytes(out, "event_id").Exists(), "empty EventID should not appear in the wire JSON")
	assert.False(t, gjson.GetBytes(out, "state_key").Exists(), "nil StateKey should not appear in the wire JSON")
	assert.False(t, gjson.GetBytes(out, "hashes").Exists())
	assert.False(t, gjson.GetBytes(out, "signatures").Exists())
}

func stringArray(r gjson.Result) []string {
	var out []string
	for _, v := range r.Array() {
		out = append(out, v.String())
	}
	return out
}

func TestSignatureRequests(t *testing.T) {
	t.Parallel()

	event := types.PDU{
		OriginServerTS: 42,
		Signatures: map[string]map[string]string{
			"example.org": {"ed25519:1": "sig1"},
			"other.org":   {"ed25519:2": "sig2"},
		},
	}
	wireJSON := []byte(`{"type":"m.room.message"}`)

	reqs := signatureRequests(event, wireJSON)
	require.Len(t, reqs, 2)

	byServer := make(map[spec.ServerName]bool)
	for _, r := range reqs {
		byServer[r.ServerName] = true
		assert.Equal(t, wireJSON, r.Message)
		assert.Equal(t, int64(42), r.AtTS)
	}
	assert.True(t, byServer["example.org"])
	assert.True(t, byServer["other.org"])
}

func TestSignatureRequests_NoSignatures(t *testing.T) {
	t.Parallel()

	reqs := signatureRequests(types.PDU{}, []byte(`{}`))
	assert.Empty(t, reqs)
}

func TestRecomputeLatestEvents_DropsSupersededAddsNew(t *testing.T) {
	t.Parallel()

	current := []types.StateAtEvent{
		{StateEntry: types.StateEntry{EventNID: 10}, BeforeStateSnapshotNID: 1},
		{StateEntry: types.StateEntry{EventNID: 11}, BeforeStateSnapshotNID: 1},
	}
	// the new event's prev_events name NID 10 as a parent, so it supersedes it
	prevNIDs := map[string]types.EventNID{"$parent": 10}

	next := recomputeLatestEvents(current, prevNIDs, 99, 2, false)

	var nids []types.EventNID
	for _, e := range next {
		nids = append(nids, e.EventNID)
		assert.Equal(t, types.StateSnapshotNID(2), e.BeforeStateSnapshotNID)
	}
	assert.ElementsMatch(t, []types.EventNID{11, 99}, nids)
}

func TestRecomputeLatestEvents_SoftFailedEventIsNotAddedAsExtremity(t *testing.T) {
	t.Parallel()

	current := []types.StateAtEvent{
		{StateEntry: types.StateEntry{EventNID: 10}, BeforeStateSnapshotNID: 1},
	}
	prevNIDs := map[string]types.EventNID{"$parent": 10}

	next := recomputeLatestEvents(current, prevNIDs, 99, 2, true)

	// the soft-failed event superseded its parent but isn't itself added,
	// so the room's forward extremities shrink rather than gaining 99
	assert.Empty(t, next)
}

func TestRecomputeLatestEvents_UnrelatedExtremitySurvives(t *testing.T) {
	t.Parallel()

	current := []types.StateAtEvent{
		{StateEntry: types.StateEntry{EventNID: 10}, BeforeStateSnapshotNID: 1},
		{StateEntry: types.StateEntry{EventNID: 20}, BeforeStateSnapshotNID: 1},
	}
	// new event only names NID 10 as a parent; NID 20 is a different
	// branch's extremity and must survive untouched (aside from being
	// rewritten onto the new state snapshot)
	prevNIDs := map[string]types.EventNID{"$parent": 10}

	next := recomputeLatestEvents(current, prevNIDs, 99, 5, false)

	var nids []types.EventNID
	for _, e := range next {
		nids = append(nids, e.EventNID)
	}
	assert.ElementsMatch(t, []types.EventNID{20, 99}, nids)
}
