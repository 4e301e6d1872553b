// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package keyring

import (
	"testing"

	"github.com/matrixgate/coreserver/pkg/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestRedact_MembershipKeepsMembershipDropsExtraContent(t *testing.T) {
	event := []byte(`{
		"type": "m.room.member",
		"room_id": "!room:example.org",
		"sender": "@alice:example.org",
		"state_key": "@bob:example.org",
		"content": {"membership": "invite", "displayname": "Bob", "reason": "spam"},
		"prev_events": ["$a"],
		"auth_events": ["$b"],
		"depth": 4,
		"origin_server_ts": 1000
	}`)

	out, err := Redact(spec.RoomVersionV10, event)
	require.NoError(t, err)

	parsed := gjson.ParseBytes(out)
	assert.Equal(t, "invite", parsed.Get("content.membership").Str)
	assert.False(t, parsed.Get("content.displayname").Exists())
	assert.False(t, parsed.Get("content.reason").Exists())
	assert.Equal(t, "!room:example.org", parsed.Get("room_id").Str)
}

func TestRedact_PowerLevelsKeepsNotificationsOnlyFromV6(t *testing.T) {
	event := []byte(`{
		"type": "m.room.power_levels",
		"room_id": "!room:example.org",
		"sender": "@alice:example.org",
		"state_key": "",
		"content": {"users": {"@alice:example.org": 100}, "notifications": {"room": 50}, "extra_junk": true}
	}`)

	outV5, err := Redact(spec.RoomVersionV5, event)
	require.NoError(t, err)
	assert.False(t, gjson.ParseBytes(outV5).Get("content.notifications").Exists())

	outV6, err := Redact(spec.RoomVersionV6, event)
	require.NoError(t, err)
	assert.True(t, gjson.ParseBytes(outV6).Get("content.notifications").Exists())
	assert.False(t, gjson.ParseBytes(outV6).Get("content.extra_junk").Exists())
}

func TestRedact_CreateKeepsCreatorPreV11SenderFromV11(t *testing.T) {
	event := []byte(`{
		"type": "m.room.create",
		"room_id": "!room:example.org",
		"sender": "@alice:example.org",
		"state_key": "",
		"content": {"creator": "@alice:example.org", "room_version": "10"}
	}`)

	outV10, err := Redact(spec.RoomVersionV10, event)
	require.NoError(t, err)
	assert.Equal(t, "@alice:example.org", gjson.ParseBytes(outV10).Get("content.creator").Str)

	event11 := []byte(`{
		"type": "m.room.create",
		"room_id": "!room:example.org",
		"sender": "@alice:example.org",
		"state_key": "",
		"content": {"room_version": "11"}
	}`)
	outV11, err := Redact(spec.RoomVersionV11, event11)
	require.NoError(t, err)
	assert.False(t, gjson.ParseBytes(outV11).Get("content.creator").Exists())
}

func TestRedact_JoinRulesKeepsAllowOnlyWhenRestrictedJoinSupported(t *testing.T) {
	event := []byte(`{
		"type": "m.room.join_rules",
		"room_id": "!room:example.org",
		"sender": "@alice:example.org",
		"state_key": "",
		"content": {"join_rule": "restricted", "allow": [{"type": "m.room_membership", "room_id": "!space:example.org"}]}
	}`)

	outV7, err := Redact(spec.RoomVersionV7, event)
	require.NoError(t, err)
	assert.False(t, gjson.ParseBytes(outV7).Get("content.allow").Exists())

	outV8, err := Redact(spec.RoomVersionV8, event)
	require.NoError(t, err)
	assert.True(t, gjson.ParseBytes(outV8).Get("content.allow").Exists())
}
