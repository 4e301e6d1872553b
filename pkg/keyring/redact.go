// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package keyring

import (
	"fmt"

	"github.com/matrixgate/coreserver/pkg/spec"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// topLevelKeysToKeep are the event fields that survive redaction in every
// room version. Room versions from v11 onward additionally keep
// `content.redacts` for m.room.redaction; versions before v11 keep the
// whole top-level `redacts` field instead, handled separately below.
var topLevelKeysToKeep = []string{
	"event_id", "type", "room_id", "sender", "state_key", "content",
	"hashes", "signatures", "depth", "prev_events", "auth_events", "origin_server_ts",
}

// contentKeysToKeepByType lists the content sub-keys particular event
// types keep after redaction, per the room version's redaction algorithm
// (https://spec.matrix.org/latest/rooms/v11/#redactions and earlier).
func contentKeysToKeepByType(rules spec.RoomVersionRules, eventType string) []string {
	switch eventType {
	case "m.room.member":
		keys := []string{"membership"}
		if rules.RestrictedJoinRule || rules.KnockRestrictedJoinRule {
			keys = append(keys, "join_authorised_via_users_server")
		}
		return keys
	case "m.room.create":
		if rules.UseRoomCreateSender {
			return nil
		}
		return []string{"creator"}
	case "m.room.join_rules":
		keys := []string{"join_rule"}
		if rules.RestrictedJoinRule || rules.KnockRestrictedJoinRule {
			keys = append(keys, "allow")
		}
		return keys
	case "m.room.power_levels":
		keys := []string{
			"ban", "events", "events_default", "kick", "redact",
			"state_default", "users", "users_default",
		}
		if rules.PowerLevelsIncludeNotifications {
			keys = append(keys, "notifications")
		}
		return keys
	case "m.room.history_visibility":
		return []string{"history_visibility"}
	case "m.room.redaction":
		if rules.UseRoomCreateSender {
			return []string{"redacts"}
		}
		return nil
	default:
		return nil
	}
}

// Redact applies the room version's redaction algorithm to eventJSON,
// stripping every field not on the allow-list. Signatures computed over
// the redacted form (see HashAndSignEvent) therefore remain valid even
// after a server actually redacts the event in storage.
func Redact(roomVersion spec.RoomVersion, eventJSON []byte) ([]byte, error) {
	rules, err := spec.RulesForRoomVersion(roomVersion)
	if err != nil {
		return nil, fmt.Errorf("keyring: redact: %w", err)
	}

	parsed := gjson.ParseBytes(eventJSON)
	eventType := parsed.Get("type").Str

	out := []byte("{}")
	for _, key := range topLevelKeysToKeep {
		v := parsed.Get(key)
		if !v.Exists() {
			continue
		}
		out, err = sjson.SetRawBytes(out, key, []byte(v.Raw))
		if err != nil {
			return nil, fmt.Errorf("keyring: redact: keep %q: %w", key, err)
		}
	}

	if !rules.UseRoomCreateSender && eventType != "m.room.create" {
		if redacts := parsed.Get("redacts"); redacts.Exists() && eventType == "m.room.redaction" {
			out, err = sjson.SetRawBytes(out, "redacts", []byte(redacts.Raw))
			if err != nil {
				return nil, err
			}
		}
	}

	content := parsed.Get("content")
	redactedContent := []byte("{}")
	for _, key := range contentKeysToKeepByType(rules, eventType) {
		v := content.Get(key)
		if !v.Exists() {
			continue
		}
		redactedContent, err = sjson.SetRawBytes(redactedContent, key, []byte(v.Raw))
		if err != nil {
			return nil, fmt.Errorf("keyring: redact: keep content.%q: %w", key, err)
		}
	}
	out, err = sjson.SetRawBytes(out, "content", redactedContent)
	if err != nil {
		return nil, err
	}

	return out, nil
}
