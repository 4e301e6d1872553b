// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package spec

import (
	"fmt"
	"strings"
)

// sigilUser, sigilRoomID, sigilRoomAlias and sigilEvent are the leading
// characters that distinguish Matrix identifier kinds from one another.
const (
	sigilUser      = '@'
	sigilRoomID    = '!'
	sigilRoomAlias = '#'
	sigilEvent     = '$'
)

// MalformedIdentifierError is returned by the Parse* functions when an
// identifier does not conform to the grammar in
// https://spec.matrix.org/latest/appendices/#identifier-grammar.
type MalformedIdentifierError struct {
	Kind  string
	Value string
	Cause string
}

func (e MalformedIdentifierError) Error() string {
	return fmt.Sprintf("spec: malformed %s %q: %s", e.Kind, e.Value, e.Cause)
}

// UserID represents a Matrix user ID, `@localpart:domain`.
type UserID struct {
	raw       string
	localpart string
	domain    ServerName
}

// NewUserID parses and validates s as a user ID. allowHistorical relaxes
// the localpart character set for events created before room version 6
// tightened it, matching the one place callers legitimately need to parse
// identifiers that predate today's grammar.
func NewUserID(s string, allowHistorical bool) (*UserID, error) {
	localpart, domain, err := splitID(sigilUser, s, "user id")
	if err != nil {
		return nil, err
	}
	if !allowHistorical {
		for _, r := range localpart {
			if !isUserLocalpartChar(r) {
				return nil, MalformedIdentifierError{Kind: "user id", Value: s, Cause: "localpart contains disallowed character " + string(r)}
			}
		}
	}
	return &UserID{raw: s, localpart: localpart, domain: ServerName(domain)}, nil
}

func isUserLocalpartChar(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z':
		return true
	case r >= '0' && r <= '9':
		return true
	case strings.ContainsRune("._=-/+", r):
		return true
	}
	return false
}

func (u *UserID) String() string     { return u.raw }
func (u *UserID) Local() string      { return u.localpart }
func (u *UserID) Domain() ServerName { return u.domain }

// RoomID represents an opaque Matrix room ID, `!opaque:domain`.
type RoomID struct {
	raw       string
	localpart string
	domain    ServerName
}

func NewRoomID(s string) (*RoomID, error) {
	localpart, domain, err := splitID(sigilRoomID, s, "room id")
	if err != nil {
		return nil, err
	}
	return &RoomID{raw: s, localpart: localpart, domain: ServerName(domain)}, nil
}

func (r *RoomID) String() string     { return r.raw }
func (r *RoomID) Domain() ServerName { return r.domain }

// RoomAlias represents a human-readable Matrix room alias, `#name:domain`.
type RoomAlias string

func NewRoomAlias(s string) (RoomAlias, error) {
	if _, _, err := splitID(sigilRoomAlias, s, "room alias"); err != nil {
		return "", err
	}
	return RoomAlias(s), nil
}

// EventID represents an opaque Matrix event ID, `$opaque` (room version
// >= 3 drops the `:domain` suffix; older room versions keep it and
// EventID tolerates both shapes since it never needs to split on it).
type EventID string

func NewEventID(s string) (EventID, error) {
	if len(s) == 0 || s[0] != sigilEvent {
		return "", MalformedIdentifierError{Kind: "event id", Value: s, Cause: "missing '$' sigil"}
	}
	if len(s) < 2 {
		return "", MalformedIdentifierError{Kind: "event id", Value: s, Cause: "empty localpart"}
	}
	return EventID(s), nil
}

func (e EventID) String() string { return string(e) }

// splitID validates the common `<sigil><localpart>:<domain>` shape shared
// by user IDs, room IDs and room aliases.
func splitID(sigil byte, s string, kind string) (localpart string, domain string, err error) {
	if len(s) == 0 || s[0] != sigil {
		return "", "", MalformedIdentifierError{Kind: kind, Value: s, Cause: fmt.Sprintf("missing %q sigil", string(sigil))}
	}
	colon := strings.IndexByte(s, ':')
	if colon < 0 {
		return "", "", MalformedIdentifierError{Kind: kind, Value: s, Cause: "missing domain part"}
	}
	localpart = s[1:colon]
	domain = s[colon+1:]
	if localpart == "" {
		return "", "", MalformedIdentifierError{Kind: kind, Value: s, Cause: "empty localpart"}
	}
	if !ServerName(domain).Valid() {
		return "", "", MalformedIdentifierError{Kind: kind, Value: s, Cause: "invalid domain " + domain}
	}
	return localpart, domain, nil
}

// DeviceKeyID represents a key identifier of the form `algorithm:device_id`,
// e.g. `ed25519:JLAFKJWSCS`.
type DeviceKeyID string

func NewDeviceKeyID(s string) (DeviceKeyID, error) {
	if strings.IndexByte(s, ':') < 0 {
		return "", MalformedIdentifierError{Kind: "device key id", Value: s, Cause: "missing ':' separator"}
	}
	return DeviceKeyID(s), nil
}

func (d DeviceKeyID) Algorithm() string {
	parts := strings.SplitN(string(d), ":", 2)
	return parts[0]
}

func (d DeviceKeyID) KeyID() string {
	parts := strings.SplitN(string(d), ":", 2)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// MXCURI represents a Matrix content URI, `mxc://server/media_id`.
type MXCURI string

func NewMXCURI(s string) (MXCURI, error) {
	rest := strings.TrimPrefix(s, "mxc://")
	if rest == s {
		return "", MalformedIdentifierError{Kind: "mxc uri", Value: s, Cause: "missing 'mxc://' scheme"}
	}
	if strings.IndexByte(rest, '/') < 0 {
		return "", MalformedIdentifierError{Kind: "mxc uri", Value: s, Cause: "missing media id"}
	}
	return MXCURI(s), nil
}

func (m MXCURI) ServerAndMediaID() (ServerName, string, error) {
	rest := strings.TrimPrefix(string(m), "mxc://")
	idx := strings.IndexByte(rest, '/')
	if idx < 0 {
		return "", "", MalformedIdentifierError{Kind: "mxc uri", Value: string(m), Cause: "missing media id"}
	}
	return ServerName(rest[:idx]), rest[idx+1:], nil
}

// RoomVersion identifies the event-format/auth-rule revision a room was
// created with. See §6 of the spec for the rule-flag matrix keyed by this
// type.
type RoomVersion string

const (
	RoomVersionV1  RoomVersion = "1"
	RoomVersionV2  RoomVersion = "2"
	RoomVersionV3  RoomVersion = "3"
	RoomVersionV4  RoomVersion = "4"
	RoomVersionV5  RoomVersion = "5"
	RoomVersionV6  RoomVersion = "6"
	RoomVersionV7  RoomVersion = "7"
	RoomVersionV8  RoomVersion = "8"
	RoomVersionV9  RoomVersion = "9"
	RoomVersionV10 RoomVersion = "10"
	RoomVersionV11 RoomVersion = "11"
)

// KnownRoomVersions is the set of room versions this engine understands.
func KnownRoomVersions() map[RoomVersion]struct{} {
	return map[RoomVersion]struct{}{
		RoomVersionV1: {}, RoomVersionV2: {}, RoomVersionV3: {}, RoomVersionV4: {},
		RoomVersionV5: {}, RoomVersionV6: {}, RoomVersionV7: {}, RoomVersionV8: {},
		RoomVersionV9: {}, RoomVersionV10: {}, RoomVersionV11: {},
	}
}
