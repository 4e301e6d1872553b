// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package auth

import (
	"github.com/matrixgate/coreserver/pkg/spec"
	"github.com/matrixgate/coreserver/roomserver/types"
	"github.com/tidwall/gjson"
)

// powerLevels is the parsed, default-filled content of an m.room.power_levels
// event (or the implicit levels a room has before one has ever been sent).
type powerLevels struct {
	ban, kick, redact, invite   int64
	eventsDefault, stateDefault int64
	usersDefault                int64
	users                       map[string]int64
	events                      map[string]int64
	notificationsRoom           int64
	hasEvent                    bool
}

func defaultPowerLevels() powerLevels {
	return powerLevels{
		ban: 50, kick: 50, redact: 50, invite: 0,
		eventsDefault: 0, stateDefault: 50, usersDefault: 0,
		users: map[string]int64{}, events: map[string]int64{},
		notificationsRoom: 50,
	}
}

// powerLevelsFromContent parses an m.room.power_levels event's content,
// applying the spec's default value to every field the content omits.
func powerLevelsFromContent(content []byte, rules spec.RoomVersionRules) powerLevels {
	pl := defaultPowerLevels()
	getInt := func(path string, def int64) int64 {
		r := gjson.GetBytes(content, path)
		if r.Exists() && r.Type == gjson.Number {
			return int64(r.Num)
		}
		return def
	}
	pl.ban = getInt("ban", pl.ban)
	pl.kick = getInt("kick", pl.kick)
	pl.redact = getInt("redact", pl.redact)
	pl.invite = getInt("invite", pl.invite)
	pl.eventsDefault = getInt("events_default", pl.eventsDefault)
	pl.stateDefault = getInt("state_default", pl.stateDefault)
	pl.usersDefault = getInt("users_default", pl.usersDefault)

	gjson.GetBytes(content, "users").ForEach(func(k, v gjson.Result) bool {
		if v.Type == gjson.Number {
			pl.users[k.String()] = int64(v.Num)
		}
		return true
	})
	gjson.GetBytes(content, "events").ForEach(func(k, v gjson.Result) bool {
		if v.Type == gjson.Number {
			pl.events[k.String()] = int64(v.Num)
		}
		return true
	})
	if rules.PowerLevelsIncludeNotifications {
		pl.notificationsRoom = getInt("notifications.room", pl.notificationsRoom)
	}
	return pl
}

// loadPowerLevels returns the room's current effective power levels: the
// parsed m.room.power_levels event if one is in authState, or the
// defaults this engine assumes a power-levels-less room has.
func loadPowerLevels(view *authStateView, rules spec.RoomVersionRules) powerLevels {
	ev, ok := view.powerLevelsEvent()
	if !ok {
		return defaultPowerLevels()
	}
	pl := powerLevelsFromContent(ev.Content, rules)
	pl.hasEvent = true
	return pl
}

// creatorsOf returns the room's creator (the user whose implicit power
// level is 100 when no m.room.power_levels event has ever been sent) and
// the full set of users considered creators for that purpose.
// UseRoomCreateSender (room version 11+) takes the creator from the
// create event's sender; earlier versions take it from the content's
// `creator` field per MSC2175. additional_creators, present in neither
// room_member.rs nor spec.RoomVersionRules, is read when present anyway:
// a multi-owner room should not have its extra owners silently demoted to
// ordinary users just because this engine predates the MSC that named
// the field.
func creatorsOf(createEv types.Event, rules spec.RoomVersionRules) (string, []string) {
	var creator string
	if rules.UseRoomCreateSender {
		creator = createEv.Sender
	} else {
		creator = gjson.GetBytes(createEv.Content, "creator").String()
	}
	creators := []string{creator}
	gjson.GetBytes(createEv.Content, "additional_creators").ForEach(func(_, v gjson.Result) bool {
		if v.Type == gjson.String && v.String() != creator {
			creators = append(creators, v.String())
		}
		return true
	})
	return creator, creators
}

// userLevel returns userID's power level: their entry in the users map if
// one exists, the room's creator level (100) if the room has no
// power_levels event and userID is a creator, or users_default otherwise.
func (pl powerLevels) userLevel(userID string, creator string, creators []string) int64 {
	if lvl, ok := pl.users[userID]; ok {
		return lvl
	}
	if !pl.hasEvent {
		for _, c := range creators {
			if c == userID {
				return 100
			}
		}
	}
	return pl.usersDefault
}
