// Copyright 2024 New Vector Ltd.
// Copyright 2019, 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package auth implements the room-version-scoped authorization engine
// (C5): whether a candidate event is allowed given the room state named by
// its auth_events. The membership state machine is grounded on the
// equivalent Rust auth rules (join/invite/leave/ban/knock, third-party
// invites, restricted joins); the power-level and default checks follow
// the same "auth rules" section of the Matrix specification those rules
// implement.
package auth

import (
	"context"
	"fmt"

	"github.com/matrixgate/coreserver/pkg/spec"
	"github.com/matrixgate/coreserver/roomserver/types"
	"github.com/tidwall/gjson"
)

// MembershipState is the value of an m.room.member event's `membership`
// content field.
type MembershipState string

const (
	MembershipJoin   MembershipState = "join"
	MembershipInvite MembershipState = "invite"
	MembershipLeave  MembershipState = "leave"
	MembershipBan    MembershipState = "ban"
	MembershipKnock  MembershipState = "knock"
)

// JoinRule is the value of an m.room.join_rules event's `join_rule`
// content field.
type JoinRule string

const (
	JoinRulePublic         JoinRule = "public"
	JoinRuleInvite         JoinRule = "invite"
	JoinRuleKnock          JoinRule = "knock"
	JoinRuleRestricted     JoinRule = "restricted"
	JoinRuleKnockRestricted JoinRule = "knock_restricted"
	JoinRulePrivate        JoinRule = "private"
)

// Error is returned by every check in this package; Rule names the check
// that failed so callers (and logs) can tell auth rejections apart from
// storage errors without string-matching.
type Error struct {
	Rule   string
	Reason string
}

func (e Error) Error() string {
	return fmt.Sprintf("roomserver/auth: %s: %s", e.Rule, e.Reason)
}

func reject(rule, reason string) error { return Error{Rule: rule, Reason: reason} }

// Storage is the subset of roomserver storage (C4) the authorization
// engine needs: resolving the interned NIDs state entries carry back into
// full events, and interning a state key string to look up a specific
// piece of state (a user's membership, a third-party invite token) that
// isn't one of the room's singleton event types.
type Storage interface {
	Events(ctx context.Context, eventNIDs []types.EventNID) ([]types.Event, error)
	EventStateKeyNID(ctx context.Context, stateKey string) (types.EventStateKeyNID, error)
}

// Checker implements roomserver/state.AuthChecker against a room's
// version rules and its storage-backed state.
type Checker struct {
	db    Storage
	rules spec.RoomVersionRules
}

// NewChecker builds a Checker bound to a storage backend and the rule set
// of the room it authorizes events for.
func NewChecker(db Storage, rules spec.RoomVersionRules) *Checker {
	return &Checker{db: db, rules: rules}
}

// authStateView indexes a candidate event's declared auth state by the
// well-known singleton NIDs plus on-demand member/third-party-invite
// lookups, so the per-event-type checks below can ask "what's the current
// join rule" without re-scanning authState themselves.
type authStateView struct {
	c         *Checker
	ctx       context.Context
	authState []types.StateEntry
	events    map[types.EventNID]types.Event
}

func (c *Checker) newView(ctx context.Context, authState []types.StateEntry) (*authStateView, error) {
	nids := make([]types.EventNID, 0, len(authState))
	for _, e := range authState {
		nids = append(nids, e.EventNID)
	}
	evs, err := c.db.Events(ctx, nids)
	if err != nil {
		return nil, fmt.Errorf("roomserver/auth: load auth state events: %w", err)
	}
	byNID := make(map[types.EventNID]types.Event, len(evs))
	for _, e := range evs {
		byNID[e.EventNID] = e
	}
	return &authStateView{c: c, ctx: ctx, authState: authState, events: byNID}, nil
}

func (v *authStateView) lookup(tuple types.StateKeyTuple) (types.Event, bool) {
	for _, e := range v.authState {
		if e.StateKeyTuple == tuple {
			ev, ok := v.events[e.EventNID]
			return ev, ok
		}
	}
	return types.Event{}, false
}

func (v *authStateView) singleton(typeNID types.EventTypeNID) (types.Event, bool) {
	return v.lookup(types.StateKeyTuple{EventTypeNID: typeNID, EventStateKeyNID: types.EmptyStateKeyNID})
}

func (v *authStateView) createEvent() (types.Event, bool) { return v.singleton(types.MRoomCreateNID) }

func (v *authStateView) powerLevelsEvent() (types.Event, bool) {
	return v.singleton(types.MRoomPowerLevelsNID)
}

func (v *authStateView) joinRulesEvent() (types.Event, bool) {
	return v.singleton(types.MRoomJoinRulesNID)
}

// memberEvent looks up the current m.room.member event for userID, if
// any. A user whose state key was never interned in this room has never
// had a membership event, so "not found" is a legitimate answer, not an
// error.
func (v *authStateView) memberEvent(userID string) (types.Event, bool, error) {
	nid, err := v.c.db.EventStateKeyNID(v.ctx, userID)
	if err != nil {
		return types.Event{}, false, nil
	}
	ev, ok := v.lookup(types.StateKeyTuple{EventTypeNID: types.MRoomMemberNID, EventStateKeyNID: nid})
	return ev, ok, nil
}

// membershipOf returns userID's current membership, defaulting to "leave"
// (never been a member) when there is no member event, matching the auth
// rules' treatment of an absent membership entry.
func (v *authStateView) membershipOf(userID string) (MembershipState, error) {
	ev, ok, err := v.memberEvent(userID)
	if err != nil {
		return "", err
	}
	if !ok {
		return MembershipLeave, nil
	}
	m := gjson.GetBytes(ev.Content, "membership")
	if !m.Exists() {
		return MembershipLeave, nil
	}
	return MembershipState(m.String()), nil
}

func (v *authStateView) thirdPartyInviteEvent(token string) (types.Event, bool) {
	nid, err := v.c.db.EventStateKeyNID(v.ctx, token)
	if err != nil {
		return types.Event{}, false
	}
	return v.lookup(types.StateKeyTuple{EventTypeNID: types.MRoomThirdPartyInviteNID, EventStateKeyNID: nid})
}

func (v *authStateView) currentJoinRule() JoinRule {
	ev, ok := v.joinRulesEvent()
	if !ok {
		return JoinRuleInvite
	}
	r := gjson.GetBytes(ev.Content, "join_rule")
	if !r.Exists() {
		return JoinRuleInvite
	}
	return JoinRule(r.String())
}

// Allowed implements roomserver/state.AuthChecker: whether candidate is
// authorized given authState, the resolved state the event declares (or
// is being checked against) as its auth context.
func (c *Checker) Allowed(ctx context.Context, candidate types.Event, authState []types.StateEntry) error {
	if candidate.Type == "m.room.create" {
		return c.checkCreate(candidate)
	}

	view, err := c.newView(ctx, authState)
	if err != nil {
		return err
	}

	createEv, ok := view.createEvent()
	if !ok {
		return reject("no-create-event", "room has no m.room.create event in its auth state")
	}

	if c.rules.SpecialCaseRoomCreateToken {
		// v1-v10 create events have no auth_events and are authorized
		// implicitly by checkCreate above; every other event needs one.
		if len(candidate.AuthEvents) == 0 {
			return reject("missing-auth-events", "non-create event has no auth_events")
		}
	}

	switch candidate.Type {
	case "m.room.member":
		return c.checkMember(ctx, candidate, createEv, view)
	case "m.room.power_levels":
		return c.checkPowerLevels(candidate, createEv, view)
	case "m.room.join_rules":
		return c.checkDefault(candidate, createEv, view)
	case "m.room.aliases":
		if c.rules.SpecialCaseAliases {
			// Pre-v6 rooms exempt aliases events from the power-level
			// check entirely, requiring only that the sender's domain
			// matches the event's state_key.
			if candidate.StateKey == nil || spec.ServerName(*candidate.StateKey) != senderDomain(candidate.Sender) {
				return reject("aliases-state-key", "state_key must equal the sender's domain")
			}
			return nil
		}
		return c.checkDefault(candidate, createEv, view)
	default:
		return c.checkDefault(candidate, createEv, view)
	}
}

func senderDomain(sender string) spec.ServerName {
	u, err := spec.NewUserID(sender, true)
	if err != nil {
		return ""
	}
	return u.Domain()
}

// checkCreate authorizes the room's own m.room.create event: it has no
// auth_events, so the only requirement is well-formedness.
func (c *Checker) checkCreate(candidate types.Event) error {
	if len(candidate.PrevEvents) != 0 {
		return reject("create-not-first", "m.room.create must have no prev_events")
	}
	roomID, err := spec.NewRoomID(candidate.RoomID)
	if err != nil {
		return reject("create-room-id", "invalid room id: "+err.Error())
	}
	if roomID.Domain() != senderDomain(candidate.Sender) {
		return reject("create-domain-mismatch", "room id domain must match sender domain")
	}
	return nil
}

// checkDefault applies the auth rules every event type not given special
// handling above is subject to: the sender must be joined, and their
// power level must meet the event's (or, for state events, the state
// type's) required level.
func (c *Checker) checkDefault(candidate types.Event, createEv types.Event, view *authStateView) error {
	senderMembership, err := view.membershipOf(candidate.Sender)
	if err != nil {
		return err
	}
	if senderMembership != MembershipJoin {
		return reject("sender-not-joined", "sender must be joined to send events")
	}

	pl := loadPowerLevels(view, c.rules)
	creator, creators := creatorsOf(createEv, c.rules)
	senderLevel := pl.userLevel(candidate.Sender, creator, creators)

	var required int64
	if candidate.IsStateEvent() {
		required = pl.stateDefault
	} else {
		required = pl.eventsDefault
	}
	if lvl, ok := pl.events[candidate.Type]; ok {
		required = lvl
	}
	if senderLevel < required {
		return reject("insufficient-power", "sender's power level is below the level required to send "+candidate.Type)
	}
	return nil
}

// checkPowerLevels additionally authorizes the fields an m.room.power_levels
// event changes relative to the room's current levels: a sender may not
// change any level whose old or new value is above their own power level,
// preventing a moderator from raising anyone (including themselves) above
// their own rank, or from editing a peer who already outranks them.
func (c *Checker) checkPowerLevels(candidate types.Event, createEv types.Event, view *authStateView) error {
	if err := c.checkDefault(candidate, createEv, view); err != nil {
		return err
	}

	current := loadPowerLevels(view, c.rules)
	creator, creators := creatorsOf(createEv, c.rules)
	senderLevel := current.userLevel(candidate.Sender, creator, creators)
	proposed := powerLevelsFromContent(candidate.Content, c.rules)

	scalarFields := []struct {
		name     string
		cur, updated int64
	}{
		{"ban", current.ban, proposed.ban},
		{"kick", current.kick, proposed.kick},
		{"redact", current.redact, proposed.redact},
		{"invite", current.invite, proposed.invite},
		{"events_default", current.eventsDefault, proposed.eventsDefault},
		{"state_default", current.stateDefault, proposed.stateDefault},
		{"users_default", current.usersDefault, proposed.usersDefault},
	}
	if c.rules.PowerLevelsIncludeNotifications {
		scalarFields = append(scalarFields, struct{ name string; cur, updated int64 }{"notifications.room", current.notificationsRoom, proposed.notificationsRoom})
	}
	for _, f := range scalarFields {
		if f.cur != f.updated && (f.cur > senderLevel || f.updated > senderLevel) {
			return reject("power-levels-exceeds-sender", "cannot change "+f.name+" above the sender's own power level")
		}
	}

	for evType, newLvl := range proposed.events {
		oldLvl, existed := current.events[evType]
		if !existed {
			oldLvl = current.eventsDefault
		}
		if oldLvl != newLvl && (oldLvl > senderLevel || newLvl > senderLevel) {
			return reject("power-levels-exceeds-sender", "cannot change the required level for "+evType+" above the sender's own power level")
		}
	}
	for userID, newLvl := range proposed.users {
		oldLvl := current.userLevel(userID, creator, creators)
		if oldLvl != newLvl && (oldLvl > senderLevel || newLvl > senderLevel) {
			return reject("power-levels-exceeds-sender", "cannot set "+userID+"'s power level above the sender's own power level")
		}
	}
	return nil
}
