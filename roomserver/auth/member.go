// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package auth

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"

	"github.com/matrixgate/coreserver/pkg/keyring"
	"github.com/matrixgate/coreserver/pkg/spec"
	"github.com/matrixgate/coreserver/roomserver/types"
	"github.com/tidwall/gjson"
)

// b64DecodeKey decodes a public key as published in an
// m.room.third_party_invite event's public_keys: unpadded standard
// base64, the same convention keyring uses for every key/signature/hash.
func b64DecodeKey(s string) (ed25519.PublicKey, error) {
	raw, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return ed25519.PublicKey(raw), nil
}

// checkMember dispatches an m.room.member candidate to the check for its
// target membership, the membership state machine this package is built
// around.
func (c *Checker) checkMember(ctx context.Context, candidate types.Event, createEv types.Event, view *authStateView) error {
	if candidate.StateKey == nil {
		return reject("member-no-state-key", "m.room.member event has no state_key")
	}
	targetUser := *candidate.StateKey
	if _, err := spec.NewUserID(targetUser, true); err != nil {
		return reject("member-invalid-target", "state_key is not a valid user id: "+err.Error())
	}

	membership := gjson.GetBytes(candidate.Content, "membership")
	if !membership.Exists() {
		return reject("member-no-membership", "m.room.member content has no membership field")
	}

	switch MembershipState(membership.String()) {
	case MembershipJoin:
		return c.checkMemberJoin(candidate, targetUser, createEv, view)
	case MembershipInvite:
		return c.checkMemberInvite(candidate, targetUser, createEv, view)
	case MembershipLeave:
		return c.checkMemberLeave(candidate, targetUser, createEv, view)
	case MembershipBan:
		return c.checkMemberBan(candidate, targetUser, createEv, view)
	case MembershipKnock:
		if !c.rules.Knocking {
			return reject("knock-not-supported", "room version does not support knocking")
		}
		return c.checkMemberKnock(candidate, targetUser, view)
	default:
		return reject("member-unknown-membership", "unrecognized membership value")
	}
}

// checkMemberJoin is the join branch of the membership state machine,
// grounded on check_room_member_join in room_member.rs: the room's
// initial creator join, a plain self-join against invite/knock/public
// join rules, and the restricted-join-rule path authorized through
// join_authorised_via_users_server rather than the target's own power.
func (c *Checker) checkMemberJoin(candidate types.Event, targetUser string, createEv types.Event, view *authStateView) error {
	creator, creators := creatorsOf(createEv, c.rules)

	onlyPrevEventIsCreate := len(candidate.PrevEvents) == 1 && candidate.PrevEvents[0] == createEv.EventID
	if onlyPrevEventIsCreate && targetUser == creator {
		return nil
	}

	if candidate.Sender != targetUser {
		return reject("join-sender-mismatch", "sender of join event must match target user")
	}

	currentMembership, err := view.membershipOf(targetUser)
	if err != nil {
		return err
	}
	if currentMembership == MembershipBan {
		return reject("join-banned", "banned user cannot join room")
	}

	joinRule := view.currentJoinRule()

	if (joinRule == JoinRuleInvite || (c.rules.Knocking && joinRule == JoinRuleKnock)) &&
		(currentMembership == MembershipInvite || currentMembership == MembershipJoin) {
		return nil
	}

	restricted := c.rules.RestrictedJoinRule && joinRule == JoinRuleRestricted ||
		c.rules.KnockRestrictedJoinRule && joinRule == JoinRuleKnockRestricted
	if restricted {
		if currentMembership == MembershipJoin || currentMembership == MembershipInvite {
			return nil
		}

		authorizedVia := gjson.GetBytes(candidate.Content, "join_authorised_via_users_server")
		if !authorizedVia.Exists() || authorizedVia.Type != gjson.String {
			return reject("restricted-join-not-authorized", "cannot join restricted room without join_authorised_via_users_server if not invited")
		}
		authorizedMembership, err := view.membershipOf(authorizedVia.String())
		if err != nil {
			return err
		}
		if authorizedMembership != MembershipJoin {
			return reject("restricted-join-authorizer-not-joined", "join_authorised_via_users_server is not joined")
		}

		pl := loadPowerLevels(view, c.rules)
		authorizerLevel := pl.userLevel(authorizedVia.String(), creator, creators)
		if authorizerLevel < pl.invite {
			return reject("restricted-join-authorizer-insufficient-power", "join_authorised_via_users_server does not have enough power to invite")
		}
		return nil
	}

	if joinRule == JoinRulePublic {
		return nil
	}
	return reject("join-rule-not-public", "cannot join a room that is not public")
}

// checkMemberInvite is the invite branch, grounded on check_room_member_invite.
func (c *Checker) checkMemberInvite(candidate types.Event, targetUser string, createEv types.Event, view *authStateView) error {
	if tpi := gjson.GetBytes(candidate.Content, "third_party_invite"); tpi.Exists() {
		return c.checkThirdPartyInvite(candidate, tpi, targetUser, view)
	}

	senderMembership, err := view.membershipOf(candidate.Sender)
	if err != nil {
		return err
	}
	if senderMembership != MembershipJoin {
		return reject("invite-sender-not-joined", "cannot invite user if sender is not joined")
	}

	targetMembership, err := view.membershipOf(targetUser)
	if err != nil {
		return err
	}
	if targetMembership == MembershipJoin || targetMembership == MembershipBan {
		return reject("invite-target-joined-or-banned", "cannot invite user that is joined or banned")
	}

	creator, creators := creatorsOf(createEv, c.rules)
	pl := loadPowerLevels(view, c.rules)
	senderLevel := pl.userLevel(candidate.Sender, creator, creators)
	if senderLevel < pl.invite {
		return reject("invite-insufficient-power", "sender does not have enough power to invite")
	}
	return nil
}

// checkThirdPartyInvite authorizes an invite whose content names a prior
// m.room.third_party_invite event, grounded on check_third_party_invite:
// the signed blob embedded in content must carry a signature matching one
// of that third-party-invite event's public keys.
func (c *Checker) checkThirdPartyInvite(candidate types.Event, tpi gjson.Result, targetUser string, view *authStateView) error {
	targetMembership, err := view.membershipOf(targetUser)
	if err != nil {
		return err
	}
	if targetMembership == MembershipBan {
		return reject("third-party-invite-target-banned", "cannot invite user that is banned")
	}

	token := tpi.Get("signed.token")
	mxid := tpi.Get("signed.mxid")
	if !token.Exists() || !mxid.Exists() {
		return reject("third-party-invite-malformed", "third_party_invite.signed is missing mxid or token")
	}
	if mxid.String() != targetUser {
		return reject("third-party-invite-mxid-mismatch", "third-party invite mxid does not match target user")
	}

	tpiEvent, ok := view.thirdPartyInviteEvent(token.String())
	if !ok {
		return reject("third-party-invite-no-event", "no m.room.third_party_invite in room state matches the token")
	}
	if candidate.Sender != tpiEvent.Sender {
		return reject("third-party-invite-sender-mismatch", "sender of m.room.third_party_invite does not match sender of m.room.member")
	}

	signed := tpi.Get("signed")
	signedJSON := []byte(signed.Raw)
	signatures := signed.Get("signatures")
	if !signatures.Exists() {
		return reject("third-party-invite-unsigned", "third_party_invite.signed has no signatures")
	}

	var publicKeys []string
	if pk := gjson.GetBytes(tpiEvent.Content, "public_key"); pk.Exists() {
		publicKeys = append(publicKeys, pk.String())
	}
	gjson.GetBytes(tpiEvent.Content, "public_keys").ForEach(func(_, v gjson.Result) bool {
		if k := v.Get("public_key"); k.Exists() {
			publicKeys = append(publicKeys, k.String())
		}
		return true
	})

	var matched bool
	signatures.ForEach(func(entity, perEntity gjson.Result) bool {
		perEntity.ForEach(func(keyID, sigVal gjson.Result) bool {
			for _, pk := range publicKeys {
				pub, decodeErr := b64DecodeKey(pk)
				if decodeErr != nil {
					continue
				}
				if err := keyring.VerifyJSON(spec.ServerName(entity.String()), keyring.KeyID(keyID.String()), pub, signedJSON); err == nil {
					matched = true
					return false
				}
			}
			return true
		})
		return !matched
	})
	if !matched {
		return reject("third-party-invite-bad-signature", "no signature on third-party invite matches a public key in m.room.third_party_invite")
	}
	return nil
}

// checkMemberLeave is the leave branch, grounded on check_room_member_leave:
// a self-leave requires having been invited, joined or knocked; a kick of
// someone else requires the sender to outrank both the kick level and the
// target.
func (c *Checker) checkMemberLeave(candidate types.Event, targetUser string, createEv types.Event, view *authStateView) error {
	senderMembership, err := view.membershipOf(candidate.Sender)
	if err != nil {
		return err
	}

	if candidate.Sender == targetUser {
		if senderMembership == MembershipJoin || senderMembership == MembershipInvite ||
			(c.rules.Knocking && senderMembership == MembershipKnock) {
			return nil
		}
		return reject("leave-not-member", "cannot leave if not joined, invited or knocked")
	}

	if senderMembership != MembershipJoin {
		return reject("kick-sender-not-joined", "cannot kick if sender is not joined")
	}

	creator, creators := creatorsOf(createEv, c.rules)
	pl := loadPowerLevels(view, c.rules)
	senderLevel := pl.userLevel(candidate.Sender, creator, creators)

	targetMembership, err := view.membershipOf(targetUser)
	if err != nil {
		return err
	}
	if targetMembership == MembershipBan && senderLevel < pl.ban {
		return reject("kick-insufficient-power-to-unban", "sender does not have enough power to unban")
	}

	targetLevel := pl.userLevel(targetUser, creator, creators)
	if senderLevel >= pl.kick && targetLevel < senderLevel {
		return nil
	}
	return reject("kick-insufficient-power", "sender does not have enough power to kick target user")
}

// checkMemberBan is the ban branch, grounded on check_room_member_ban.
func (c *Checker) checkMemberBan(candidate types.Event, targetUser string, createEv types.Event, view *authStateView) error {
	senderMembership, err := view.membershipOf(candidate.Sender)
	if err != nil {
		return err
	}
	if senderMembership != MembershipJoin {
		return reject("ban-sender-not-joined", "cannot ban if sender is not joined")
	}

	creator, creators := creatorsOf(createEv, c.rules)
	pl := loadPowerLevels(view, c.rules)
	senderLevel := pl.userLevel(candidate.Sender, creator, creators)
	targetLevel := pl.userLevel(targetUser, creator, creators)

	if senderLevel >= pl.ban && targetLevel < senderLevel {
		return nil
	}
	return reject("ban-insufficient-power", "sender does not have enough power to ban target user")
}

// checkMemberKnock is the knock branch, grounded on check_room_member_knock.
func (c *Checker) checkMemberKnock(candidate types.Event, targetUser string, view *authStateView) error {
	joinRule := view.currentJoinRule()
	if joinRule != JoinRuleKnock && !(c.rules.KnockRestrictedJoinRule && joinRule == JoinRuleKnockRestricted) {
		return reject("knock-wrong-join-rule", "join rule is not set to knock or knock_restricted, knocking is not allowed")
	}
	if candidate.Sender != targetUser {
		return reject("knock-sender-mismatch", "cannot make another user knock, sender does not match target user")
	}

	senderMembership, err := view.membershipOf(candidate.Sender)
	if err != nil {
		return err
	}
	if senderMembership == MembershipBan || senderMembership == MembershipInvite || senderMembership == MembershipJoin {
		return reject("knock-already-member", "cannot knock if user is banned, invited or joined")
	}
	return nil
}
