// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package routing holds the small request-shaped helpers an inbound
// /send federation transaction handler needs once the HTTP layer itself
// has decoded a request: rejecting an oversized batch before C7 ever
// sees it, and deriving the in-memory key that collapses two concurrent
// deliveries of the same transaction (an origin server retrying a
// transaction whose response it never received).
package routing

import (
	"fmt"

	"github.com/matrixgate/coreserver/pkg/spec"
)

// maxTransactionPDUs and maxTransactionEDUs mirror federationapi/queue's
// own outbound batch limits: the wire limit an incoming transaction is
// held to is the same size this server itself never exceeds when sending.
const (
	maxTransactionPDUs = 50
	maxTransactionEDUs = 100
)

// TransactionID identifies one /send transaction, scoped to the
// originating server (the same ID reused by two different servers
// names two different transactions).
type TransactionID string

// ValidateTransactionLimits rejects a transaction before it is unpacked
// any further if it exceeds the per-transaction PDU/EDU counts, per
// https://spec.matrix.org/latest/server-server-api/#transactions.
func ValidateTransactionLimits(pduCount, eduCount int) error {
	if pduCount > maxTransactionPDUs {
		return fmt.Errorf("transaction PDU count %d exceeds limit of %d", pduCount, maxTransactionPDUs)
	}
	if eduCount > maxTransactionEDUs {
		return fmt.Errorf("transaction EDU count %d exceeds limit of %d", eduCount, maxTransactionEDUs)
	}
	return nil
}

// GenerateTransactionKey derives the in-memory deduplication key for a
// transaction: the origin and transaction ID joined by a NUL byte, which
// can't appear in either component, so no combination of the two ever
// collides with a different (origin, txnID) pair.
func GenerateTransactionKey(origin spec.ServerName, txnID TransactionID) string {
	return string(origin) + "\000" + string(txnID)
}
