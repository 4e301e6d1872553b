// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package queue implements the outbound federation transaction queue (C9):
// a FIFO of pending PDUs and EDUs per destination server, batched into
// transactions and retried with exponential backoff on failure, as
// described in spec.md §4.9.
package queue

import (
	"context"
	"database/sql"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/matrixgate/coreserver/federationapi/types"
	"github.com/matrixgate/coreserver/pkg/spec"
)

// maxPDUsPerTransaction and maxEDUsPerTransaction bound a single
// transaction's batch size, matching spec.md §4.9's "up to N PDUs + M
// EDUs" per in-flight transaction.
const (
	maxPDUsPerTransaction = 50
	maxEDUsPerTransaction = 100
)

// FederationClient is the outbound transport the queue needs: delivering
// one /send transaction to one destination. The actual HTTP
// implementation (signing the request, following redirects, applying
// .well-known delegation) lives outside this package; the queue only
// needs this narrow surface to remain testable against a fake.
type FederationClient interface {
	SendTransaction(ctx context.Context, destination spec.ServerName, txnID string, pdus [][]byte, edus []EDU) error
}

// EDU is an ephemeral data unit (typing, read receipts, device list
// updates, presence): unlike a PDU it is never persisted to a room's
// event graph. The queue holds EDUs in memory alongside PDUs and retries
// them on the same backoff schedule; it puts no cap on how many it holds
// for a destination and never drops one.
type EDU struct {
	Type    string
	Content []byte
}

// RetryStateStorage persists each destination's consecutive-failure count
// and backoff deadline so a restart doesn't forget a known-down server is
// still in backoff. It is satisfied directly by the
// federationapi/storage/{postgres,sqlite3} retry-state table types; queue
// code always calls it with a nil *sql.Tx since it never participates in
// a larger transaction.
type RetryStateStorage interface {
	UpsertRetryState(ctx context.Context, txn *sql.Tx, serverName spec.ServerName, failureCount uint32, retryUntil spec.Timestamp) error
	SelectRetryState(ctx context.Context, txn *sql.Tx, serverName spec.ServerName) (failureCount uint32, retryUntil spec.Timestamp, exists bool, err error)
	DeleteRetryState(ctx context.Context, txn *sql.Tx, serverName spec.ServerName) error
}

// OutboundQueues is the roomserver/federationapi boundary's fan-out sink:
// every event InputRoomEvent admits and every EDU a sync/typing/receipts
// handler produces is handed to SendEvent/SendEDU here, and this package
// owns getting it to each destination reliably.
type OutboundQueues struct {
	ServerName spec.ServerName
	Client     FederationClient
	Storage    RetryStateStorage // nil is valid: backoff state then only lives in memory

	queues sync.Map // spec.ServerName -> *destinationQueue
}

// NewOutboundQueues constructs an OutboundQueues. storage may be nil for a
// queue that doesn't need backoff state to survive a restart (tests, or a
// relay deployment with no local storage of its own).
func NewOutboundQueues(serverName spec.ServerName, client FederationClient, storage RetryStateStorage) *OutboundQueues {
	return &OutboundQueues{
		ServerName: serverName,
		Client:     client,
		Storage:    storage,
	}
}

// SendEvent enqueues pdu for delivery to every destination in
// destinations, skipping empty names and this server's own name (a room's joined-hosts
// list always includes the local server, which never sends itself a
// federation transaction).
func (q *OutboundQueues) SendEvent(ctx context.Context, pdu types.PDU, destinations []spec.ServerName) error {
	for _, dest := range destinations {
		if dest == q.ServerName || dest == "" {
			continue
		}
		q.getOrCreateQueue(ctx, dest).sendPDU(pdu)
	}
	return nil
}

// SendEDU enqueues edu for delivery to every destination in destinations, the
// EDU counterpart of SendEvent.
func (q *OutboundQueues) SendEDU(ctx context.Context, edu EDU, destinations []spec.ServerName) error {
	for _, dest := range destinations {
		if dest == q.ServerName || dest == "" {
			continue
		}
		q.getOrCreateQueue(ctx, dest).sendEDU(edu)
	}
	return nil
}

// RetryServer clears dest's backoff state, if any, and wakes its queue so
// a pending batch (if one exists) is retried immediately rather than
// waiting out the rest of the backoff window. Used when a federation
// request arrives FROM dest, a strong signal that it is reachable again.
func (q *OutboundQueues) RetryServer(ctx context.Context, dest spec.ServerName) {
	v, ok := q.queues.Load(dest)
	if !ok {
		return
	}
	v.(*destinationQueue).retryNow(ctx)
}

func (q *OutboundQueues) getOrCreateQueue(ctx context.Context, dest spec.ServerName) *destinationQueue {
	v, loaded := q.queues.LoadOrStore(dest, newDestinationQueue(q, dest))
	dq := v.(*destinationQueue)
	if !loaded {
		if q.Storage != nil {
			if failureCount, retryUntil, exists, err := q.Storage.SelectRetryState(ctx, nil, dest); err == nil && exists {
				dq.failureCount = failureCount
				dq.retryUntil = retryUntil
			} else if err != nil {
				logrus.WithError(err).WithField("destination", dest).Warn("federationapi/queue: could not load retry state, starting with no backoff")
			}
		}
		go dq.run()
	}
	return dq
}
