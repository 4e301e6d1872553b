// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/matrixgate/coreserver/federationapi/types"
	"github.com/matrixgate/coreserver/pkg/canonicaljson"
	"github.com/matrixgate/coreserver/pkg/spec"
)

// destinationQueue is one destination server's pending PDUs/EDUs plus its
// backoff state and the single goroutine that ever sends a transaction to
// it. Pending items accumulate under mu regardless of backoff state;
// backoff only gates when run's loop next attempts a send.
type destinationQueue struct {
	queues      *OutboundQueues
	destination spec.ServerName

	mu          sync.Mutex
	pendingPDUs []types.PDU
	pendingEDUs []EDU

	failureCount uint32
	retryUntil   spec.Timestamp

	wake chan struct{}
}

func newDestinationQueue(q *OutboundQueues, destination spec.ServerName) *destinationQueue {
	return &destinationQueue{
		queues:      q,
		destination: destination,
		wake:        make(chan struct{}, 1),
	}
}

func (dq *destinationQueue) sendPDU(pdu types.PDU) {
	dq.mu.Lock()
	dq.pendingPDUs = append(dq.pendingPDUs, pdu)
	dq.mu.Unlock()
	observeSendQueueDepth(1)
	dq.notify()
}

func (dq *destinationQueue) sendEDU(edu EDU) {
	dq.mu.Lock()
	dq.pendingEDUs = append(dq.pendingEDUs, edu)
	dq.mu.Unlock()
	observeSendQueueDepth(1)
	dq.notify()
}

func (dq *destinationQueue) notify() {
	select {
	case dq.wake <- struct{}{}:
	default:
	}
}

// retryNow clears this destination's backoff immediately and requests an
// attempt; it does not fabricate work if the queue is already empty.
func (dq *destinationQueue) retryNow(ctx context.Context) {
	dq.mu.Lock()
	dq.failureCount = 0
	dq.retryUntil = 0
	dq.mu.Unlock()
	if dq.queues.Storage != nil {
		if err := dq.queues.Storage.DeleteRetryState(ctx, nil, dq.destination); err != nil {
			logrus.WithError(err).WithField("destination", dq.destination).Warn("federationapi/queue: could not clear retry state")
		}
	}
	dq.notify()
}

// run is the destination's single send loop: it wakes whenever new items
// are enqueued or a backoff window might have expired, and otherwise
// sleeps. A destination queue, once created, lives for the lifetime of
// the process; it is never torn down just because it drains empty, since
// a new event for the same destination will arrive again soon in an
// active room.
func (dq *destinationQueue) run() {
	for range dq.wake {
		dq.attemptUntilEmptyOrBackingOff()
	}
}

func (dq *destinationQueue) attemptUntilEmptyOrBackingOff() {
	for {
		dq.mu.Lock()
		backingOff := dq.retryUntil != 0 && time.Now().Before(dq.retryUntil.Time())
		empty := len(dq.pendingPDUs) == 0 && len(dq.pendingEDUs) == 0
		dq.mu.Unlock()
		if backingOff || empty {
			return
		}
		if !dq.attemptTransaction() {
			return
		}
	}
}

// attemptTransaction sends one batch and reports whether the loop should
// keep draining (true) or stop because the destination just failed and
// entered backoff (false).
func (dq *destinationQueue) attemptTransaction() bool {
	dq.mu.Lock()
	n := len(dq.pendingPDUs)
	if n > maxPDUsPerTransaction {
		n = maxPDUsPerTransaction
	}
	m := len(dq.pendingEDUs)
	if m > maxEDUsPerTransaction {
		m = maxEDUsPerTransaction
	}
	pdus := append([]types.PDU(nil), dq.pendingPDUs[:n]...)
	edus := append([]EDU(nil), dq.pendingEDUs[:m]...)
	dq.mu.Unlock()

	attemptID := uuid.NewString()
	txnID := transactionID(pdus, edus)

	pduJSON := make([][]byte, len(pdus))
	for i, p := range pdus {
		pduJSON[i] = p.JSON
	}

	log := logrus.WithFields(logrus.Fields{
		"destination": dq.destination,
		"txn_id":      txnID,
		"attempt_id":  attemptID,
		"pdus":        len(pdus),
		"edus":        len(edus),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err := dq.queues.Client.SendTransaction(ctx, dq.destination, txnID, pduJSON, edus)
	cancel()

	if err != nil {
		log.WithError(err).Debug("federationapi/queue: transaction failed, entering backoff")
		dq.recordFailure()
		return false
	}

	log.Debug("federationapi/queue: transaction delivered")
	dq.recordSuccess(n, m)
	return true
}

func (dq *destinationQueue) recordFailure() {
	dq.mu.Lock()
	dq.failureCount++
	wait := backoffDuration(dq.failureCount)
	dq.retryUntil = spec.AsTimestamp(time.Now()).Add(wait)
	failureCount, retryUntil := dq.failureCount, dq.retryUntil
	dq.mu.Unlock()

	if dq.queues.Storage != nil {
		if err := dq.queues.Storage.UpsertRetryState(context.Background(), nil, dq.destination, failureCount, retryUntil); err != nil {
			logrus.WithError(err).WithField("destination", dq.destination).Warn("federationapi/queue: could not persist retry state")
		}
	}

	// Nothing else will wake this destination once its pending items stop
	// growing, so schedule the retry ourselves rather than relying on the
	// next SendEvent/SendEDU call.
	time.AfterFunc(wait, dq.notify)
}

func (dq *destinationQueue) recordSuccess(sentPDUs, sentEDUs int) {
	dq.mu.Lock()
	dq.pendingPDUs = dq.pendingPDUs[sentPDUs:]
	dq.pendingEDUs = dq.pendingEDUs[sentEDUs:]
	hadFailures := dq.failureCount != 0
	dq.failureCount = 0
	dq.retryUntil = 0
	dq.mu.Unlock()

	observeSendQueueDepth(-int64(sentPDUs + sentEDUs))

	if hadFailures && dq.queues.Storage != nil {
		if err := dq.queues.Storage.DeleteRetryState(context.Background(), nil, dq.destination); err != nil {
			logrus.WithError(err).WithField("destination", dq.destination).Warn("federationapi/queue: could not clear retry state")
		}
	}
}

// transactionID computes spec.md §4.9's "deterministic hash of the batch
// contents": the same set of PDU/EDU IDs in the same order always yields
// the same transaction ID, so a retried batch is idempotent on the
// receiving end even if an earlier attempt's response was lost.
func transactionID(pdus []types.PDU, edus []EDU) string {
	ids := struct {
		PDUIDs []string `json:"pdu_ids"`
		EDUs   []string `json:"edus"`
	}{
		PDUIDs: make([]string, len(pdus)),
		EDUs:   make([]string, len(edus)),
	}
	for i, p := range pdus {
		ids.PDUIDs[i] = p.EventID
	}
	for i, e := range edus {
		ids.EDUs[i] = e.Type + ":" + string(e.Content)
	}

	canonical, err := canonicaljson.Marshal(ids)
	if err != nil {
		// Marshal only fails on an unsafe integer or unsupported type,
		// neither of which this struct of strings can produce.
		return uuid.NewString()
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}
