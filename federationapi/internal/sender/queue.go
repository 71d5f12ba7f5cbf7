// Copyright 2017 Vector Creations Ltd
// Copyright 2019-2020 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sender

import (
	"sync"

	"github.com/matrix-org/dendrite-core/internal/eventutil"
)

// destKind discriminates the three destination shapes spec.md §4.10 names:
// an ordinary remote homeserver reached over server-server federation, a
// registered application service reached over its own transactions API,
// and a push gateway reached by the push dispatcher (§4.11) reusing this
// same queue/worker machinery.
type destKind int

const (
	destNormal destKind = iota
	destAppservice
	destPush
)

// task is one unit of outbound work: either a PDU to relay (Normal,
// Appservice) or an opaque payload to POST as-is (Push, whose body is a
// push-gateway notification JSON the caller has already built).
type task struct {
	pdu        *eventutil.PDU
	payload    []byte
	persistKey []byte // non-nil for tasks backed by a durable queue row, cleared once delivered
}

// sendFIFOQueue is the per-destination in-memory work queue: push appends,
// pop drains in order, and notifs wakes a parked worker. Grounded directly
// on the teacher's federationapi/routing `sendFIFOQueue`/`inputWorker`
// pair, reused here per-destination instead of per-room since a
// destination, not a room, is the unit a transaction is addressed to.
type sendFIFOQueue struct {
	mu     sync.Mutex
	tasks  []*task
	notifs chan struct{}
}

func newSendFIFOQueue() *sendFIFOQueue {
	return &sendFIFOQueue{notifs: make(chan struct{}, 1)}
}

func (q *sendFIFOQueue) push(t *task) {
	q.mu.Lock()
	q.tasks = append(q.tasks, t)
	q.mu.Unlock()
	select {
	case q.notifs <- struct{}{}:
	default:
	}
}

func (q *sendFIFOQueue) pop() (*task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return nil, false
	}
	t := q.tasks[0]
	q.tasks[0] = nil
	q.tasks = q.tasks[1:]
	if len(q.tasks) == 0 {
		q.tasks = nil
	}
	return t, true
}

func (q *sendFIFOQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
