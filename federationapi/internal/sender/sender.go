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

// Package sender implements the federation transaction engine (spec.md
// §4.10): it subscribes to the roomserver's output log as an
// api.OutputEventConsumer, works out which remote homeservers and
// application services need a copy of each new event, and relays it with
// a durable per-destination queue, one worker goroutine per destination,
// and exponential backoff on failure. Grounded on the teacher's
// federationapi/routing `sendFIFOQueue`/`inputWorker` pattern (FIFO queue
// plus a single active worker per key, CAS-guarded so a destination never
// has two workers running at once), reused here per-destination instead
// of per-room.
package sender

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"github.com/matrix-org/dendrite-core/appservice/query"
	"github.com/matrix-org/dendrite-core/federationapi/internal/resolver"
	"github.com/matrix-org/dendrite-core/internal/eventutil"
	"github.com/matrix-org/dendrite-core/internal/kv"
	"github.com/matrix-org/dendrite-core/internal/ratelimit"
	"github.com/matrix-org/dendrite-core/roomserver/api"
)

const tableQueuePDUs = "federationsender_queue_pdus"

// RoomServers is the narrow roomserver surface the sender needs to decide
// where a room's events should be relayed.
type RoomServers interface {
	QueryJoinedHostServerNamesInRoom(ctx context.Context, roomID string, excludeSelf bool) ([]string, error)
}

// Sender is the federation transaction engine.
type Sender struct {
	ServerName string
	Store      *kv.Store
	Resolver   *resolver.Resolver
	Transport  Transport
	RoomServers RoomServers
	AppIndex   *query.Index
	Limiter    *ratelimit.Limiter

	mu      sync.Mutex
	workers map[string]*worker
	limits  map[string]*rate.Limiter
}

type worker struct {
	running atomic.Bool
	queue   *sendFIFOQueue
}

// New constructs a Sender and ensures its durable queue table exists.
func New(serverName string, store *kv.Store, res *resolver.Resolver, signer Signer, roomServers RoomServers, appIndex *query.Index) (*Sender, error) {
	if err := store.EnsureTable(tableQueuePDUs); err != nil {
		return nil, fmt.Errorf("sender.New: %w", err)
	}
	return &Sender{
		ServerName:  serverName,
		Store:       store,
		Resolver:    res,
		Transport:   newHTTPTransport(signer),
		RoomServers: roomServers,
		AppIndex:    appIndex,
		Limiter:     ratelimit.New(5*time.Second, time.Hour),
		workers:     map[string]*worker{},
		limits:      map[string]*rate.Limiter{},
	}, nil
}

// WriteOutputEvents implements roomserver/api.OutputEventConsumer: it is
// the only path new room events reach the outside world through.
func (s *Sender) WriteOutputEvents(roomID string, updates []api.OutputEvent) error {
	for _, u := range updates {
		if u.Type != api.OutputTypeNewRoomEvent || u.NewRoomEvent == nil {
			continue
		}
		if u.NewRoomEvent.SendAsServer == api.DoNotSendToOtherServers {
			continue
		}
		if err := s.enqueueNewEvent(u.NewRoomEvent.Event); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sender) enqueueNewEvent(pdu *eventutil.PDU) error {
	destServers, err := s.RoomServers.QueryJoinedHostServerNamesInRoom(context.Background(), pdu.RoomID, true)
	if err != nil {
		return fmt.Errorf("sender.enqueueNewEvent: %w", err)
	}
	for _, server := range destServers {
		if server == s.ServerName {
			continue
		}
		if err := s.persistAndEnqueue("normal:"+server, &task{pdu: pdu}); err != nil {
			return err
		}
	}
	for _, app := range s.AppIndex.InterestedApplications(pdu) {
		if err := s.persistAndEnqueue("appservice:"+app.ID, &task{pdu: pdu}); err != nil {
			return err
		}
	}
	return nil
}

// EnqueuePush is called by the push dispatcher (spec.md §4.11) to deliver
// a gateway notification through the same queue/worker machinery the
// federation path uses, rather than duplicating it. Push payloads are held
// in the in-memory queue only: unlike PDUs they are not written to the
// durable queue table, so Recover does not redeliver them after a restart.
func (s *Sender) EnqueuePush(gatewayURL string, payload []byte) error {
	return s.persistAndEnqueue("push:"+gatewayURL, &task{payload: payload})
}

func (s *Sender) persistAndEnqueue(dest string, t *task) error {
	seq, err := s.Store.NextCount()
	if err != nil {
		return fmt.Errorf("sender.persistAndEnqueue: %w", err)
	}
	if t.pdu != nil {
		t.persistKey = queueKey(dest, seq)
		if err := s.Store.Put(context.Background(), tableQueuePDUs, t.persistKey, t.pdu.Raw); err != nil {
			return fmt.Errorf("sender.persistAndEnqueue: %w", err)
		}
	}
	s.pushToWorker(dest, t)
	return nil
}

func queueKey(dest string, seq uint64) []byte {
	key := make([]byte, len(dest)+1+8)
	copy(key, dest)
	key[len(dest)] = kv.Separator
	binary.BigEndian.PutUint64(key[len(dest)+1:], seq)
	return key
}

func (s *Sender) pushToWorker(dest string, t *task) {
	s.mu.Lock()
	w, ok := s.workers[dest]
	if !ok {
		w = &worker{queue: newSendFIFOQueue()}
		s.workers[dest] = w
	}
	s.mu.Unlock()

	w.queue.push(t)
	if w.running.CAS(false, true) {
		go s.runWorker(dest, w)
	}
}

// Recover re-reads every persisted-but-unsent PDU from a previous process
// lifetime and re-enqueues it, implementing the sender engine's startup
// recovery step (spec.md §4.10 step 5: crash durability).
func (s *Sender) Recover(ctx context.Context) error {
	byDest := map[string][]recoveredTask{}
	err := s.Store.PrefixScan(ctx, tableQueuePDUs, nil, kv.Ascending, func(k, v []byte) (bool, error) {
		dest := destFromKey(k)
		pdu, perr := eventutil.NewPDUFromUntrustedJSON(v, "10")
		if perr != nil {
			logrus.WithError(perr).Warn("sender.Recover: dropping corrupt queued PDU")
			return true, nil
		}
		byDest[dest] = append(byDest[dest], recoveredTask{pdu: pdu, key: append([]byte(nil), k...)})
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("sender.Recover: %w", err)
	}
	for dest, tasks := range byDest {
		for _, rt := range tasks {
			s.pushToWorker(dest, &task{pdu: rt.pdu, persistKey: rt.key})
		}
	}
	return nil
}

type recoveredTask struct {
	pdu *eventutil.PDU
	key []byte
}

func destFromKey(k []byte) string {
	for i, b := range k {
		if b == kv.Separator {
			return string(k[:i])
		}
	}
	return string(k)
}

// runWorker drains dest's queue, sending one transaction at a time, until
// the queue empties. Retried destinations back off exponentially via
// Limiter and re-check ShouldFastFail before every attempt so a
// persistently unreachable server doesn't busy-loop the worker.
func (s *Sender) runWorker(dest string, w *worker) {
	defer w.running.Store(false)
	for {
		t, ok := w.queue.pop()
		if !ok {
			return
		}
		if s.Limiter.ShouldFastFail(dest) {
			w.queue.push(t)
			return
		}
		s.rateLimiterFor(dest).Wait(context.Background())
		if err := s.deliver(dest, t); err != nil {
			logrus.WithError(err).WithField("destination", dest).Warn("sender: delivery failed, will retry")
			s.Limiter.RecordFailure(dest)
			w.queue.push(t)
			return
		}
		s.Limiter.Clear(dest)
		if t.persistKey != nil {
			// Losing this delete on crash is harmless — Recover will just
			// resend an already-delivered event, which peers dedupe on
			// event ID.
			_ = s.Store.Delete(context.Background(), tableQueuePDUs, t.persistKey)
		}
	}
}

func (s *Sender) rateLimiterFor(dest string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limits[dest]
	if !ok {
		l = rate.NewLimiter(rate.Limit(50), 50)
		s.limits[dest] = l
	}
	return l
}

func (s *Sender) deliver(dest string, t *task) error {
	switch {
	case strings.HasPrefix(dest, "push:"):
		return s.Transport.PostPush(context.Background(), dest[len("push:"):], t.payload)
	case strings.HasPrefix(dest, "appservice:"):
		app, ok := s.AppIndex.ByID(dest[len("appservice:"):])
		if !ok {
			return fmt.Errorf("sender: unknown appservice %s", dest)
		}
		return s.Transport.PostAppservice(context.Background(), app, fmt.Sprintf("%d", time.Now().UnixNano()), []*eventutil.PDU{t.pdu})
	default:
		server := dest[len("normal:"):]
		resolved, err := s.Resolver.Resolve(context.Background(), server)
		if err != nil {
			return fmt.Errorf("sender: resolving %s: %w", server, err)
		}
		results, err := s.Transport.SendTransaction(context.Background(), resolved, server, fmt.Sprintf("%d", time.Now().UnixNano()), []*eventutil.PDU{t.pdu})
		if err != nil {
			return err
		}
		if r, ok := results[t.pdu.EventID]; ok && r.Error != "" {
			logrus.WithField("event_id", t.pdu.EventID).WithField("destination", server).Warn("sender: peer rejected event: " + r.Error)
		}
		return nil
	}
}

