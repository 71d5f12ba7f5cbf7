// Copyright 2017 Vector Creations Ltd
// Copyright 2018 New Vector Ltd
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

package input

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/matrix-org/dendrite-core/internal/eventutil"
	"github.com/matrix-org/dendrite-core/internal/shortid"
	"github.com/matrix-org/dendrite-core/internal/statecompressor"
	"github.com/matrix-org/dendrite-core/internal/timeline"
	"github.com/matrix-org/dendrite-core/roomserver/api"
	"github.com/matrix-org/dendrite-core/roomserver/internal/authcheck"
)

// processRoomEvent takes a single untrusted PDU through these steps: skip
// an outlier that is already stored, auth-event fetch, authorization,
// signature/hash verification, storage, and (for new/old events)
// extremity and output-log updates. Missing prev_events are not fetched.
// An event that fails authorization is stored and its error returned; it
// is not marked soft-failed. Only one call runs per room at a time —
// InputRoomEvent holds the room's mutex for the whole of it.
func (r *Inputer) processRoomEvent(inctx context.Context, input *api.InputRoomEvent) (err error) {
	select {
	case <-inctx.Done():
		return context.DeadlineExceeded
	default:
	}

	ctx, cancel := context.WithTimeout(inctx, MaximumProcessingTime)
	defer cancel()

	pdu := input.Event
	logger := r.logger(pdu)

	started := time.Now()
	defer func() {
		processRoomEventDuration.With(prometheus.Labels{
			"room_id": pdu.RoomID,
		}).Observe(float64(time.Since(started).Milliseconds()))
	}()

	// Outliers we've already stored need no further work — they carry no
	// state of their own that would warrant recomputation.
	if input.Kind == api.KindOutlier {
		if _, ok, err2 := r.Timeline.GetPDUJSON(ctx, pdu.EventID); err2 == nil && ok {
			logger.Debug("Already processed event; ignoring")
			return nil
		}
	}

	roomInfo, err := r.RoomInfos.RoomInfo(ctx, pdu.RoomID)
	if err != nil {
		return fmt.Errorf("r.RoomInfos.RoomInfo: %w", err)
	}
	if roomInfo == nil {
		if pdu.Type != "m.room.create" || !pdu.IsState() || *pdu.StateKey != "" {
			return fmt.Errorf("input: unknown room %s and event is not its creation event", pdu.RoomID)
		}
		rv := eventutil.RoomVersion(pdu.Content.Get("room_version").String())
		if rv == "" {
			rv = "10"
		}
		roomNID, err2 := r.Shorts.GetOrCreateRoomNID(ctx, pdu.RoomID)
		if err2 != nil {
			return fmt.Errorf("r.Shorts.GetOrCreateRoomNID: %w", err2)
		}
		roomInfo = &api.RoomInfo{RoomID: pdu.RoomID, RoomNID: roomNID, RoomVersion: rv}
		if err2 = r.RoomInfos.SetRoomInfo(ctx, roomInfo); err2 != nil {
			return fmt.Errorf("r.RoomInfos.SetRoomInfo: %w", err2)
		}
	}
	pdu.SetRoomVersion(roomInfo.RoomVersion)

	servers, err := r.originServers(ctx, input)
	if err != nil {
		return fmt.Errorf("r.originServers: %w", err)
	}

	authByTuple, err := r.fetchAuthEvents(ctx, logger, pdu, roomInfo.RoomVersion, servers)
	if err != nil {
		return fmt.Errorf("r.fetchAuthEvents: %w", err)
	}

	isRejected := false
	var rejectionErr error
	if rejectionErr = authcheck.CheckAllowed(pdu, authByTuple); rejectionErr != nil {
		isRejected = true
		logger.WithError(rejectionErr).Warn("Event rejected by auth check")
	}

	// Signature and content-hash failures are not a soft authorization
	// question: a server that cannot prove authorship or has a corrupt
	// payload is refused outright, never merely soft-failed.
	if err = r.verifyEventSignatureAndHash(ctx, pdu); err != nil {
		return fmt.Errorf("input: %w", err)
	}

	eventNID, err := r.Shorts.GetOrCreateEventNID(ctx, pdu.EventID)
	if err != nil {
		return fmt.Errorf("r.Shorts.GetOrCreateEventNID: %w", err)
	}

	if input.Kind == api.KindOutlier {
		if err = r.Timeline.StoreOutlier(ctx, pdu); err != nil {
			return fmt.Errorf("r.Timeline.StoreOutlier: %w", err)
		}
		logger.Debug("Stored outlier")
		return nil
	}

	pduID, err := r.Timeline.NextPDUID(roomInfo.RoomNID)
	if err != nil {
		return fmt.Errorf("r.Timeline.NextPDUID: %w", err)
	}
	if err = r.Timeline.AppendPDU(ctx, pduID, pdu, roomInfo.RoomNID); err != nil {
		return fmt.Errorf("r.Timeline.AppendPDU: %w", err)
	}

	stateAtEvent := api.StateAtEvent{EventNID: eventNID}
	if !isRejected {
		if err = r.calculateAndSetState(ctx, input, roomInfo, &stateAtEvent, pdu); err != nil {
			return fmt.Errorf("r.calculateAndSetState: %w", err)
		}
	}
	if err = r.RoomInfos.SetStateAtEvent(ctx, eventNID, stateAtEvent.BeforeStateSnapshotNID); err != nil {
		return fmt.Errorf("r.RoomInfos.SetStateAtEvent: %w", err)
	}

	if isRejected {
		logger.WithError(rejectionErr).Debug("Stored rejected event")
		return rejectionErr
	}

	switch input.Kind {
	case api.KindNew:
		if err = r.updateLatestEvents(ctx, roomInfo, stateAtEvent, pdu, input); err != nil {
			return fmt.Errorf("r.updateLatestEvents: %w", err)
		}
	case api.KindOld:
		if err = r.Output.WriteOutputEvents(pdu.RoomID, []api.OutputEvent{{
			Type:         api.OutputTypeOldRoomEvent,
			OldRoomEvent: &api.OutputOldRoomEvent{Event: pdu},
		}}); err != nil {
			return fmt.Errorf("r.Output.WriteOutputEvents (old): %w", err)
		}
	}

	return nil
}

// originServers collects the set of federation servers worth asking for
// anything this event's processing turns out to need: the server that
// handed us the event (if federated) plus every other joined host, so a
// single unresponsive origin doesn't stall ingestion.
func (r *Inputer) originServers(ctx context.Context, input *api.InputRoomEvent) ([]string, error) {
	var servers []string
	if input.Origin != "" {
		servers = append(servers, input.Origin)
	}
	if r.Federation == nil {
		return servers, nil
	}
	joined, err := r.Federation.QueryJoinedHostServerNamesInRoom(ctx, input.Event.RoomID, true)
	if err != nil {
		return servers, fmt.Errorf("r.Federation.QueryJoinedHostServerNamesInRoom: %w", err)
	}
	return appendUniqueServers(servers, joined), nil
}

func appendUniqueServers(have []string, more []string) []string {
	seen := make(map[string]bool, len(have))
	for _, s := range have {
		seen[s] = true
	}
	for _, s := range more {
		if !seen[s] {
			seen[s] = true
			have = append(have, s)
		}
	}
	return have
}

// fetchAuthEvents resolves pdu's declared auth_events into PDUs, fetching
// any that aren't already stored from the federation's event-auth
// endpoint (bounded to MaxFetchPrevEvents ancestors, spec.md §9 Open
// Question 1), and returns them keyed by (type, state_key) for the
// authorization check.
func (r *Inputer) fetchAuthEvents(
	ctx context.Context,
	logger *logrus.Entry,
	pdu *eventutil.PDU,
	rv eventutil.RoomVersion,
	servers []string,
) (map[shortid.StateKeyTuple]*eventutil.PDU, error) {
	out := map[shortid.StateKeyTuple]*eventutil.PDU{}
	var missing []string
	for _, id := range pdu.AuthEvents {
		known, ok, err := r.Timeline.GetPDU(ctx, rv, id)
		if err != nil {
			return nil, fmt.Errorf("r.Timeline.GetPDU: %w", err)
		}
		if !ok {
			missing = append(missing, id)
			continue
		}
		if known.IsState() {
			out[shortid.StateKeyTuple{EventType: known.Type, StateKey: *known.StateKey}] = known
		}
	}
	if len(missing) == 0 || r.Federation == nil {
		return out, nil
	}

	var fetched []*eventutil.PDU
	var lastErr error
	for _, server := range servers {
		fetched, lastErr = r.Federation.GetEventAuth(ctx, server, string(rv), pdu.RoomID, pdu.EventID)
		if lastErr != nil {
			logger.WithError(lastErr).WithField("server", server).Warn("Failed to fetch event auth chain")
			continue
		}
		break
	}
	if fetched == nil {
		return nil, fmt.Errorf("%w: no server of %v returned the auth chain for %s (last error: %v)", errMissingAncestors, servers, pdu.EventID, lastErr)
	}

	limit := maxFetchPrevEventsOrDefault(r.MaxFetchPrevEvents)
	for i, fetchedPDU := range fetched {
		if i >= limit {
			logger.WithField("limit", limit).Warn("Truncated fetched auth chain at configured limit")
			break
		}
		fetchedPDU.SetRoomVersion(rv)
		if err := r.verifyEventSignatureAndHash(ctx, fetchedPDU); err != nil {
			logger.WithError(err).WithField("event_id", fetchedPDU.EventID).Warn("Discarding fetched auth event with bad signature")
			continue
		}
		if _, err := r.Shorts.GetOrCreateEventNID(ctx, fetchedPDU.EventID); err != nil {
			return nil, fmt.Errorf("r.Shorts.GetOrCreateEventNID: %w", err)
		}
		if err := r.Timeline.StoreOutlier(ctx, fetchedPDU); err != nil {
			return nil, fmt.Errorf("r.Timeline.StoreOutlier: %w", err)
		}
		if fetchedPDU.IsState() {
			out[shortid.StateKeyTuple{EventType: fetchedPDU.Type, StateKey: *fetchedPDU.StateKey}] = fetchedPDU
		}
	}
	return out, nil
}

// calculateAndSetState fills in stateAtEvent.BeforeStateSnapshotNID,
// either by trusting the caller-provided state (the join-via-federation
// case, input.HasState) or by resolving the state implied by pdu's
// prev_events through the state-resolution package.
func (r *Inputer) calculateAndSetState(
	ctx context.Context,
	input *api.InputRoomEvent,
	roomInfo *api.RoomInfo,
	stateAtEvent *api.StateAtEvent,
	pdu *eventutil.PDU,
) error {
	if input.HasState {
		stateAtEvent.Overwrite = true
		var added []statecompressor.CompressedStateEvent
		for _, eventID := range input.StateEventIDs {
			evNID, ok, err := r.RoomInfos.EventNIDForID(ctx, eventID)
			if err != nil {
				return fmt.Errorf("r.RoomInfos.EventNIDForID: %w", err)
			}
			if !ok {
				return fmt.Errorf("input: state event %s not known locally", eventID)
			}
			known, ok, err := r.Timeline.GetPDU(ctx, roomInfo.RoomVersion, eventID)
			if err != nil {
				return fmt.Errorf("r.Timeline.GetPDU: %w", err)
			}
			if !ok || !known.IsState() {
				return fmt.Errorf("input: state event %s is not a state event", eventID)
			}
			stateKeyNID, err := r.Shorts.GetOrCreateStateKeyNID(ctx, shortid.StateKeyTuple{EventType: known.Type, StateKey: *known.StateKey})
			if err != nil {
				return fmt.Errorf("r.Shorts.GetOrCreateStateKeyNID: %w", err)
			}
			added = append(added, statecompressor.NewCompressedStateEvent(stateKeyNID, evNID))
		}
		hash, err := r.Compressor.SaveStateFromDiff(ctx, 0, added, nil)
		if err != nil {
			return fmt.Errorf("r.Compressor.SaveStateFromDiff: %w", err)
		}
		stateAtEvent.BeforeStateSnapshotNID = hash
		return nil
	}

	stateAtEvent.Overwrite = false
	if !pdu.IsState() && len(pdu.PrevEvents) == 0 {
		stateAtEvent.BeforeStateSnapshotNID = 0
		return nil
	}

	// The state before pdu is taken from the room's current
	// forward-extremity snapshot alone. prev_events that are not among the
	// current extremities are not fetched, and their state is not resolved
	// against it.
	latestIDs, latestState, err := r.RoomInfos.LatestEventsAndState(ctx, roomInfo.RoomNID)
	if err != nil {
		return fmt.Errorf("r.RoomInfos.LatestEventsAndState: %w", err)
	}
	if len(latestIDs) == 0 {
		stateAtEvent.BeforeStateSnapshotNID = 0
		return nil
	}
	snapshots := []statecompressor.ShortStateHash{latestState}

	resolved, err := r.StateRes.ResolveConflicts(ctx, pdu.RoomID, snapshots)
	if err != nil {
		return fmt.Errorf("r.StateRes.ResolveConflicts: %w", err)
	}
	stateAtEvent.BeforeStateSnapshotNID = resolved
	return nil
}

// updateLatestEvents recomputes the room's forward extremities after a
// newly-accepted event: pdu replaces every previous extremity it lists as
// a prev_event, and the room's current state snapshot moves forward to
// match, before the event is announced on the output log.
func (r *Inputer) updateLatestEvents(
	ctx context.Context,
	roomInfo *api.RoomInfo,
	stateAtEvent api.StateAtEvent,
	pdu *eventutil.PDU,
	input *api.InputRoomEvent,
) error {
	latestIDs, _, err := r.RoomInfos.LatestEventsAndState(ctx, roomInfo.RoomNID)
	if err != nil {
		return fmt.Errorf("r.RoomInfos.LatestEventsAndState: %w", err)
	}
	prevSet := make(map[string]bool, len(pdu.PrevEvents))
	for _, id := range pdu.PrevEvents {
		prevSet[id] = true
	}
	newLatest := make([]string, 0, len(latestIDs)+1)
	for _, id := range latestIDs {
		if !prevSet[id] {
			newLatest = append(newLatest, id)
		}
	}
	newLatest = append(newLatest, pdu.EventID)

	if err = r.RoomInfos.SetLatestEvents(ctx, roomInfo.RoomNID, newLatest, stateAtEvent.BeforeStateSnapshotNID); err != nil {
		return fmt.Errorf("r.RoomInfos.SetLatestEvents: %w", err)
	}

	return r.Output.WriteOutputEvents(pdu.RoomID, []api.OutputEvent{{
		Type: api.OutputTypeNewRoomEvent,
		NewRoomEvent: &api.OutputNewRoomEvent{
			Event:         pdu,
			RewritesState: input.HasState,
			SendAsServer:  input.SendAsServer,
			TransactionID: input.TransactionID,
		},
	}})
}
