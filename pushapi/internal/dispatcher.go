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

package internal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/matrix-org/dendrite-core/internal/eventutil"
	"github.com/matrix-org/dendrite-core/internal/shortid"
	"github.com/matrix-org/dendrite-core/internal/stateaccessor"
	"github.com/matrix-org/dendrite-core/internal/statecompressor"
	"github.com/matrix-org/dendrite-core/internal/timeline"
	"github.com/matrix-org/dendrite-core/roomserver/api"
)

// RoomInfos is the narrow roomserver surface the dispatcher needs to find
// a room's current member state.
type RoomInfos interface {
	RoomInfo(ctx context.Context, roomID string) (*api.RoomInfo, error)
	LatestEventsAndState(ctx context.Context, room shortid.RoomNID) (latestEventIDs []string, state statecompressor.ShortStateHash, err error)
}

// Denylisted checks a gateway URL against the operator's CIDR denylist;
// satisfied by *federationapi/internal/resolver.Resolver.
type Denylisted interface {
	CheckDenylist(rawURL string) error
}

// PushSender dispatches a payload to a gateway; satisfied by
// *federationapi/internal/sender.Sender.
type PushSender interface {
	EnqueuePush(gatewayURL string, payload []byte) error
}

// Dispatcher is the push dispatcher (spec.md §4.11): for each new local
// room event it evaluates every joined user's push ruleset and, on a
// notify decision, bumps notification counters and POSTs to that user's
// registered gateways via the sender engine.
type Dispatcher struct {
	Timeline  *timeline.Store
	Resolver  Denylisted
	Sender    PushSender
	Registry  *Registry
	RoomInfos RoomInfos
	Accessor  *stateaccessor.Accessor
}

// New constructs a Dispatcher.
func New(tl *timeline.Store, res Denylisted, sender PushSender, registry *Registry, infos RoomInfos, accessor *stateaccessor.Accessor) *Dispatcher {
	return &Dispatcher{Timeline: tl, Resolver: res, Sender: sender, Registry: registry, RoomInfos: infos, Accessor: accessor}
}

// WriteOutputEvents implements roomserver/api.OutputEventConsumer.
func (d *Dispatcher) WriteOutputEvents(roomID string, updates []api.OutputEvent) error {
	ctx := context.Background()
	for _, u := range updates {
		if u.Type != api.OutputTypeNewRoomEvent || u.NewRoomEvent == nil {
			continue
		}
		if err := d.dispatch(ctx, roomID, u.NewRoomEvent.Event); err != nil {
			logrus.WithError(err).WithField("room_id", roomID).Warn("pushapi: dispatch failed, dropping notification")
		}
	}
	return nil
}

func (d *Dispatcher) dispatch(ctx context.Context, roomID string, pdu *eventutil.PDU) error {
	info, err := d.RoomInfos.RoomInfo(ctx, roomID)
	if err != nil {
		return fmt.Errorf("pushapi.dispatch: %w", err)
	}
	if info == nil {
		return nil
	}
	_, stateHash, err := d.RoomInfos.LatestEventsAndState(ctx, info.RoomNID)
	if err != nil {
		return fmt.Errorf("pushapi.dispatch: %w", err)
	}
	members, err := d.Accessor.FullState(ctx, roomID, stateHash)
	if err != nil {
		return fmt.Errorf("pushapi.dispatch: %w", err)
	}

	var joined []string
	for tuple, m := range members {
		if tuple.EventType == "m.room.member" && m.Content.Get("membership").String() == "join" {
			joined = append(joined, tuple.StateKey)
		}
	}
	powerLevels, err := d.Accessor.GetPowerLevels(ctx, roomID, stateHash)
	if err != nil {
		return fmt.Errorf("pushapi.dispatch: %w", err)
	}

	evalPDU := EvalPDU{Type: pdu.Type, Sender: pdu.Sender, Body: pdu.Content.Get("body").String()}

	var notify []string
	highlight := map[string]bool{}
	for _, userID := range joined {
		if userID == pdu.Sender {
			continue
		}
		rs := d.Registry.Ruleset(ctx, userID)
		roomCtx := RoomCtx{
			MemberCount:    len(joined),
			DisplayName:    localpart(userID),
			UserPowerLevel: int(powerLevelFor(powerLevels, userID)),
		}
		actions, matched := Evaluate(rs, evalPDU, roomCtx)
		if !matched || !ActionsNotify(actions) {
			continue
		}
		notify = append(notify, userID)
		if ActionsHighlight(actions) {
			highlight[userID] = true
		}
	}
	if len(notify) == 0 {
		return nil
	}
	if err := d.Timeline.IncrementNotificationCounts(ctx, info.RoomNID, notify, highlight); err != nil {
		return fmt.Errorf("pushapi.dispatch: %w", err)
	}
	for _, userID := range notify {
		d.notifyUser(ctx, userID, roomID, pdu, highlight[userID])
	}
	return nil
}

func (d *Dispatcher) notifyUser(ctx context.Context, userID, roomID string, pdu *eventutil.PDU, highlight bool) {
	pushers, err := d.Registry.PushersForUser(ctx, userID)
	if err != nil {
		logrus.WithError(err).WithField("user_id", userID).Warn("pushapi: could not load pushers")
		return
	}
	for _, p := range pushers {
		if err := d.Resolver.CheckDenylist(p.GatewayURL); err != nil {
			logrus.WithError(err).WithField("gateway_url", p.GatewayURL).Warn("pushapi: gateway URL denylisted, dropping")
			continue
		}
		payload, err := json.Marshal(notification{
			Notification: notificationBody{
				EventID:   pdu.EventID,
				RoomID:    roomID,
				Sender:    pdu.Sender,
				Type:      pdu.Type,
				Highlight: highlight,
				Devices:   []pushDevice{{PushKey: p.PushKey, Kind: p.Kind}},
			},
		})
		if err != nil {
			continue
		}
		if err := d.Sender.EnqueuePush(p.GatewayURL, payload); err != nil {
			logrus.WithError(err).WithField("gateway_url", p.GatewayURL).Warn("pushapi: enqueue failed")
		}
	}
}

type notification struct {
	Notification notificationBody `json:"notification"`
}

type notificationBody struct {
	EventID   string       `json:"event_id"`
	RoomID    string       `json:"room_id"`
	Sender    string       `json:"sender"`
	Type      string       `json:"type"`
	Highlight bool         `json:"-"`
	Devices   []pushDevice `json:"devices"`
}

type pushDevice struct {
	PushKey string `json:"pushkey"`
	Kind    string `json:"kind"`
}

func powerLevelFor(pl *stateaccessor.PowerLevelsContent, userID string) int64 {
	if lvl, ok := pl.Users[userID]; ok {
		return lvl
	}
	return pl.UsersDefault
}

func localpart(userID string) string {
	for i, r := range userID {
		if r == ':' {
			return userID[:i]
		}
	}
	return userID
}
