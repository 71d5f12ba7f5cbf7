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

// Package query answers "is any registered application service interested
// in this room or user" for the federation sender engine's appservice
// destination (spec.md §4.10's Destination::Appservice case), replacing
// the teacher's RPC-shaped protocol/alias-exists query API with a direct,
// in-process namespace match against this module's own config types.
package query

import (
	"regexp"

	"github.com/matrix-org/dendrite-core/internal/eventutil"
)

// Namespace is a single regexp-matched interest declaration, as registered
// in an application service's registration YAML.
type Namespace struct {
	Exclusive bool
	Regex     *regexp.Regexp
}

// Application is the subset of an application service's registration the
// sender engine needs to decide whether, and where, to deliver an event.
type Application struct {
	ID              string
	URL             string
	HSToken         string
	SenderLocalpart string
	RoomNamespaces  []Namespace
	UserNamespaces  []Namespace
}

func (a Application) interestedInRoomID(roomID string) bool {
	for _, ns := range a.RoomNamespaces {
		if ns.Regex.MatchString(roomID) {
			return true
		}
	}
	return false
}

func (a Application) interestedInUserID(userID string) bool {
	for _, ns := range a.UserNamespaces {
		if ns.Regex.MatchString(userID) {
			return true
		}
	}
	return false
}

// Index is the sender engine's narrow view of the registered application
// services: given an outgoing event, which (if any) should receive it.
type Index struct {
	apps []Application
}

// NewIndex builds an Index from the operator's configured application
// services (setup/config.Dendrite.AppServices).
func NewIndex(apps []Application) *Index {
	return &Index{apps: apps}
}

// InterestedApplications returns every registered appservice whose room or
// user namespaces match pdu: the room ID itself, the sender, and — for
// membership events — the target user in state_key.
func (idx *Index) InterestedApplications(pdu *eventutil.PDU) []Application {
	var matched []Application
	for _, app := range idx.apps {
		if app.interestedInRoomID(pdu.RoomID) || app.interestedInUserID(pdu.Sender) {
			matched = append(matched, app)
			continue
		}
		if pdu.StateKey != nil && app.interestedInUserID(*pdu.StateKey) {
			matched = append(matched, app)
		}
	}
	return matched
}

// ByID returns the registered appservice with the given ID, if any —
// used by the sender engine to look up delivery details (URL, HS token)
// for a destination it has already matched by namespace.
func (idx *Index) ByID(id string) (Application, bool) {
	for _, app := range idx.apps {
		if app.ID == id {
			return app, true
		}
	}
	return Application{}, false
}

// RoomAliasExists reports whether any registered appservice claims
// ownership of alias by namespace, matching alias against each
// appservice's room namespaces.
func (idx *Index) RoomAliasExists(alias string) (Application, bool) {
	for _, app := range idx.apps {
		if app.interestedInRoomID(alias) {
			return app, true
		}
	}
	return Application{}, false
}

// UserIDExists reports whether any registered appservice claims ownership
// of userID by namespace.
func (idx *Index) UserIDExists(userID string) (Application, bool) {
	for _, app := range idx.apps {
		if app.interestedInUserID(userID) {
			return app, true
		}
	}
	return Application{}, false
}
