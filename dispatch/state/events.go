// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package state

import (
	memdb "github.com/hashicorp/go-memdb"

	"github.com/parcelworks/dispatch/dispatch/structs"
)

// eventsFromChanges turns a committed change set into the events published
// to stream subscribers. Only tables with an external audience emit events;
// bookkeeping tables stay internal.
func eventsFromChanges(tx ReadTxn, changes Changes) *structs.Events {
	var events []structs.Event
	for _, change := range changes.Changes {
		if event, ok := eventFromChange(change); ok {
			event.Index = changes.Index
			events = append(events, event)
		}
	}
	if len(events) == 0 {
		return nil
	}

	return &structs.Events{Index: changes.Index, Events: events}
}

func eventFromChange(change memdb.Change) (structs.Event, bool) {
	if change.Deleted() {
		// Deletes come from the prune jobs; subscribers only hear about
		// live rows.
		return structs.Event{}, false
	}

	switch change.Table {
	case TableAssignments:
		after, ok := change.After.(*structs.Assignment)
		if !ok {
			return structs.Event{}, false
		}
		return structs.Event{
			Topic:          structs.TopicAssignment,
			Type:           structs.TypeAssignmentUpdated,
			Key:            after.ID,
			OrganizationID: after.OrganizationID,
			Payload: &structs.AssignmentEvent{
				Assignment: after.Copy(),
			},
		}, true

	case TableBidWindows:
		after, ok := change.After.(*structs.BidWindow)
		if !ok {
			return structs.Event{}, false
		}
		eventType := structs.TypeBidWindowOpened
		if after.Status != structs.BidWindowStatusOpen {
			eventType = structs.TypeBidWindowClosed
		}
		return structs.Event{
			Topic:          structs.TopicBidWindow,
			Type:           eventType,
			Key:            after.ID,
			OrganizationID: after.OrganizationID,
			Payload: &structs.BidWindowEvent{
				BidWindow: after.Copy(),
			},
		}, true

	case TableUsers:
		after, ok := change.After.(*structs.User)
		if !ok {
			return structs.Event{}, false
		}
		// Users change often; only the transition onto the flag list is a
		// stream event.
		if !after.Flagged {
			return structs.Event{}, false
		}
		if before, ok := change.Before.(*structs.User); ok && before.Flagged {
			return structs.Event{}, false
		}
		return structs.Event{
			Topic:          structs.TopicDriver,
			Type:           structs.TypeDriverFlagged,
			Key:            after.ID,
			OrganizationID: after.OrganizationID,
			Payload: &structs.UserEvent{
				User: after.Copy(),
			},
		}, true
	}

	return structs.Event{}, false
}
