// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package structs

// Topic is an event stream subject.
type Topic string

const (
	TopicAssignment Topic = "Assignment"
	TopicBidWindow  Topic = "BidWindow"
	TopicDriver     Topic = "Driver"
	TopicAll        Topic = "*"
)

// Event types published on the stream.
const (
	TypeAssignmentUpdated = "AssignmentUpdated"
	TypeBidWindowOpened   = "BidWindowOpened"
	TypeBidWindowClosed   = "BidWindowClosed"
	TypeDriverFlagged     = "DriverFlagged"
)

// Event is one state change published to stream subscribers. Key is the
// subject entity's ID; OrganizationID scopes delivery so a subscriber only
// ever sees its own tenant.
type Event struct {
	Topic          Topic
	Type           string
	Key            string
	OrganizationID string
	Index          uint64
	Payload        interface{}
}

// AssignmentEvent is the payload of an assignment change event.
type AssignmentEvent struct {
	Assignment *Assignment
}

// BidWindowEvent is the payload of a bid window change event.
type BidWindowEvent struct {
	BidWindow *BidWindow
}

// UserEvent is the payload of a driver change event.
type UserEvent struct {
	User *User
}

// Events groups the events emitted by a single state store transaction
// under the index that transaction committed at.
type Events struct {
	Index  uint64
	Events []Event
}

// EventJson is a wrapper for one encoded JSON frame on the event stream.
type EventJson struct {
	Data []byte
}

func (j *EventJson) Copy() *EventJson {
	n := new(EventJson)
	*n = *j
	n.Data = make([]byte, len(j.Data))
	copy(n.Data, j.Data)
	return n
}
