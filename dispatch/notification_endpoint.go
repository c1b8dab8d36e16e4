// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package dispatch

import (
	"fmt"
	"sort"
	"time"

	metrics "github.com/hashicorp/go-metrics/compat"

	"github.com/parcelworks/dispatch/dispatch/state"
	"github.com/parcelworks/dispatch/dispatch/structs"
)

// Notification endpoint serves a user's in-app inbox.
type Notification struct {
	srv *Server
}

// List returns the acting user's inbox, newest first. Unread always counts
// the whole inbox, even when UnreadOnly narrows the returned rows.
func (n *Notification) List(args *structs.NotificationListRequest, reply *structs.NotificationListResponse) error {
	defer metrics.MeasureSince([]string{"dispatch", "notification", "list"}, time.Now())

	actor, err := n.srv.resolveActor(args.OrganizationID, args.ActorID)
	if err != nil {
		return err
	}

	iter, err := n.srv.store.NotificationsByUser(nil, actor.ID)
	if err != nil {
		return err
	}
	out := make([]*structs.Notification, 0, 16)
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		notif := raw.(*structs.Notification)
		if args.UnreadOnly && notif.ReadAt != nil {
			continue
		}
		out = append(out, notif)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreateTime != out[j].CreateTime {
			return out[i].CreateTime > out[j].CreateTime
		}
		return out[i].ID > out[j].ID
	})

	unread, err := n.srv.store.UnreadNotificationCount(nil, actor.ID)
	if err != nil {
		return err
	}

	reply.Notifications = out
	reply.Unread = unread

	index, err := n.srv.store.Index(state.TableNotifications)
	if err != nil {
		return err
	}
	reply.Index = index
	return nil
}

// MarkRead stamps one of the acting user's inbox rows read. Re-reading an
// already read row is a quiet no-op.
func (n *Notification) MarkRead(args *structs.NotificationMarkReadRequest, reply *structs.GenericResponse) error {
	defer metrics.MeasureSince([]string{"dispatch", "notification", "mark_read"}, time.Now())

	if args.NotificationID == "" {
		return fmt.Errorf("missing notification ID")
	}
	actor, err := n.srv.resolveActor(args.OrganizationID, args.ActorID)
	if err != nil {
		return err
	}

	index := n.srv.store.NextIndex()
	err = n.srv.store.MarkNotificationRead(index, args.OrganizationID, args.NotificationID, actor.ID, n.srv.now())
	if err != nil {
		return err
	}
	reply.Index = index
	return nil
}
