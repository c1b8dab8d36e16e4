// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package state

import (
	"fmt"
	"time"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/parcelworks/dispatch/dispatch/structs"
	"github.com/parcelworks/dispatch/helper/uuid"
)

// UpsertNotification persists one in-app notification row. A row carrying a
// dedupe key is written at most once per (user, key): a repeat send reports
// created=false and leaves the original untouched, which is how the
// reminder sweeps stay idempotent across re-runs.
func (s *StateStore) UpsertNotification(index uint64, n *structs.Notification) (bool, error) {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	if n.DedupeKey != "" {
		existing, err := txn.First(TableNotifications, indexUserDedupe, n.UserID, n.DedupeKey)
		if err != nil {
			return false, fmt.Errorf("notification lookup failed: %v", err)
		}
		if existing != nil {
			return false, nil
		}
	}

	if n.ID == "" {
		n.ID = uuid.Generate()
	}
	if err := n.Validate(); err != nil {
		return false, fmt.Errorf("invalid notification: %v", err)
	}
	n.CreateIndex = index
	n.ModifyIndex = index
	if n.CreateTime == 0 {
		n.CreateTime = time.Now().UnixNano()
	}

	if err := txn.Insert(TableNotifications, n); err != nil {
		return false, fmt.Errorf("notification insert failed: %v", err)
	}
	if err := bumpIndex(txn, TableNotifications, index); err != nil {
		return false, err
	}
	return true, txn.Commit()
}

// NotificationByID returns the notification with the given ID, or nil.
func (s *StateStore) NotificationByID(ws memdb.WatchSet, notificationID string) (*structs.Notification, error) {
	txn := s.db.ReadTxn()
	defer txn.Abort()

	watchCh, existing, err := txn.FirstWatch(TableNotifications, indexID, notificationID)
	if err != nil {
		return nil, fmt.Errorf("notification lookup failed: %v", err)
	}
	ws.Add(watchCh)

	if existing != nil {
		return existing.(*structs.Notification), nil
	}
	return nil, nil
}

// NotificationsByUser returns an iterator over a user's inbox.
func (s *StateStore) NotificationsByUser(ws memdb.WatchSet, userID string) (memdb.ResultIterator, error) {
	txn := s.db.ReadTxn()

	iter, err := txn.Get(TableNotifications, indexUser, userID)
	if err != nil {
		return nil, fmt.Errorf("notification lookup failed: %v", err)
	}
	ws.Add(iter.WatchCh())

	return iter, nil
}

// NotificationsByOrganization returns an iterator over a tenant's
// notifications.
func (s *StateStore) NotificationsByOrganization(ws memdb.WatchSet, orgID string) (memdb.ResultIterator, error) {
	txn := s.db.ReadTxn()

	iter, err := txn.Get(TableNotifications, indexOrg, orgID)
	if err != nil {
		return nil, fmt.Errorf("notification lookup failed: %v", err)
	}
	ws.Add(iter.WatchCh())

	return iter, nil
}

// MarkNotificationRead stamps the read time once. Reading an already-read
// notification is a no-op, not an error.
func (s *StateStore) MarkNotificationRead(index uint64, orgID, notificationID, userID string, now time.Time) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	raw, err := txn.First(TableNotifications, indexID, notificationID)
	if err != nil {
		return fmt.Errorf("notification lookup failed: %v", err)
	}
	if raw == nil {
		return structs.NewErrUnknownNotification(notificationID)
	}

	existing := raw.(*structs.Notification)
	if orgID != "" && existing.OrganizationID != orgID {
		return structs.ErrPermissionDenied
	}
	if userID != "" && existing.UserID != userID {
		return structs.ErrPermissionDenied
	}
	if existing.ReadAt != nil {
		return nil
	}

	n := existing.Copy()
	n.ReadAt = &now
	n.ModifyIndex = index

	if err := txn.Insert(TableNotifications, n); err != nil {
		return fmt.Errorf("notification insert failed: %v", err)
	}
	if err := bumpIndex(txn, TableNotifications, index); err != nil {
		return err
	}
	return txn.Commit()
}

// UnreadNotificationCount counts a user's unread inbox rows.
func (s *StateStore) UnreadNotificationCount(ws memdb.WatchSet, userID string) (int, error) {
	txn := s.db.ReadTxn()
	defer txn.Abort()

	iter, err := txn.Get(TableNotifications, indexUser, userID)
	if err != nil {
		return 0, fmt.Errorf("notification lookup failed: %v", err)
	}
	ws.Add(iter.WatchCh())

	count := 0
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		if raw.(*structs.Notification).ReadAt == nil {
			count++
		}
	}
	return count, nil
}

// PruneNotifications deletes a tenant's notification rows created before
// the cutoff, read or not. Returns the number of rows removed.
func (s *StateStore) PruneNotifications(index uint64, orgID string, olderThan time.Time) (int, error) {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	iter, err := txn.Get(TableNotifications, indexOrg, orgID)
	if err != nil {
		return 0, fmt.Errorf("notification lookup failed: %v", err)
	}

	cutoff := olderThan.UnixNano()
	var old []*structs.Notification
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		n := raw.(*structs.Notification)
		if n.CreateTime < cutoff {
			old = append(old, n)
		}
	}
	if len(old) == 0 {
		return 0, nil
	}

	for _, n := range old {
		if err := txn.Delete(TableNotifications, n); err != nil {
			return 0, fmt.Errorf("notification delete failed: %v", err)
		}
	}
	if err := bumpIndex(txn, TableNotifications, index); err != nil {
		return 0, err
	}
	return len(old), txn.Commit()
}

// NotificationByDedupe returns the notification a user received under the
// dedupe key, or nil. At most one row per (user, key) exists; the write path
// enforces that.
func (s *StateStore) NotificationByDedupe(ws memdb.WatchSet, userID, dedupeKey string) (*structs.Notification, error) {
	txn := s.db.ReadTxn()
	defer txn.Abort()

	watchCh, existing, err := txn.FirstWatch(TableNotifications, indexUserDedupe, userID, dedupeKey)
	if err != nil {
		return nil, fmt.Errorf("notification lookup failed: %v", err)
	}
	ws.Add(watchCh)

	if existing != nil {
		return existing.(*structs.Notification), nil
	}
	return nil, nil
}
