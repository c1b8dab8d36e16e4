// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package state

import (
	"fmt"
	"time"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/parcelworks/dispatch/dispatch/structs"
)

// UpsertUser is used to insert or update a user. The organization must
// already exist.
func (s *StateStore) UpsertUser(index uint64, user *structs.User) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	if err := s.upsertUserTxn(txn, index, user); err != nil {
		return err
	}
	return txn.Commit()
}

// UpsertUsers is used to insert or update a set of users in one
// transaction.
func (s *StateStore) UpsertUsers(index uint64, users []*structs.User) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	for _, user := range users {
		if err := s.upsertUserTxn(txn, index, user); err != nil {
			return err
		}
	}
	return txn.Commit()
}

func (s *StateStore) upsertUserTxn(txn *txn, index uint64, user *structs.User) error {
	orgRaw, err := txn.First(TableOrganizations, indexID, user.OrganizationID)
	if err != nil {
		return fmt.Errorf("organization lookup failed: %v", err)
	}
	if orgRaw == nil {
		return structs.NewErrUnknownOrganization(user.OrganizationID)
	}

	existingRaw, err := txn.First(TableUsers, indexID, user.ID)
	if err != nil {
		return fmt.Errorf("user lookup failed: %v", err)
	}

	if existingRaw != nil {
		existing := existingRaw.(*structs.User)
		if existing.OrganizationID != user.OrganizationID {
			return structs.ErrPermissionDenied
		}
		user.CreateIndex = existing.CreateIndex
		user.CreateTime = existing.CreateTime
		user.ModifyIndex = index
	} else {
		user.CreateIndex = index
		user.ModifyIndex = index
		if user.CreateTime == 0 {
			user.CreateTime = time.Now().UnixNano()
		}
	}

	if err := txn.Insert(TableUsers, user); err != nil {
		return fmt.Errorf("user insert failed: %v", err)
	}
	return bumpIndex(txn, TableUsers, index)
}

// UserByID returns the user with the given ID, or nil when it does not
// exist.
func (s *StateStore) UserByID(ws memdb.WatchSet, userID string) (*structs.User, error) {
	txn := s.db.ReadTxn()
	defer txn.Abort()

	return userByIDTxn(txn, ws, userID)
}

func userByIDTxn(txn ReadTxn, ws memdb.WatchSet, userID string) (*structs.User, error) {
	watchCh, existing, err := txn.FirstWatch(TableUsers, indexID, userID)
	if err != nil {
		return nil, fmt.Errorf("user lookup failed: %v", err)
	}
	ws.Add(watchCh)

	if existing != nil {
		return existing.(*structs.User), nil
	}
	return nil, nil
}

// UsersByOrganization returns an iterator over a tenant's users.
func (s *StateStore) UsersByOrganization(ws memdb.WatchSet, orgID string) (memdb.ResultIterator, error) {
	txn := s.db.ReadTxn()

	iter, err := txn.Get(TableUsers, indexOrg, orgID)
	if err != nil {
		return nil, fmt.Errorf("user lookup failed: %v", err)
	}
	ws.Add(iter.WatchCh())

	return iter, nil
}

// ClearUserPushToken clears the push token on the user record, but only
// when it still matches the token the transport rejected. A token the user
// re-registered in the meantime stays.
func (s *StateStore) ClearUserPushToken(index uint64, userID, staleToken string) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	existingRaw, err := txn.First(TableUsers, indexID, userID)
	if err != nil {
		return fmt.Errorf("user lookup failed: %v", err)
	}
	if existingRaw == nil {
		return structs.NewErrUnknownDriver(userID)
	}

	existing := existingRaw.(*structs.User)
	if existing.PushToken != staleToken {
		return nil
	}

	user := existing.Copy()
	user.PushToken = ""
	user.ModifyIndex = index

	if err := txn.Insert(TableUsers, user); err != nil {
		return fmt.Errorf("user insert failed: %v", err)
	}
	if err := bumpIndex(txn, TableUsers, index); err != nil {
		return err
	}
	return txn.Commit()
}

// UpdateUserFlag writes a driver's flag state and weekly cap, with a
// before/after audit row. The flagging engine decides the values; the store
// records the transition.
func (s *StateStore) UpdateUserFlag(index uint64, orgID string, update *structs.UserFlagUpdate) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	existingRaw, err := txn.First(TableUsers, indexID, update.UserID)
	if err != nil {
		return fmt.Errorf("user lookup failed: %v", err)
	}
	if existingRaw == nil {
		return structs.NewErrUnknownDriver(update.UserID)
	}

	existing := existingRaw.(*structs.User)
	if existing.OrganizationID != orgID {
		return structs.ErrPermissionDenied
	}

	user := existing.Copy()
	user.Flagged = update.Flagged
	user.FlagWarningAt = update.WarningAt
	user.WeeklyCap = update.WeeklyCap
	user.ModifyIndex = index

	if err := txn.Insert(TableUsers, user); err != nil {
		return fmt.Errorf("user insert failed: %v", err)
	}
	if err := bumpIndex(txn, TableUsers, index); err != nil {
		return err
	}

	action := structs.AuditActionUnflag
	if update.Flagged {
		action = structs.AuditActionFlag
	}

	err = appendAuditTxn(txn, index, &structs.AuditLog{
		OrganizationID: orgID,
		EntityType:     structs.AuditEntityDriver,
		EntityID:       user.ID,
		Action:         action,
		UserID:         user.ID,
		ActorType:      update.ActorType,
		ActorID:        update.ActorID,
		Detail: map[string]string{
			structs.AuditDetailBefore: fmt.Sprintf("flagged=%t cap=%d", existing.Flagged, existing.WeeklyCap),
			structs.AuditDetailAfter:  fmt.Sprintf("flagged=%t cap=%d", user.Flagged, user.WeeklyCap),
		},
	})
	if err != nil {
		return err
	}

	return txn.Commit()
}

// UpsertDriverPreferences stores a driver's standing weekly declaration,
// replacing any previous row.
func (s *StateStore) UpsertDriverPreferences(index uint64, prefs *structs.DriverPreferences) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	userRaw, err := txn.First(TableUsers, indexID, prefs.UserID)
	if err != nil {
		return fmt.Errorf("user lookup failed: %v", err)
	}
	if userRaw == nil {
		return structs.NewErrUnknownDriver(prefs.UserID)
	}
	user := userRaw.(*structs.User)
	if prefs.OrganizationID == "" {
		prefs.OrganizationID = user.OrganizationID
	} else if prefs.OrganizationID != user.OrganizationID {
		return structs.ErrPermissionDenied
	}

	for _, routeID := range prefs.PreferredRoutes {
		routeRaw, err := txn.First(TableRoutes, indexID, routeID)
		if err != nil {
			return fmt.Errorf("route lookup failed: %v", err)
		}
		if routeRaw == nil || routeRaw.(*structs.Route).OrganizationID != user.OrganizationID {
			return structs.NewErrUnknownRoute(routeID)
		}
	}

	existingRaw, err := txn.First(TableDriverPreferences, indexID, prefs.UserID)
	if err != nil {
		return fmt.Errorf("driver preferences lookup failed: %v", err)
	}
	if existingRaw != nil {
		prefs.CreateIndex = existingRaw.(*structs.DriverPreferences).CreateIndex
		prefs.ModifyIndex = index
	} else {
		prefs.CreateIndex = index
		prefs.ModifyIndex = index
	}

	if err := txn.Insert(TableDriverPreferences, prefs); err != nil {
		return fmt.Errorf("driver preferences insert failed: %v", err)
	}
	if err := bumpIndex(txn, TableDriverPreferences, index); err != nil {
		return err
	}
	return txn.Commit()
}

// DriverPreferencesByUser returns a driver's declaration, or nil when they
// never declared one.
func (s *StateStore) DriverPreferencesByUser(ws memdb.WatchSet, userID string) (*structs.DriverPreferences, error) {
	txn := s.db.ReadTxn()
	defer txn.Abort()

	watchCh, existing, err := txn.FirstWatch(TableDriverPreferences, indexID, userID)
	if err != nil {
		return nil, fmt.Errorf("driver preferences lookup failed: %v", err)
	}
	ws.Add(watchCh)

	if existing != nil {
		return existing.(*structs.DriverPreferences), nil
	}
	return nil, nil
}

// DriverMetricsByUser returns a driver's reliability rollup, or nil when no
// activity has been recorded yet.
func (s *StateStore) DriverMetricsByUser(ws memdb.WatchSet, userID string) (*structs.DriverMetrics, error) {
	txn := s.db.ReadTxn()
	defer txn.Abort()

	watchCh, existing, err := txn.FirstWatch(TableDriverMetrics, indexID, userID)
	if err != nil {
		return nil, fmt.Errorf("driver metrics lookup failed: %v", err)
	}
	ws.Add(watchCh)

	if existing != nil {
		return existing.(*structs.DriverMetrics), nil
	}
	return nil, nil
}

// UpsertDriverMetrics replaces a driver's rollup wholesale. Lifecycle writes
// recompute instead; this is for seeding state.
func (s *StateStore) UpsertDriverMetrics(index uint64, m *structs.DriverMetrics) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	if err := upsertDriverMetricsTxn(txn, index, m); err != nil {
		return err
	}
	return txn.Commit()
}

func upsertDriverMetricsTxn(txn *txn, index uint64, m *structs.DriverMetrics) error {
	existingRaw, err := txn.First(TableDriverMetrics, indexID, m.UserID)
	if err != nil {
		return fmt.Errorf("driver metrics lookup failed: %v", err)
	}
	if existingRaw != nil {
		m.CreateIndex = existingRaw.(*structs.DriverMetrics).CreateIndex
		m.ModifyIndex = index
	} else {
		m.CreateIndex = index
		m.ModifyIndex = index
	}

	if err := txn.Insert(TableDriverMetrics, m); err != nil {
		return fmt.Errorf("driver metrics insert failed: %v", err)
	}
	return bumpIndex(txn, TableDriverMetrics, index)
}

// RecomputeDriverMetrics rebuilds a driver's rollup from the assignment
// ledger and audit history in its own transaction.
func (s *StateStore) RecomputeDriverMetrics(index uint64, userID string) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	if err := recomputeDriverMetricsTxn(txn, index, userID); err != nil {
		return err
	}
	return txn.Commit()
}

// recomputeDriverMetricsTxn rebuilds the rollup from authoritative records
// inside the caller's transaction. Completions come from the assignment
// ledger and shift parcel counts; confirmations, bid wins and penalties come
// from the audit history, which survives slot recycling.
func recomputeDriverMetricsTxn(txn *txn, index uint64, userID string) error {
	userRaw, err := txn.First(TableUsers, indexID, userID)
	if err != nil {
		return fmt.Errorf("user lookup failed: %v", err)
	}
	if userRaw == nil {
		return structs.NewErrUnknownDriver(userID)
	}
	user := userRaw.(*structs.User)

	iter, err := txn.Get(TableAssignments, indexUser, userID)
	if err != nil {
		return fmt.Errorf("assignment lookup failed: %v", err)
	}

	var completed, sumStart, sumAdjusted, sumDelivered int
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		a := raw.(*structs.Assignment)
		if a.Status != structs.AssignmentStatusCompleted {
			continue
		}
		completed++

		shiftRaw, err := txn.First(TableShifts, indexID, a.ID)
		if err != nil {
			return fmt.Errorf("shift lookup failed: %v", err)
		}
		if shiftRaw == nil {
			continue
		}
		shift := shiftRaw.(*structs.Shift)
		sumStart += shift.ParcelsStart
		sumAdjusted += shift.ParcelsStart - shift.ParcelsReturned + shift.ExceptedReturns
		sumDelivered += shift.ParcelsDelivered
	}

	counts, err := userEventCountsTxn(txn, userID, time.Time{}, time.Time{}, 0)
	if err != nil {
		return err
	}

	m := &structs.DriverMetrics{
		UserID:          userID,
		OrganizationID:  user.OrganizationID,
		TotalShifts:     completed + counts.NoShows + counts.LateCancel + counts.AutoDrops,
		CompletedShifts: completed,
		ConfirmedShifts: counts.Confirms,
		NoShows:         counts.NoShows,
		BidPickups:      counts.BidWins,
		UrgentPickups:   counts.UrgentWins,
	}

	m.AttendanceRate = 1
	if m.TotalShifts > 0 {
		m.AttendanceRate = float64(completed) / float64(m.TotalShifts)
	}
	m.CompletionRate = 1
	if sumStart > 0 {
		m.CompletionRate = float64(sumAdjusted) / float64(sumStart)
		if m.CompletionRate > 1 {
			m.CompletionRate = 1
		}
	}
	if completed > 0 {
		m.AvgParcelsDelivered = float64(sumDelivered) / float64(completed)
	}

	return upsertDriverMetricsTxn(txn, index, m)
}

// UpsertRouteCompletion writes a familiarity counter outright. Normal
// operation only increments counters through shift completion; this path
// exists for importing historical counts when an organization onboards.
func (s *StateStore) UpsertRouteCompletion(index uint64, rc *structs.RouteCompletion) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	existingRaw, err := txn.First(TableRouteCompletions, indexID, rc.UserID, rc.RouteID)
	if err != nil {
		return fmt.Errorf("route completion lookup failed: %v", err)
	}
	if existingRaw != nil {
		rc.CreateIndex = existingRaw.(*structs.RouteCompletion).CreateIndex
	} else {
		rc.CreateIndex = index
	}
	rc.ModifyIndex = index

	if err := txn.Insert(TableRouteCompletions, rc); err != nil {
		return fmt.Errorf("route completion insert failed: %v", err)
	}
	if err := bumpIndex(txn, TableRouteCompletions, index); err != nil {
		return err
	}
	return txn.Commit()
}

// RouteCompletionByUserRoute returns the familiarity counter for one
// (driver, route) pair, or nil when the driver never completed the route.
func (s *StateStore) RouteCompletionByUserRoute(ws memdb.WatchSet, userID, routeID string) (*structs.RouteCompletion, error) {
	txn := s.db.ReadTxn()
	defer txn.Abort()

	watchCh, existing, err := txn.FirstWatch(TableRouteCompletions, indexID, userID, routeID)
	if err != nil {
		return nil, fmt.Errorf("route completion lookup failed: %v", err)
	}
	ws.Add(watchCh)

	if existing != nil {
		return existing.(*structs.RouteCompletion), nil
	}
	return nil, nil
}

// RouteCompletionsByUser returns all familiarity counters for a driver.
func (s *StateStore) RouteCompletionsByUser(ws memdb.WatchSet, userID string) (memdb.ResultIterator, error) {
	txn := s.db.ReadTxn()

	iter, err := txn.Get(TableRouteCompletions, indexUser, userID)
	if err != nil {
		return nil, fmt.Errorf("route completion lookup failed: %v", err)
	}
	ws.Add(iter.WatchCh())

	return iter, nil
}

// incrementRouteCompletionTxn bumps the familiarity counter for a completed
// route. The counter never decreases.
func incrementRouteCompletionTxn(txn *txn, index uint64, orgID, userID, routeID string, at time.Time) error {
	existingRaw, err := txn.First(TableRouteCompletions, indexID, userID, routeID)
	if err != nil {
		return fmt.Errorf("route completion lookup failed: %v", err)
	}

	var rc *structs.RouteCompletion
	if existingRaw != nil {
		rc = existingRaw.(*structs.RouteCompletion).Copy()
		rc.CompletionCount++
		rc.LastCompletedAt = at
		rc.ModifyIndex = index
	} else {
		rc = &structs.RouteCompletion{
			UserID:          userID,
			RouteID:         routeID,
			OrganizationID:  orgID,
			CompletionCount: 1,
			LastCompletedAt: at,
			CreateIndex:     index,
			ModifyIndex:     index,
		}
	}

	if err := txn.Insert(TableRouteCompletions, rc); err != nil {
		return fmt.Errorf("route completion insert failed: %v", err)
	}
	return bumpIndex(txn, TableRouteCompletions, index)
}
