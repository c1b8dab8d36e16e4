// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package state

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/parcelworks/dispatch/dispatch/structs"
)

// UpsertDriverHealthState inserts or updates a driver's live health record.
// Lifecycle writes go through the hard-stop and evaluation paths instead;
// this is for seeding state.
func (s *StateStore) UpsertDriverHealthState(index uint64, h *structs.DriverHealthState) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	if err := h.Validate(); err != nil {
		return fmt.Errorf("invalid health state: %v", err)
	}

	existing, err := healthStateByUserTxn(txn, h.UserID)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.OrganizationID != h.OrganizationID {
			return structs.ErrPermissionDenied
		}
		h.CreateIndex = existing.CreateIndex
	} else {
		h.CreateIndex = index
	}
	h.ModifyIndex = index

	if err := txn.Insert(TableHealthStates, h); err != nil {
		return fmt.Errorf("health state insert failed: %v", err)
	}
	if err := bumpIndex(txn, TableHealthStates, index); err != nil {
		return err
	}
	return txn.Commit()
}

// HealthStateByUser returns the driver's live health record, or nil when
// the driver has never been evaluated or hard-stopped.
func (s *StateStore) HealthStateByUser(ws memdb.WatchSet, userID string) (*structs.DriverHealthState, error) {
	txn := s.db.ReadTxn()
	defer txn.Abort()

	watchCh, existing, err := txn.FirstWatch(TableHealthStates, indexID, userID)
	if err != nil {
		return nil, fmt.Errorf("health state lookup failed: %v", err)
	}
	ws.Add(watchCh)

	if existing != nil {
		return existing.(*structs.DriverHealthState), nil
	}
	return nil, nil
}

func healthStateByUserTxn(txn ReadTxn, userID string) (*structs.DriverHealthState, error) {
	raw, err := txn.First(TableHealthStates, indexID, userID)
	if err != nil {
		return nil, fmt.Errorf("health state lookup failed: %v", err)
	}
	if raw != nil {
		return raw.(*structs.DriverHealthState), nil
	}
	return nil, nil
}

// HealthStatesByOrganization returns an iterator over a tenant's health
// records.
func (s *StateStore) HealthStatesByOrganization(ws memdb.WatchSet, orgID string) (memdb.ResultIterator, error) {
	txn := s.db.ReadTxn()

	iter, err := txn.Get(TableHealthStates, indexOrg, orgID)
	if err != nil {
		return nil, fmt.Errorf("health state lookup failed: %v", err)
	}
	ws.Add(iter.WatchCh())

	return iter, nil
}

// applyHardStopTxn resets a driver's health record the way a no-show does:
// out of the pool, streak dead, contribution window restarted. A driver
// with no record yet gets one created already stopped.
func applyHardStopTxn(txn *txn, index uint64, orgID, userID, reason string, now time.Time) error {
	existing, err := healthStateByUserTxn(txn, userID)
	if err != nil {
		return err
	}

	var h *structs.DriverHealthState
	if existing != nil {
		h = existing.Copy()
	} else {
		h = structs.NewDriverHealthState(userID, orgID, now)
		h.CreateIndex = index
	}
	hadStreak := h.Stars > 0 || h.StreakWeeks > 0
	h.ApplyHardStop(now)
	h.ModifyIndex = index

	if err := txn.Insert(TableHealthStates, h); err != nil {
		return fmt.Errorf("health state insert failed: %v", err)
	}
	if err := bumpIndex(txn, TableHealthStates, index); err != nil {
		return err
	}

	if hadStreak {
		err = appendAuditTxn(txn, index, &structs.AuditLog{
			OrganizationID: h.OrganizationID,
			EntityType:     structs.AuditEntityDriver,
			EntityID:       userID,
			Action:         structs.AuditActionStreakReset,
			UserID:         userID,
			ActorType:      structs.ActorTypeSystem,
			ActorID:        structs.ActorSystem,
			Detail: map[string]string{
				structs.AuditDetailReason: reason,
			},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// ReinstateDriver is the manager action that clears the intervention gate
// and returns a hard-stopped driver to the pool.
func (s *StateStore) ReinstateDriver(index uint64, orgID, userID, actorID string, now time.Time) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	existing, err := healthStateByUserTxn(txn, userID)
	if err != nil {
		return err
	}
	if existing == nil {
		return structs.NewErrUnknownDriver(userID)
	}
	if orgID != "" && existing.OrganizationID != orgID {
		return structs.ErrPermissionDenied
	}
	if !existing.RequiresManagerIntervention {
		return structs.ErrStateChanged
	}

	h := existing.Copy()
	h.Reinstate(now)
	h.ModifyIndex = index

	if err := txn.Insert(TableHealthStates, h); err != nil {
		return fmt.Errorf("health state insert failed: %v", err)
	}
	if err := bumpIndex(txn, TableHealthStates, index); err != nil {
		return err
	}

	err = appendAuditTxn(txn, index, &structs.AuditLog{
		OrganizationID: h.OrganizationID,
		EntityType:     structs.AuditEntityDriver,
		EntityID:       userID,
		Action:         structs.AuditActionReinstate,
		UserID:         userID,
		ActorType:      structs.ActorTypeUser,
		ActorID:        actorID,
	})
	if err != nil {
		return err
	}
	return txn.Commit()
}

// PersistDailyHealthEvaluation writes one driver's daily evaluation: the
// recomputed score on the live record plus the day's snapshot. The write is
// guarded by the reset anchor the evaluation read; if a hard-stop moved it
// in the meantime the persist reports ErrStateChanged and the runner
// recomputes once against the fresh anchor.
func (s *StateStore) PersistDailyHealthEvaluation(index uint64, eval *structs.DailyHealthEvaluation, now time.Time) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	existing, err := healthStateByUserTxn(txn, eval.UserID)
	if err != nil {
		return err
	}

	var h *structs.DriverHealthState
	if existing != nil {
		if existing.OrganizationID != eval.OrganizationID {
			return structs.ErrPermissionDenied
		}
		if !existing.LastScoreResetAt.Equal(eval.ExpectedResetAt) {
			return structs.ErrStateChanged
		}
		h = existing.Copy()
	} else {
		if !eval.ExpectedResetAt.IsZero() {
			return structs.ErrStateChanged
		}
		h = structs.NewDriverHealthState(eval.UserID, eval.OrganizationID, time.Time{})
		h.CreateIndex = index
	}

	h.Score = eval.Score
	h.LastEvaluatedDate = eval.Date
	if eval.ApplyHardStop {
		hadStreak := h.Stars > 0 || h.StreakWeeks > 0
		h.ApplyHardStop(now)
		// The daily path keeps the capped score visible instead of zeroing
		// it; only the no-show path zeroes outright.
		h.Score = eval.Score
		if hadStreak {
			err = appendAuditTxn(txn, index, &structs.AuditLog{
				OrganizationID: h.OrganizationID,
				EntityType:     structs.AuditEntityDriver,
				EntityID:       eval.UserID,
				Action:         structs.AuditActionStreakReset,
				UserID:         eval.UserID,
				ActorType:      structs.ActorTypeSystem,
				ActorID:        structs.ActorSystem,
				Detail: map[string]string{
					structs.AuditDetailReason: strings.Join(eval.Reasons, ","),
				},
			})
			if err != nil {
				return err
			}
		}
	}
	h.ModifyIndex = index

	if err := h.Validate(); err != nil {
		return fmt.Errorf("invalid health state: %v", err)
	}
	if err := txn.Insert(TableHealthStates, h); err != nil {
		return fmt.Errorf("health state insert failed: %v", err)
	}
	if err := bumpIndex(txn, TableHealthStates, index); err != nil {
		return err
	}

	snap := &structs.DriverHealthSnapshot{
		UserID:         eval.UserID,
		OrganizationID: eval.OrganizationID,
		Date:           eval.Date,
		Score:          eval.Score,
		Stars:          h.Stars,
		HardStop:       eval.HardStop,
		Reasons:        append([]string(nil), eval.Reasons...),
	}
	if err := upsertHealthSnapshotTxn(txn, index, snap); err != nil {
		return err
	}
	return txn.Commit()
}

// PersistWeeklyHealthEvaluation applies one driver's weekly outcome to the
// star ladder. Neutral weeks still record an audit row so the evaluation
// trail has no gaps.
func (s *StateStore) PersistWeeklyHealthEvaluation(index uint64, orgID, userID, weekStart string, qualifying, hardStop bool, maxStars int, now time.Time) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	existing, err := healthStateByUserTxn(txn, userID)
	if err != nil {
		return err
	}

	var h *structs.DriverHealthState
	if existing != nil {
		if orgID != "" && existing.OrganizationID != orgID {
			return structs.ErrPermissionDenied
		}
		h = existing.Copy()
	} else {
		h = structs.NewDriverHealthState(userID, orgID, now)
		h.CreateIndex = index
	}

	outcome := "neutral"
	switch {
	case hardStop:
		outcome = "hard_stop"
		if h.Stars > 0 || h.StreakWeeks > 0 {
			h.Stars = 0
			h.StreakWeeks = 0
			h.NextMilestoneStars = 1
			err = appendAuditTxn(txn, index, &structs.AuditLog{
				OrganizationID: h.OrganizationID,
				EntityType:     structs.AuditEntityDriver,
				EntityID:       userID,
				Action:         structs.AuditActionStreakReset,
				UserID:         userID,
				ActorType:      structs.ActorTypeSystem,
				ActorID:        structs.ActorSystem,
				Detail: map[string]string{
					structs.AuditDetailWeekStart: weekStart,
				},
			})
			if err != nil {
				return err
			}
		}
	case qualifying:
		outcome = "qualifying"
		if h.Stars < maxStars {
			h.Stars++
		}
		h.StreakWeeks++
		h.NextMilestoneStars = h.Stars + 1
		if h.NextMilestoneStars > maxStars {
			h.NextMilestoneStars = maxStars
		}
		h.LastQualifiedWeekStart = weekStart
		err = appendAuditTxn(txn, index, &structs.AuditLog{
			OrganizationID: h.OrganizationID,
			EntityType:     structs.AuditEntityDriver,
			EntityID:       userID,
			Action:         structs.AuditActionStreakAdvanced,
			UserID:         userID,
			ActorType:      structs.ActorTypeSystem,
			ActorID:        structs.ActorSystem,
			Detail: map[string]string{
				structs.AuditDetailWeekStart: weekStart,
				"stars":                      strconv.Itoa(h.Stars),
				"streak_weeks":               strconv.Itoa(h.StreakWeeks),
			},
		})
		if err != nil {
			return err
		}
	}
	h.ModifyIndex = index

	if err := txn.Insert(TableHealthStates, h); err != nil {
		return fmt.Errorf("health state insert failed: %v", err)
	}
	if err := bumpIndex(txn, TableHealthStates, index); err != nil {
		return err
	}

	err = appendAuditTxn(txn, index, &structs.AuditLog{
		OrganizationID: h.OrganizationID,
		EntityType:     structs.AuditEntityDriver,
		EntityID:       userID,
		Action:         structs.AuditActionWeekEvaluated,
		UserID:         userID,
		ActorType:      structs.ActorTypeSystem,
		ActorID:        structs.ActorSystem,
		Detail: map[string]string{
			structs.AuditDetailWeekStart: weekStart,
			structs.AuditDetailReason:    outcome,
		},
	})
	if err != nil {
		return err
	}
	return txn.Commit()
}

// MarkCorrectiveSent stamps the corrective-warning anchor so the recovery
// lookback can suppress repeats.
func (s *StateStore) MarkCorrectiveSent(index uint64, orgID, userID string, at time.Time) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	existing, err := healthStateByUserTxn(txn, userID)
	if err != nil {
		return err
	}
	if existing == nil {
		return structs.NewErrUnknownDriver(userID)
	}
	if orgID != "" && existing.OrganizationID != orgID {
		return structs.ErrPermissionDenied
	}

	h := existing.Copy()
	h.LastCorrectiveAt = &at
	h.ModifyIndex = index

	if err := txn.Insert(TableHealthStates, h); err != nil {
		return fmt.Errorf("health state insert failed: %v", err)
	}
	if err := bumpIndex(txn, TableHealthStates, index); err != nil {
		return err
	}
	return txn.Commit()
}

func upsertHealthSnapshotTxn(txn *txn, index uint64, snap *structs.DriverHealthSnapshot) error {
	if err := snap.Validate(); err != nil {
		return fmt.Errorf("invalid health snapshot: %v", err)
	}

	existingRaw, err := txn.First(TableHealthSnapshots, indexID, snap.UserID, snap.Date)
	if err != nil {
		return fmt.Errorf("health snapshot lookup failed: %v", err)
	}
	if existingRaw != nil {
		snap.CreateIndex = existingRaw.(*structs.DriverHealthSnapshot).CreateIndex
	} else {
		snap.CreateIndex = index
	}
	snap.ModifyIndex = index

	if err := txn.Insert(TableHealthSnapshots, snap); err != nil {
		return fmt.Errorf("health snapshot insert failed: %v", err)
	}
	return bumpIndex(txn, TableHealthSnapshots, index)
}

// UpsertDriverHealthSnapshot writes one daily snapshot on its own. The
// daily evaluation writes snapshots in its own transaction; this is for
// seeding state.
func (s *StateStore) UpsertDriverHealthSnapshot(index uint64, snap *structs.DriverHealthSnapshot) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	if err := upsertHealthSnapshotTxn(txn, index, snap); err != nil {
		return err
	}
	return txn.Commit()
}

// HealthSnapshotByUserDate returns one driver's snapshot for a date, or nil.
func (s *StateStore) HealthSnapshotByUserDate(ws memdb.WatchSet, userID, date string) (*structs.DriverHealthSnapshot, error) {
	txn := s.db.ReadTxn()
	defer txn.Abort()

	watchCh, existing, err := txn.FirstWatch(TableHealthSnapshots, indexID, userID, date)
	if err != nil {
		return nil, fmt.Errorf("health snapshot lookup failed: %v", err)
	}
	ws.Add(watchCh)

	if existing != nil {
		return existing.(*structs.DriverHealthSnapshot), nil
	}
	return nil, nil
}

// HealthSnapshotsByUser returns an iterator over a driver's snapshots in
// date order.
func (s *StateStore) HealthSnapshotsByUser(ws memdb.WatchSet, userID string) (memdb.ResultIterator, error) {
	txn := s.db.ReadTxn()

	iter, err := txn.Get(TableHealthSnapshots, indexUser, userID)
	if err != nil {
		return nil, fmt.Errorf("health snapshot lookup failed: %v", err)
	}
	ws.Add(iter.WatchCh())

	return iter, nil
}

// HealthSnapshotsByOrganizationDate returns an iterator over a tenant's
// snapshots for one date.
func (s *StateStore) HealthSnapshotsByOrganizationDate(ws memdb.WatchSet, orgID, date string) (memdb.ResultIterator, error) {
	txn := s.db.ReadTxn()

	iter, err := txn.Get(TableHealthSnapshots, indexOrgDate, orgID, date)
	if err != nil {
		return nil, fmt.Errorf("health snapshot lookup failed: %v", err)
	}
	ws.Add(iter.WatchCh())

	return iter, nil
}
