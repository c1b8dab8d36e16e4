// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package state

import (
	"fmt"
	"time"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/parcelworks/dispatch/dispatch/structs"
)

// UpsertOrganization is used to insert or update a tenant.
func (s *StateStore) UpsertOrganization(index uint64, org *structs.Organization) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	existingRaw, err := txn.First(TableOrganizations, indexID, org.ID)
	if err != nil {
		return fmt.Errorf("organization lookup failed: %v", err)
	}

	if existingRaw != nil {
		existing := existingRaw.(*structs.Organization)
		org.CreateIndex = existing.CreateIndex
		org.CreateTime = existing.CreateTime
		org.ModifyIndex = index
	} else {
		org.CreateIndex = index
		org.ModifyIndex = index
		if org.CreateTime == 0 {
			org.CreateTime = time.Now().UnixNano()
		}
	}

	if err := txn.Insert(TableOrganizations, org); err != nil {
		return fmt.Errorf("organization insert failed: %v", err)
	}
	if err := bumpIndex(txn, TableOrganizations, index); err != nil {
		return err
	}

	return txn.Commit()
}

// OrganizationByID returns the tenant with the given ID, or nil when it
// does not exist.
func (s *StateStore) OrganizationByID(ws memdb.WatchSet, orgID string) (*structs.Organization, error) {
	txn := s.db.ReadTxn()
	defer txn.Abort()

	watchCh, existing, err := txn.FirstWatch(TableOrganizations, indexID, orgID)
	if err != nil {
		return nil, fmt.Errorf("organization lookup failed: %v", err)
	}
	ws.Add(watchCh)

	if existing != nil {
		return existing.(*structs.Organization), nil
	}
	return nil, nil
}

// Organizations returns an iterator over all tenants.
func (s *StateStore) Organizations(ws memdb.WatchSet) (memdb.ResultIterator, error) {
	txn := s.db.ReadTxn()

	iter, err := txn.Get(TableOrganizations, indexID)
	if err != nil {
		return nil, fmt.Errorf("organization lookup failed: %v", err)
	}
	ws.Add(iter.WatchCh())

	return iter, nil
}

// UpsertOrganizationSettings stores a tenant's policy overrides, replacing
// any previous row.
func (s *StateStore) UpsertOrganizationSettings(index uint64, settings *structs.OrganizationSettings) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	orgRaw, err := txn.First(TableOrganizations, indexID, settings.OrganizationID)
	if err != nil {
		return fmt.Errorf("organization lookup failed: %v", err)
	}
	if orgRaw == nil {
		return structs.NewErrUnknownOrganization(settings.OrganizationID)
	}

	existingRaw, err := txn.First(TableOrganizationSettings, indexID, settings.OrganizationID)
	if err != nil {
		return fmt.Errorf("organization settings lookup failed: %v", err)
	}
	if existingRaw != nil {
		settings.CreateIndex = existingRaw.(*structs.OrganizationSettings).CreateIndex
		settings.ModifyIndex = index
	} else {
		settings.CreateIndex = index
		settings.ModifyIndex = index
	}

	if err := txn.Insert(TableOrganizationSettings, settings); err != nil {
		return fmt.Errorf("organization settings insert failed: %v", err)
	}
	if err := bumpIndex(txn, TableOrganizationSettings, index); err != nil {
		return err
	}

	return txn.Commit()
}

// OrganizationSettingsByOrg returns a tenant's policy overrides, or nil
// when the tenant runs on defaults.
func (s *StateStore) OrganizationSettingsByOrg(ws memdb.WatchSet, orgID string) (*structs.OrganizationSettings, error) {
	txn := s.db.ReadTxn()
	defer txn.Abort()

	watchCh, existing, err := txn.FirstWatch(TableOrganizationSettings, indexID, orgID)
	if err != nil {
		return nil, fmt.Errorf("organization settings lookup failed: %v", err)
	}
	ws.Add(watchCh)

	if existing != nil {
		return existing.(*structs.OrganizationSettings), nil
	}
	return nil, nil
}

// DispatchPolicyByOrganization resolves the effective policy for a tenant:
// the defaults, then the organization zone, then the tenant's overrides.
// Every policy consumer goes through here so a settings change takes effect
// on the next resolution.
func (s *StateStore) DispatchPolicyByOrganization(ws memdb.WatchSet, orgID string) (*structs.DispatchPolicy, error) {
	org, err := s.OrganizationByID(ws, orgID)
	if err != nil {
		return nil, err
	}
	if org == nil {
		return nil, structs.NewErrUnknownOrganization(orgID)
	}

	settings, err := s.OrganizationSettingsByOrg(ws, orgID)
	if err != nil {
		return nil, err
	}

	p := structs.DefaultDispatchPolicy()
	if org.TimeZone != "" {
		p.TimeZone = org.TimeZone
	}
	return p.Merge(settings), nil
}

// PruneOrphanOrganizations deletes tenants created before the cutoff that
// no user, warehouse or route references, along with their settings rows.
// The cutoff keeps tenants mid-setup out of reach. Returns the number of
// organizations removed.
func (s *StateStore) PruneOrphanOrganizations(index uint64, olderThan time.Time) (int, error) {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	iter, err := txn.Get(TableOrganizations, indexID)
	if err != nil {
		return 0, fmt.Errorf("organization lookup failed: %v", err)
	}

	cutoff := olderThan.UnixNano()
	var orphans []*structs.Organization
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		org := raw.(*structs.Organization)
		if org.CreateTime >= cutoff {
			continue
		}
		empty, err := organizationEmptyTxn(txn, org.ID)
		if err != nil {
			return 0, err
		}
		if empty {
			orphans = append(orphans, org)
		}
	}
	if len(orphans) == 0 {
		return 0, nil
	}

	for _, org := range orphans {
		settings, err := txn.First(TableOrganizationSettings, indexID, org.ID)
		if err != nil {
			return 0, fmt.Errorf("organization settings lookup failed: %v", err)
		}
		if settings != nil {
			if err := txn.Delete(TableOrganizationSettings, settings); err != nil {
				return 0, fmt.Errorf("organization settings delete failed: %v", err)
			}
		}
		if err := txn.Delete(TableOrganizations, org); err != nil {
			return 0, fmt.Errorf("organization delete failed: %v", err)
		}
	}
	if err := bumpIndex(txn, TableOrganizations, index); err != nil {
		return 0, err
	}
	return len(orphans), txn.Commit()
}

// organizationEmptyTxn reports whether nothing references the tenant.
func organizationEmptyTxn(txn *txn, orgID string) (bool, error) {
	for _, table := range []string{TableUsers, TableWarehouses, TableRoutes} {
		raw, err := txn.First(table, indexOrg, orgID)
		if err != nil {
			return false, fmt.Errorf("%s lookup failed: %v", table, err)
		}
		if raw != nil {
			return false, nil
		}
	}
	return true, nil
}
