// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package state

import (
	"fmt"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/parcelworks/dispatch/dispatch/structs"
)

// UpsertWarehouse is used to insert or update a depot. The organization
// must already exist.
func (s *StateStore) UpsertWarehouse(index uint64, wh *structs.Warehouse) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	orgRaw, err := txn.First(TableOrganizations, indexID, wh.OrganizationID)
	if err != nil {
		return fmt.Errorf("organization lookup failed: %v", err)
	}
	if orgRaw == nil {
		return structs.NewErrUnknownOrganization(wh.OrganizationID)
	}

	existingRaw, err := txn.First(TableWarehouses, indexID, wh.ID)
	if err != nil {
		return fmt.Errorf("warehouse lookup failed: %v", err)
	}
	if existingRaw != nil {
		existing := existingRaw.(*structs.Warehouse)
		if existing.OrganizationID != wh.OrganizationID {
			return structs.ErrPermissionDenied
		}
		wh.CreateIndex = existing.CreateIndex
		wh.ModifyIndex = index
	} else {
		wh.CreateIndex = index
		wh.ModifyIndex = index
	}

	if err := txn.Insert(TableWarehouses, wh); err != nil {
		return fmt.Errorf("warehouse insert failed: %v", err)
	}
	if err := bumpIndex(txn, TableWarehouses, index); err != nil {
		return err
	}
	return txn.Commit()
}

// WarehouseByID returns the depot with the given ID, or nil when it does
// not exist.
func (s *StateStore) WarehouseByID(ws memdb.WatchSet, warehouseID string) (*structs.Warehouse, error) {
	txn := s.db.ReadTxn()
	defer txn.Abort()

	watchCh, existing, err := txn.FirstWatch(TableWarehouses, indexID, warehouseID)
	if err != nil {
		return nil, fmt.Errorf("warehouse lookup failed: %v", err)
	}
	ws.Add(watchCh)

	if existing != nil {
		return existing.(*structs.Warehouse), nil
	}
	return nil, nil
}

// WarehousesByOrganization returns an iterator over a tenant's depots.
func (s *StateStore) WarehousesByOrganization(ws memdb.WatchSet, orgID string) (memdb.ResultIterator, error) {
	txn := s.db.ReadTxn()

	iter, err := txn.Get(TableWarehouses, indexOrg, orgID)
	if err != nil {
		return nil, fmt.Errorf("warehouse lookup failed: %v", err)
	}
	ws.Add(iter.WatchCh())

	return iter, nil
}

// UpsertRoute is used to insert or update a route. The warehouse must
// already exist; the route's organization is taken from it, never from the
// caller.
func (s *StateStore) UpsertRoute(index uint64, route *structs.Route) error {
	txn := s.db.WriteTxn(index)
	defer txn.Abort()

	whRaw, err := txn.First(TableWarehouses, indexID, route.WarehouseID)
	if err != nil {
		return fmt.Errorf("warehouse lookup failed: %v", err)
	}
	if whRaw == nil {
		return structs.NewErrUnknownWarehouse(route.WarehouseID)
	}
	wh := whRaw.(*structs.Warehouse)

	if route.OrganizationID != "" && route.OrganizationID != wh.OrganizationID {
		return structs.ErrPermissionDenied
	}
	route.OrganizationID = wh.OrganizationID
	route.Canonicalize()

	existingRaw, err := txn.First(TableRoutes, indexID, route.ID)
	if err != nil {
		return fmt.Errorf("route lookup failed: %v", err)
	}
	if existingRaw != nil {
		existing := existingRaw.(*structs.Route)
		if existing.OrganizationID != route.OrganizationID {
			return structs.ErrPermissionDenied
		}
		route.CreateIndex = existing.CreateIndex
		route.ModifyIndex = index
	} else {
		route.CreateIndex = index
		route.ModifyIndex = index
	}

	if err := txn.Insert(TableRoutes, route); err != nil {
		return fmt.Errorf("route insert failed: %v", err)
	}
	if err := bumpIndex(txn, TableRoutes, index); err != nil {
		return err
	}
	return txn.Commit()
}

// RouteByID returns the route with the given ID, or nil when it does not
// exist.
func (s *StateStore) RouteByID(ws memdb.WatchSet, routeID string) (*structs.Route, error) {
	txn := s.db.ReadTxn()
	defer txn.Abort()

	return routeByIDTxn(txn, ws, routeID)
}

func routeByIDTxn(txn ReadTxn, ws memdb.WatchSet, routeID string) (*structs.Route, error) {
	watchCh, existing, err := txn.FirstWatch(TableRoutes, indexID, routeID)
	if err != nil {
		return nil, fmt.Errorf("route lookup failed: %v", err)
	}
	ws.Add(watchCh)

	if existing != nil {
		return existing.(*structs.Route), nil
	}
	return nil, nil
}

// RoutesByOrganization returns an iterator over a tenant's routes.
func (s *StateStore) RoutesByOrganization(ws memdb.WatchSet, orgID string) (memdb.ResultIterator, error) {
	txn := s.db.ReadTxn()

	iter, err := txn.Get(TableRoutes, indexOrg, orgID)
	if err != nil {
		return nil, fmt.Errorf("route lookup failed: %v", err)
	}
	ws.Add(iter.WatchCh())

	return iter, nil
}

// RoutesByWarehouse returns an iterator over one depot's routes.
func (s *StateStore) RoutesByWarehouse(ws memdb.WatchSet, warehouseID string) (memdb.ResultIterator, error) {
	txn := s.db.ReadTxn()

	iter, err := txn.Get(TableRoutes, indexWarehouse, warehouseID)
	if err != nil {
		return nil, fmt.Errorf("route lookup failed: %v", err)
	}
	ws.Add(iter.WatchCh())

	return iter, nil
}
