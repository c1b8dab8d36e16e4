// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package state

import (
	"fmt"
	"sync"

	memdb "github.com/hashicorp/go-memdb"
)

const (
	tableIndex = "index"

	TableOrganizations        = "organizations"
	TableOrganizationSettings = "organization_settings"
	TableUsers                = "users"
	TableWarehouses           = "warehouses"
	TableRoutes               = "routes"
	TableDriverPreferences    = "driver_preferences"
	TableDriverMetrics        = "driver_metrics"
	TableRouteCompletions     = "route_completions"
	TableAssignments          = "assignments"
	TableShifts               = "shifts"
	TableBidWindows           = "bid_windows"
	TableBids                 = "bids"
	TableHealthStates         = "driver_health_states"
	TableHealthSnapshots      = "driver_health_snapshots"
	TableNotifications        = "notifications"
	TableAuditLogs            = "audit_logs"
)

const (
	indexID         = "id"
	indexOrg        = "org"
	indexUser       = "user"
	indexWarehouse  = "warehouse"
	indexOrgDate    = "org_date"
	indexUserDate   = "user_date"
	indexRouteDate  = "route_date"
	indexWindow     = "window"
	indexWindowUser = "window_user"
	indexAssignment = "assignment"
	indexOrgStatus  = "org_status"
	indexEntity     = "entity"
	indexUserDedupe = "user_dedupe"
)

var (
	schemaFactories SchemaFactories
	factoriesLock   sync.Mutex
)

// SchemaFactory is the factory method for returning a TableSchema
type SchemaFactory func() *memdb.TableSchema
type SchemaFactories []SchemaFactory

// RegisterSchemaFactories is used to register a table schema.
func RegisterSchemaFactories(factories ...SchemaFactory) {
	factoriesLock.Lock()
	defer factoriesLock.Unlock()
	schemaFactories = append(schemaFactories, factories...)
}

func GetFactories() SchemaFactories {
	return schemaFactories
}

func init() {
	// Register all schemas
	RegisterSchemaFactories([]SchemaFactory{
		indexTableSchema,
		organizationTableSchema,
		organizationSettingsTableSchema,
		userTableSchema,
		warehouseTableSchema,
		routeTableSchema,
		driverPreferencesTableSchema,
		driverMetricsTableSchema,
		routeCompletionTableSchema,
		assignmentTableSchema,
		shiftTableSchema,
		bidWindowTableSchema,
		bidTableSchema,
		healthStateTableSchema,
		healthSnapshotTableSchema,
		notificationTableSchema,
		auditLogTableSchema,
	}...)
}

// stateStoreSchema is used to return the combined schema for the state store.
func stateStoreSchema() *memdb.DBSchema {
	db := &memdb.DBSchema{
		Tables: make(map[string]*memdb.TableSchema),
	}

	for _, schemaFn := range GetFactories() {
		schema := schemaFn()
		if _, ok := db.Tables[schema.Name]; ok {
			panic(fmt.Sprintf("duplicate table name: %s", schema.Name))
		}
		db.Tables[schema.Name] = schema
	}
	return db
}

// indexTableSchema is used for tracking the most recent index used for each
// table.
func indexTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: tableIndex,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field:     "Key",
					Lowercase: true,
				},
			},
		},
	}
}

func organizationTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableOrganizations,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.UUIDFieldIndex{
					Field: "ID",
				},
			},
		},
	}
}

func organizationSettingsTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableOrganizationSettings,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.UUIDFieldIndex{
					Field: "OrganizationID",
				},
			},
		},
	}
}

func userTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableUsers,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.UUIDFieldIndex{
					Field: "ID",
				},
			},
			indexOrg: {
				Name:         indexOrg,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.UUIDFieldIndex{
					Field: "OrganizationID",
				},
			},
		},
	}
}

func warehouseTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableWarehouses,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.UUIDFieldIndex{
					Field: "ID",
				},
			},
			indexOrg: {
				Name:         indexOrg,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.UUIDFieldIndex{
					Field: "OrganizationID",
				},
			},
		},
	}
}

func routeTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableRoutes,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.UUIDFieldIndex{
					Field: "ID",
				},
			},
			indexOrg: {
				Name:         indexOrg,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.UUIDFieldIndex{
					Field: "OrganizationID",
				},
			},
			indexWarehouse: {
				Name:         indexWarehouse,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.UUIDFieldIndex{
					Field: "WarehouseID",
				},
			},
		},
	}
}

func driverPreferencesTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableDriverPreferences,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.UUIDFieldIndex{
					Field: "UserID",
				},
			},
			indexOrg: {
				Name:         indexOrg,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.UUIDFieldIndex{
					Field: "OrganizationID",
				},
			},
		},
	}
}

func driverMetricsTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableDriverMetrics,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.UUIDFieldIndex{
					Field: "UserID",
				},
			},
			indexOrg: {
				Name:         indexOrg,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.UUIDFieldIndex{
					Field: "OrganizationID",
				},
			},
		},
	}
}

// routeCompletionTableSchema keys completion counters by (user, route) so
// familiarity lookups are a single First call.
func routeCompletionTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableRouteCompletions,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.UUIDFieldIndex{Field: "UserID"},
						&memdb.UUIDFieldIndex{Field: "RouteID"},
					},
				},
			},
			indexUser: {
				Name:         indexUser,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.UUIDFieldIndex{
					Field: "UserID",
				},
			},
			indexOrg: {
				Name:         indexOrg,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.UUIDFieldIndex{
					Field: "OrganizationID",
				},
			},
		},
	}
}

func assignmentTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableAssignments,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.UUIDFieldIndex{
					Field: "ID",
				},
			},
			indexOrg: {
				Name:         indexOrg,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.UUIDFieldIndex{
					Field: "OrganizationID",
				},
			},
			// user is AllowMissing because unfilled slots carry no user.
			indexUser: {
				Name:         indexUser,
				AllowMissing: true,
				Unique:       false,
				Indexer: &memdb.UUIDFieldIndex{
					Field: "UserID",
				},
			},
			indexUserDate: {
				Name:         indexUserDate,
				AllowMissing: true,
				Unique:       false,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.UUIDFieldIndex{Field: "UserID"},
						&memdb.StringFieldIndex{Field: "ShiftDate"},
					},
				},
			},
			indexRouteDate: {
				Name:         indexRouteDate,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.UUIDFieldIndex{Field: "RouteID"},
						&memdb.StringFieldIndex{Field: "ShiftDate"},
					},
				},
			},
			indexOrgDate: {
				Name:         indexOrgDate,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.UUIDFieldIndex{Field: "OrganizationID"},
						&memdb.StringFieldIndex{Field: "ShiftDate"},
					},
				},
			},
		},
	}
}

func shiftTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableShifts,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.UUIDFieldIndex{
					Field: "AssignmentID",
				},
			},
			indexOrg: {
				Name:         indexOrg,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.UUIDFieldIndex{
					Field: "OrganizationID",
				},
			},
			indexUser: {
				Name:         indexUser,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.UUIDFieldIndex{
					Field: "UserID",
				},
			},
		},
	}
}

func bidWindowTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableBidWindows,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.UUIDFieldIndex{
					Field: "ID",
				},
			},
			indexOrg: {
				Name:         indexOrg,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.UUIDFieldIndex{
					Field: "OrganizationID",
				},
			},
			indexAssignment: {
				Name:         indexAssignment,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.UUIDFieldIndex{
					Field: "AssignmentID",
				},
			},
			indexOrgStatus: {
				Name:         indexOrgStatus,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.UUIDFieldIndex{Field: "OrganizationID"},
						&memdb.StringFieldIndex{Field: "Status"},
					},
				},
			},
		},
	}
}

func bidTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableBids,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.UUIDFieldIndex{
					Field: "ID",
				},
			},
			indexWindow: {
				Name:         indexWindow,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.UUIDFieldIndex{
					Field: "WindowID",
				},
			},
			indexWindowUser: {
				Name:         indexWindowUser,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.UUIDFieldIndex{Field: "WindowID"},
						&memdb.UUIDFieldIndex{Field: "UserID"},
					},
				},
			},
			indexUser: {
				Name:         indexUser,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.UUIDFieldIndex{
					Field: "UserID",
				},
			},
		},
	}
}

func healthStateTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableHealthStates,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.UUIDFieldIndex{
					Field: "UserID",
				},
			},
			indexOrg: {
				Name:         indexOrg,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.UUIDFieldIndex{
					Field: "OrganizationID",
				},
			},
		},
	}
}

func healthSnapshotTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableHealthSnapshots,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.UUIDFieldIndex{Field: "UserID"},
						&memdb.StringFieldIndex{Field: "Date"},
					},
				},
			},
			indexUser: {
				Name:         indexUser,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.UUIDFieldIndex{
					Field: "UserID",
				},
			},
			indexOrgDate: {
				Name:         indexOrgDate,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.UUIDFieldIndex{Field: "OrganizationID"},
						&memdb.StringFieldIndex{Field: "Date"},
					},
				},
			},
		},
	}
}

func notificationTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableNotifications,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.UUIDFieldIndex{
					Field: "ID",
				},
			},
			indexUser: {
				Name:         indexUser,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.UUIDFieldIndex{
					Field: "UserID",
				},
			},
			indexOrg: {
				Name:         indexOrg,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.UUIDFieldIndex{
					Field: "OrganizationID",
				},
			},
			// user_dedupe is AllowMissing because most notifications carry
			// no dedupe key.
			indexUserDedupe: {
				Name:         indexUserDedupe,
				AllowMissing: true,
				Unique:       false,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.UUIDFieldIndex{Field: "UserID"},
						&memdb.StringFieldIndex{Field: "DedupeKey"},
					},
				},
			},
		},
	}
}

func auditLogTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableAuditLogs,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.UUIDFieldIndex{
					Field: "ID",
				},
			},
			indexOrg: {
				Name:         indexOrg,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.UUIDFieldIndex{
					Field: "OrganizationID",
				},
			},
			indexEntity: {
				Name:         indexEntity,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "EntityType"},
						&memdb.UUIDFieldIndex{Field: "EntityID"},
					},
				},
			},
			// user is AllowMissing because config and schedule actions
			// concern no particular driver. The health fold reads a driver's
			// history through this index.
			indexUser: {
				Name:         indexUser,
				AllowMissing: true,
				Unique:       false,
				Indexer: &memdb.UUIDFieldIndex{
					Field: "UserID",
				},
			},
		},
	}
}
