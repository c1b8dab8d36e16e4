// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

package dispatch

import (
	"fmt"
	"time"

	metrics "github.com/hashicorp/go-metrics/compat"

	"github.com/parcelworks/dispatch/dispatch/state"
	"github.com/parcelworks/dispatch/dispatch/structs"
)

// Organization endpoint exposes tenant settings to managers.
type Organization struct {
	srv *Server
}

// Detail returns the organization, its raw policy overrides and the
// effective merged policy.
func (o *Organization) Detail(args *structs.OrganizationSpecificRequest, reply *structs.SingleOrganizationResponse) error {
	defer metrics.MeasureSince([]string{"dispatch", "organization", "detail"}, time.Now())

	if _, err := o.srv.resolveManager(args.OrganizationID, args.ActorID); err != nil {
		return err
	}

	org, err := o.srv.store.OrganizationByID(nil, args.OrganizationID)
	if err != nil {
		return err
	}
	if org == nil {
		return structs.NewErrUnknownOrganization(args.OrganizationID)
	}
	settings, err := o.srv.store.OrganizationSettingsByOrg(nil, args.OrganizationID)
	if err != nil {
		return err
	}
	policy, err := o.srv.policyFor(args.OrganizationID)
	if err != nil {
		return err
	}

	reply.Organization = org
	reply.Settings = settings
	reply.Policy = policy

	index, err := o.srv.store.Index(state.TableOrganizationSettings)
	if err != nil {
		return err
	}
	if org.ModifyIndex > index {
		index = org.ModifyIndex
	}
	reply.Index = index
	return nil
}

// UpdateSettings replaces the tenant's policy overrides. The merged policy
// is validated before anything is written, so an override that would
// produce an unusable policy never lands. The policy cache entry is
// dropped on success; in-flight requests finish on the policy they read.
func (o *Organization) UpdateSettings(args *structs.OrganizationSettingsUpdateRequest, reply *structs.GenericResponse) error {
	defer metrics.MeasureSince([]string{"dispatch", "organization", "update_settings"}, time.Now())

	if args.Settings == nil {
		return fmt.Errorf("missing settings")
	}
	if _, err := o.srv.resolveManager(args.OrganizationID, args.ActorID); err != nil {
		return err
	}

	settings := args.Settings.Copy()
	settings.OrganizationID = args.OrganizationID

	org, err := o.srv.store.OrganizationByID(nil, args.OrganizationID)
	if err != nil {
		return err
	}
	if org == nil {
		return structs.NewErrUnknownOrganization(args.OrganizationID)
	}

	merged := structs.DefaultDispatchPolicy()
	if org.TimeZone != "" {
		merged.TimeZone = org.TimeZone
	}
	merged = merged.Merge(settings)
	if err := merged.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %v", err)
	}

	index := o.srv.store.NextIndex()
	if err := o.srv.store.UpsertOrganizationSettings(index, settings); err != nil {
		return err
	}
	o.srv.invalidatePolicy(args.OrganizationID)

	reply.Index = index
	return nil
}
