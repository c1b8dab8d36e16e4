// Copyright (c) Parcelworks, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package notify delivers notifications to drivers and managers. Every send
// writes the durable in-app inbox row first and then attempts push delivery
// through a pluggable transport, so the inbox and the push channel never
// disagree about what was sent.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics/compat"
	multierror "github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/parcelworks/dispatch/dispatch/state"
	"github.com/parcelworks/dispatch/dispatch/structs"
)

// defaultMaxInFlight bounds concurrent push deliveries during a bulk send.
const defaultMaxInFlight = 10

// Pusher is the push transport. Implementations report unusable device
// tokens through InvalidTokenError and retryable conditions through
// TransientError; any other error counts as a terminal failure for the
// attempt.
type Pusher interface {
	Push(ctx context.Context, token string, n *structs.Notification) error
}

// NoopPusher discards every push. Used when no transport is configured;
// inbox rows are still written.
type NoopPusher struct{}

func (NoopPusher) Push(context.Context, string, *structs.Notification) error { return nil }

// InvalidTokenError reports a device token the transport permanently
// refused, typically after an app uninstall. The notifier clears the token
// so later sends skip the push leg until the device registers again.
type InvalidTokenError struct {
	Token string
}

func (e *InvalidTokenError) Error() string {
	return fmt.Sprintf("push token %q rejected by transport", e.Token)
}

// TransientError wraps a delivery failure worth retrying on a later send,
// such as a throttle or a timeout. The inbox row is already durable, so the
// notifier logs and moves on rather than blocking the caller.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient push failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsInvalidToken reports whether err marks a permanently dead device token.
func IsInvalidToken(err error) bool {
	var target *InvalidTokenError
	return errors.As(err, &target)
}

// IsTransient reports whether err is worth retrying on a later send.
func IsTransient(err error) bool {
	var target *TransientError
	return errors.As(err, &target)
}

// Notifier owns notification delivery. Inbox writes go straight to the
// state store; the push leg is best effort per send, with failures
// classified and counted rather than surfaced so the sweeps that produce
// most notifications are never blocked on a flaky transport.
type Notifier struct {
	logger hclog.Logger
	state  *state.StateStore
	pusher Pusher

	maxInFlight int
}

// NewNotifier returns a notifier backed by the given store and transport.
// A nil pusher disables the push leg entirely.
func NewNotifier(logger hclog.Logger, store *state.StateStore, pusher Pusher) *Notifier {
	return &Notifier{
		logger:      logger.Named("notify"),
		state:       store,
		pusher:      pusher,
		maxInFlight: defaultMaxInFlight,
	}
}

// Send delivers one notification. The inbox row is written first; the push
// attempt follows when the recipient holds a device token. Returns false
// without error when the dedupe key suppressed a repeat send. Push failures
// never fail the send: transient and terminal outcomes are logged and
// counted, and a rejected token is cleared from the user record.
func (n *Notifier) Send(ctx context.Context, notif *structs.Notification) (bool, error) {
	user, err := n.state.UserByID(nil, notif.UserID)
	if err != nil {
		return false, err
	}
	if user == nil {
		return false, structs.NewErrUnknownDriver(notif.UserID)
	}
	if user.OrganizationID != notif.OrganizationID {
		return false, structs.ErrPermissionDenied
	}

	// Callers that pass no title get the locale-rendered copy for the type.
	if notif.Title == "" {
		notif.Title, notif.Body = RenderMessage(user.Locale, notif.Type, notif.Data)
	}

	created, err := n.state.UpsertNotification(n.state.NextIndex(), notif)
	if err != nil {
		return false, err
	}
	if !created {
		metrics.IncrCounter([]string{"dispatch", "notify", "deduped"}, 1)
		return false, nil
	}
	metrics.IncrCounter([]string{"dispatch", "notify", "sent"}, 1)

	n.push(ctx, user, notif)
	return true, nil
}

// push runs the transport leg for one written notification.
func (n *Notifier) push(ctx context.Context, user *structs.User, notif *structs.Notification) {
	if n.pusher == nil || user.PushToken == "" {
		return
	}

	err := n.pusher.Push(ctx, user.PushToken, notif)
	switch {
	case err == nil:
		metrics.IncrCounter([]string{"dispatch", "notify", "pushed"}, 1)
	case IsInvalidToken(err):
		metrics.IncrCounter([]string{"dispatch", "notify", "invalid_token"}, 1)
		n.logger.Info("clearing rejected push token", "user_id", user.ID)
		if cerr := n.state.ClearUserPushToken(n.state.NextIndex(), user.ID, user.PushToken); cerr != nil {
			n.logger.Error("failed to clear push token", "user_id", user.ID, "error", cerr)
		}
	case IsTransient(err):
		metrics.IncrCounter([]string{"dispatch", "notify", "push_transient"}, 1)
		n.logger.Warn("transient push failure", "user_id", user.ID, "type", notif.Type, "error", err)
	default:
		metrics.IncrCounter([]string{"dispatch", "notify", "push_failed"}, 1)
		n.logger.Error("push delivery failed", "user_id", user.ID, "type", notif.Type, "error", err)
	}
}

// SendBulk fans a batch out with bounded concurrency and returns how many
// notifications were actually written; dedupe-suppressed sends are not
// counted. The batch always runs to completion, with per-notification
// failures collected into the returned error.
func (n *Notifier) SendBulk(ctx context.Context, notifs []*structs.Notification) (int, error) {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		sent int
		mErr *multierror.Error
	)
	g.SetLimit(n.maxInFlight)

	for _, notif := range notifs {
		g.Go(func() error {
			created, err := n.Send(ctx, notif)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				mErr = multierror.Append(mErr, fmt.Errorf("notify %s to %s: %w", notif.Type, notif.UserID, err))
				return nil
			}
			if created {
				sent++
			}
			return nil
		})
	}

	// The closures report through mErr and never return an error.
	_ = g.Wait()

	return sent, mErr.ErrorOrNil()
}

// SendManagerAlert writes one copy of the alert to every manager and admin
// of the organization. The copies share the alert's dedupe key, so a sweep
// that re-fires alerts each manager at most once.
func (n *Notifier) SendManagerAlert(ctx context.Context, orgID string, alert *structs.Notification) (int, error) {
	iter, err := n.state.UsersByOrganization(nil, orgID)
	if err != nil {
		return 0, err
	}

	var targets []*structs.Notification
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		user := raw.(*structs.User)
		if user.Role != structs.UserRoleManager && user.Role != structs.UserRoleAdmin {
			continue
		}
		per := alert.Copy()
		per.ID = ""
		per.OrganizationID = orgID
		per.UserID = user.ID
		targets = append(targets, per)
	}
	if len(targets) == 0 {
		n.logger.Warn("organization has no managers to alert", "org_id", orgID, "type", alert.Type)
		return 0, nil
	}

	return n.SendBulk(ctx, targets)
}
