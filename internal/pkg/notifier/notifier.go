// Copyright (c) 2020-2021, Ctrl IQ, Inc. All rights reserved
// SPDX-License-Identifier: BSD-3-Clause

// Package notifier broadcasts notifications by email to a group
// of users or to every user, through the task queue.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ctrliq/keynotify/internal/pkg/mailer"
	"github.com/ctrliq/keynotify/internal/pkg/metrics"
	"github.com/ctrliq/keynotify/internal/pkg/taskqueue"
	"github.com/ctrliq/keynotify/pkg/database"
	"github.com/sirupsen/logrus"
)

const (
	DispatchTask = "notification.dispatch"
	SendTask     = "notification.send"
)

type DispatchArgs struct {
	NotificationID string `json:"notification_id"`
	GroupID        string `json:"group_id,omitempty"`
}

type SendArgs struct {
	NotificationID string `json:"notification_id"`
	UserID         string `json:"user_id"`
}

// DispatchIncompleteError is returned when some recipients couldn't
// be scheduled, the notification stays pending and the dispatch
// can be retried.
type DispatchIncompleteError struct {
	NotificationID string
	Total          int
	Failed         int
	Err            error
}

func (e *DispatchIncompleteError) Error() string {
	return fmt.Sprintf(
		"dispatch of notification %s incomplete: %d/%d recipient(s) not scheduled: %s",
		e.NotificationID, e.Failed, e.Total, e.Err,
	)
}

func (e *DispatchIncompleteError) Unwrap() error {
	return e.Err
}

type Dispatcher struct {
	db     database.Engine
	queue  taskqueue.Queue
	sender mailer.Sender
	mail   *mailer.Config
	now    func() time.Time
}

func New(db database.Engine, queue taskqueue.Queue, sender mailer.Sender, cfg *mailer.Config) *Dispatcher {
	if cfg == nil {
		cfg = new(mailer.Config)
	}
	return &Dispatcher{
		db:     db,
		queue:  queue,
		sender: sender,
		mail:   cfg,
		now:    time.Now,
	}
}

// Register adds the notification task handlers to r.
func (d *Dispatcher) Register(r *taskqueue.Registry) {
	r.Register(DispatchTask, func(ctx context.Context, args []byte) error {
		var a DispatchArgs
		if err := taskqueue.Decode(args, &a); err != nil {
			return err
		}
		err := d.Dispatch(ctx, a.NotificationID, a.GroupID)
		if errors.Is(err, database.ErrNotificationSent) || errors.Is(err, database.ErrNotFound) {
			// retrying won't change anything
			logrus.WithField("notification", a.NotificationID).Warnf("Dispatch skipped: %s", err)
			return nil
		}
		return err
	})
	r.Register(SendTask, func(ctx context.Context, args []byte) error {
		var a SendArgs
		if err := taskqueue.Decode(args, &a); err != nil {
			return err
		}
		return d.Send(ctx, a.NotificationID, a.UserID)
	})
}

// Schedule enqueues the dispatch of a notification to its audience.
func (d *Dispatcher) Schedule(ctx context.Context, notificationID string) error {
	n, err := d.db.GetNotification(notificationID)
	if err != nil {
		return err
	} else if n.Sent() {
		return database.ErrNotificationSent
	}
	return d.queue.Enqueue(ctx, DispatchTask, &DispatchArgs{
		NotificationID: n.ID,
		GroupID:        n.GroupID,
	})
}

// recipients returns the users to notify, deduplicated by ID
// and by address.
func (d *Dispatcher) recipients(groupID string) ([]*database.User, error) {
	users, err := d.db.Users(groupID)
	if err != nil {
		return nil, err
	}

	ids := make(map[string]bool, len(users))
	addresses := make(map[string]bool, len(users))
	recipients := make([]*database.User, 0, len(users))

	for _, u := range users {
		address := strings.ToLower(strings.TrimSpace(u.Email))
		if address == "" {
			logrus.WithField("user", u.ID).Warn("Skipping user without email address")
			continue
		}
		if ids[u.ID] || addresses[address] {
			continue
		}
		ids[u.ID] = true
		addresses[address] = true
		recipients = append(recipients, u)
	}

	return recipients, nil
}

// Dispatch schedules one email per recipient of the notification
// and marks the notification as sent once every recipient has been
// scheduled. Users of groupID are notified, or every user when
// groupID is empty.
func (d *Dispatcher) Dispatch(ctx context.Context, notificationID, groupID string) error {
	entry := logrus.WithField("notification", notificationID)

	n, err := d.db.GetNotification(notificationID)
	if err != nil {
		metrics.DispatchTotal.WithLabelValues(metrics.ResultError).Inc()
		return fmt.Errorf("while loading notification %s: %w", notificationID, err)
	} else if n.Sent() {
		metrics.DispatchTotal.WithLabelValues(metrics.ResultSent).Inc()
		return fmt.Errorf("notification %s: %w", notificationID, database.ErrNotificationSent)
	}

	recipients, err := d.recipients(groupID)
	if err != nil {
		metrics.DispatchTotal.WithLabelValues(metrics.ResultError).Inc()
		return fmt.Errorf("while resolving recipients: %w", err)
	}

	var (
		failed  int
		lastErr error
	)
	for _, u := range recipients {
		err := d.queue.Enqueue(ctx, SendTask, &SendArgs{NotificationID: n.ID, UserID: u.ID})
		if err != nil {
			entry.WithField("user", u.ID).Errorf("While scheduling email: %s", err)
			failed++
			lastErr = err
		}
	}

	if failed > 0 {
		metrics.DispatchTotal.WithLabelValues(metrics.ResultIncomplete).Inc()
		return &DispatchIncompleteError{
			NotificationID: n.ID,
			Total:          len(recipients),
			Failed:         failed,
			Err:            lastErr,
		}
	}

	err = d.db.MarkNotificationSent(n.ID, d.now())
	if errors.Is(err, database.ErrNotificationSent) {
		entry.Warn("Notification marked as sent by a concurrent dispatch")
		metrics.DispatchTotal.WithLabelValues(metrics.ResultSent).Inc()
		return nil
	} else if err != nil {
		metrics.DispatchTotal.WithLabelValues(metrics.ResultError).Inc()
		return fmt.Errorf("while marking notification %s as sent: %w", n.ID, err)
	}

	entry.WithField("recipients", len(recipients)).Info("Notification dispatched")
	metrics.DispatchTotal.WithLabelValues(metrics.ResultOk).Inc()

	return nil
}

// Send emails a notification to a single user.
func (d *Dispatcher) Send(ctx context.Context, notificationID, userID string) error {
	n, err := d.db.GetNotification(notificationID)
	if err != nil {
		return fmt.Errorf("while loading notification %s: %w", notificationID, err)
	}
	u, err := d.db.GetUser(userID)
	if err != nil {
		return fmt.Errorf("while loading user %s: %w", userID, err)
	}

	body := mailer.WithFooter(d.mail, n.Body)

	err = d.sender.Send(u.Email, n.Subject, body)
	metrics.DeliveriesTotal.WithLabelValues(metrics.ErrorLabel(err)).Inc()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"notification": n.ID,
			"user":         u.ID,
		}).Errorf("While sending notification: %s", err)
		return err
	}

	return nil
}
