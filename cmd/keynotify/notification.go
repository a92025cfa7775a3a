package main

import (
	"context"
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"text/tabwriter"
	"time"

	"github.com/ctrliq/keynotify/internal/pkg/mailer"
	"github.com/ctrliq/keynotify/pkg/database"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func notificationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notification",
		Short: "Manage and send notifications",
	}

	cmd.AddCommand(notificationCreateCmd())
	cmd.AddCommand(notificationSendCmd())
	cmd.AddCommand(notificationDeleteCmd())
	cmd.AddCommand(notificationListCmd())

	return cmd
}

func notificationCreateCmd() *cobra.Command {
	var (
		subject  string
		body     string
		bodyFile string
		group    string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a pending notification",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if bodyFile != "" {
				b, err := ioutil.ReadFile(bodyFile)
				if err != nil {
					return fmt.Errorf("while reading notification body: %s", err)
				}
				body = string(b)
			}
			if subject == "" || body == "" {
				return fmt.Errorf("notification subject and body are required")
			}

			a, err := newApp(nil)
			if err != nil {
				return err
			}
			defer a.close()

			n := &database.Notification{Subject: subject, Body: body, GroupID: group}
			if err := a.db.AddNotification(n); err != nil {
				return fmt.Errorf("while adding notification: %w", err)
			}
			fmt.Println(n.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Notification subject")
	cmd.Flags().StringVar(&body, "body", "", "Notification body")
	cmd.Flags().StringVar(&bodyFile, "body-file", "", "File containing the notification body")
	cmd.Flags().StringVar(&group, "group", "", "Group ID to notify, all users when empty")

	return cmd
}

func notificationSendCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "send NOTIFICATION_ID",
		Short: "Send a pending notification and wait for its delivery",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var outbox *mailer.Outbox
			var sender mailer.Sender
			if dryRun {
				outbox = new(mailer.Outbox)
				sender = outbox
			}

			a, err := newApp(sender)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := signalContext()
			defer cancel()

			if err := a.pool.Start(context.Background()); err != nil {
				return err
			}
			if err := a.dispatcher.Schedule(ctx, args[0]); err != nil {
				a.pool.Shutdown(ctx)
				return fmt.Errorf("while scheduling notification: %w", err)
			}
			if err := a.pool.Shutdown(ctx); err != nil {
				logrus.Warnf("Pending tasks kept for next run: %s", err)
			}

			n, err := a.db.GetNotification(args[0])
			if err != nil {
				return err
			}
			if !n.Sent() {
				return fmt.Errorf("notification %s was not completely dispatched, see logs", n.ID)
			}
			fmt.Printf("Notification %s sent at %s\n", n.ID, n.SentAt.Format(time.RFC3339))
			if outbox != nil {
				fmt.Printf("%d message(s) recorded\n", outbox.Len())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Record messages instead of sending them")

	return cmd
}

func notificationDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete NOTIFICATION_ID",
		Short: "Delete a pending notification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(nil)
			if err != nil {
				return err
			}
			defer a.close()

			err = a.db.DeleteNotification(args[0])
			if errors.Is(err, database.ErrNotificationSent) {
				return fmt.Errorf("notification %s was already sent and can't be deleted", args[0])
			} else if err != nil {
				return err
			}
			fmt.Printf("Notification %s deleted\n", args[0])
			return nil
		},
	}
}

func notificationListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List notifications",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(nil)
			if err != nil {
				return err
			}
			defer a.close()

			notifications, err := a.db.Notifications()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSUBJECT\tGROUP\tCREATED\tSENT")
			for _, n := range notifications {
				sent := "pending"
				if n.Sent() {
					sent = n.SentAt.Format(time.RFC3339)
				}
				group := n.GroupID
				if group == "" {
					group = "all"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", n.ID, n.Subject, group, n.CreatedAt.Format(time.RFC3339), sent)
			}
			return w.Flush()
		},
	}
}
