package main

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/ctrliq/keynotify/internal/pkg/profile"
	"github.com/ctrliq/keynotify/pkg/database"
	"github.com/spf13/cobra"
)

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users",
	}

	var (
		name   string
		groups []string
	)
	addCmd := &cobra.Command{
		Use:   "add EMAIL",
		Short: "Register a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(nil)
			if err != nil {
				return err
			}
			defer a.close()

			u := &database.User{Email: args[0], Name: name, Groups: groups}
			if err := a.db.AddUser(u); err != nil {
				return fmt.Errorf("while adding user: %w", err)
			}
			fmt.Println(u.ID)
			return nil
		},
	}
	addCmd.Flags().StringVar(&name, "name", "", "User name")
	addCmd.Flags().StringSliceVar(&groups, "group", nil, "Group ID, may be repeated")
	cmd.AddCommand(addCmd)

	var (
		update  profile.KeyUpdate
		keyFile string
		origin  profile.Origin
	)
	keyCmd := &cobra.Command{
		Use:   "key USER_ID",
		Short: "Update the public key of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if keyFile != "" {
				b, err := ioutil.ReadFile(keyFile)
				if err != nil {
					return fmt.Errorf("while reading public key: %s", err)
				}
				update.PublicKey = string(b)
			}

			a, err := newApp(nil)
			if err != nil {
				return err
			}
			defer a.close()

			u, err := a.updater.UpdateKey(context.Background(), args[0], update, origin)
			if err != nil {
				return err
			}
			fmt.Printf("User %s now uses key %s\n", u.ID, u.Fingerprint)
			return nil
		},
	}
	keyCmd.Flags().StringVar(&update.Fingerprint, "fingerprint", "", "Public key fingerprint")
	keyCmd.Flags().StringVar(&keyFile, "public-key", "", "Armored public key file")
	keyCmd.Flags().StringVar(&update.KeyserverURL, "keyserver", "", "Keyserver to fetch the public key from")
	keyCmd.Flags().StringVar(&origin.IP, "ip", "", "IP address recorded with a key change")
	keyCmd.Flags().StringVar(&origin.Agent, "agent", "", "User agent recorded with a key change")
	cmd.AddCommand(keyCmd)

	var group string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(nil)
			if err != nil {
				return err
			}
			defer a.close()

			users, err := a.db.Users(group)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tEMAIL\tNAME\tFINGERPRINT\tGROUPS")
			for _, u := range users {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", u.ID, u.Email, u.Name, u.Fingerprint, strings.Join(u.Groups, ","))
			}
			return w.Flush()
		},
	}
	listCmd.Flags().StringVar(&group, "group", "", "Only list members of this group")
	cmd.AddCommand(listCmd)

	return cmd
}

func groupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Manage groups",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "add NAME",
		Short: "Create a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(nil)
			if err != nil {
				return err
			}
			defer a.close()

			g := &database.Group{Name: args[0]}
			if err := a.db.AddGroup(g); err != nil {
				return fmt.Errorf("while adding group: %w", err)
			}
			fmt.Println(g.ID)
			return nil
		},
	})

	return cmd
}
