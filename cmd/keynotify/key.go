package main

import (
	"fmt"
	"io/ioutil"
	"time"

	"github.com/ctrliq/keynotify/pkg/hkp"
	"github.com/ctrliq/keynotify/pkg/keystate"
	"github.com/spf13/cobra"
)

func printKeyState(fingerprint string, s keystate.Status, kr *keystate.KeyRecord) {
	fmt.Printf("Fingerprint: %s\n", fingerprint)
	fmt.Printf("State:       %s\n", s.State)
	if s.State == keystate.Valid {
		if s.Expires() {
			fmt.Printf("Expires in:  %d day(s)\n", s.DaysRemaining)
		} else {
			fmt.Printf("Expires in:  never\n")
		}
	}
	if kr != nil {
		for _, id := range kr.Identities {
			fmt.Printf("Identity:    %s\n", id)
		}
	}
}

func keyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Inspect public keys",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "check FILE",
		Short: "Show the state of an armored public key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := ioutil.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("while reading public key: %s", err)
			}
			s, kr, err := keystate.Evaluate(b, time.Now())
			fingerprint := ""
			if kr != nil {
				fingerprint = kr.Fingerprint
			}
			printKeyState(fingerprint, s, kr)
			if err != nil {
				fmt.Printf("Reason:      %s\n", err)
			}
			return nil
		},
	})

	var keyserver string
	lookupCmd := &cobra.Command{
		Use:   "lookup FINGERPRINT",
		Short: "Fetch a public key from a keyserver and show its state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(nil)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := signalContext()
			defer cancel()

			c, err := a.clients.Get(keyserver)
			if err != nil {
				return err
			}
			kr, err := c.Fetch(ctx, args[0])
			if hkp.IsKind(err, hkp.NotFound) {
				return fmt.Errorf("key %s not found on %s", args[0], c.URL())
			}
			if err != nil {
				return err
			}
			printKeyState(kr.Fingerprint, keystate.Classify(kr, nil, time.Now()), kr)
			return nil
		},
	}
	lookupCmd.Flags().StringVar(&keyserver, "keyserver", "", "Keyserver URL, defaults to the configured keyserver")
	cmd.AddCommand(lookupCmd)

	return cmd
}
