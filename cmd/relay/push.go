package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ConorRoberts/ticket-marketplace-sub000/client"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	flagPushURL    string
	flagPushRoom   string
	flagPushFile   string
	flagPushSecret string
)

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Push a serialized envelope into a room over HTTP",
	RunE:  runPush,
}

func init() {
	flags := pushCmd.Flags()
	flags.StringVar(&flagPushURL, "url", "http://localhost:1999", "relay base URL")
	flags.StringVar(&flagPushRoom, "room", "", "target room")
	flags.StringVar(&flagPushFile, "file", "-", "envelope JSON file, or - for stdin")
	flags.StringVar(&flagPushSecret, "secret", os.Getenv("RELAY_PUSH_SECRET"), "push bearer secret (from env RELAY_PUSH_SECRET if set)")
	_ = pushCmd.MarkFlagRequired("room")
}

func runPush(cmd *cobra.Command, args []string) error {
	var (
		body []byte
		err  error
	)
	if flagPushFile == "-" {
		body, err = io.ReadAll(cmd.InOrStdin())
	} else {
		body, err = os.ReadFile(flagPushFile)
	}
	if err != nil {
		return fmt.Errorf("read envelope: %w", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()

	emitter := client.NewEmitter(flagPushURL, flagPushSecret, nil)
	if err := emitter.EmitRaw(ctx, flagPushRoom, body); err != nil {
		var pushErr *client.PushError
		if errors.As(err, &pushErr) {
			logrus.WithFields(logrus.Fields{
				"room":   flagPushRoom,
				"status": pushErr.StatusCode,
			}).Errorf("relay: push rejected")
		}
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "pushed to %s\n", flagPushRoom)
	return nil
}
