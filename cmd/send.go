package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goclaw-channeltalk/internal/bus"
	"github.com/nextlevelbuilder/goclaw-channeltalk/internal/channels"
	"github.com/nextlevelbuilder/goclaw-channeltalk/internal/config"
	"github.com/nextlevelbuilder/goclaw-channeltalk/internal/sessions"
)

func sendCmd() *cobra.Command {
	var (
		groupID string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Post a message to a Channel Talk group through the Open API",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			setupLogging()
			if err := runSend(groupID, strings.Join(args, " "), timeout); err != nil {
				fmt.Fprintf(os.Stderr, "send: %v\n", err)
				os.Exit(1)
			}
		},
	}
	cmd.Flags().StringVar(&groupID, "group", "", "target group ID (required)")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall send timeout")
	_ = cmd.MarkFlagRequired("group")
	return cmd
}

func runSend(groupID, message string, timeout time.Duration) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	msgBus := bus.New()
	defer msgBus.Close()
	mgr := channels.NewManager(msgBus, msgBus)

	// The session store is never touched on the outbound path.
	ch, err := buildChannel(cfg, sessions.NewFileStore(), bus.NewSystemEvents(msgBus), mgr)
	if err != nil {
		return err
	}
	mgr.RegisterChannel(ch.Name(), ch)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := mgr.SendToChannel(ctx, ch.Name(), groupID, message); err != nil {
		return err
	}
	fmt.Printf("Sent to group %s\n", groupID)
	return nil
}
