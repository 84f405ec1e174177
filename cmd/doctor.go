package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/goclaw-channeltalk/internal/agent"
	"github.com/nextlevelbuilder/goclaw-channeltalk/internal/config"
	"github.com/nextlevelbuilder/goclaw-channeltalk/internal/sessions"
	"github.com/nextlevelbuilder/goclaw-channeltalk/pkg/protocol"
)

const doctorProbeTimeout = 5 * time.Second

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, session store and agent gateway health",
		Run: func(cmd *cobra.Command, args []string) {
			if !runDoctor() {
				os.Exit(1)
			}
		},
	}
}

// runDoctor prints a health report. Returns false when any check failed.
func runDoctor() bool {
	fmt.Println("channeltalk doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults + env)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return false
	}
	ok := true

	ct := cfg.MaskedCopy().Channels.ChannelTalk
	fmt.Println()
	fmt.Println("  Channel Talk:")
	fmt.Printf("    %-16s %s\n", "Enabled:", yesNo(ct.IsEnabled()))
	fmt.Printf("    %-16s %s\n", "Access key:", orNotSet(ct.AccessKey))
	fmt.Printf("    %-16s %s\n", "Access secret:", orNotSet(ct.AccessSecret))
	fmt.Printf("    %-16s :%d%s\n", "Webhook:", ct.Webhook.Port, ct.Webhook.Path)
	fmt.Printf("    %-16s %s\n", "Bot name:", orNotSet(ct.BotName))
	fmt.Printf("    %-16s %s\n", "Group policy:", ct.GroupPolicy)
	fmt.Printf("    %-16s %s\n", "Allowed groups:", listOrAll(ct.AllowedGroups))
	fmt.Printf("    %-16s %s\n", "Mention only:", yesNo(ct.MentionOnly))
	if err := cfg.Validate(); err != nil {
		fmt.Printf("    %-16s FAILED (%s)\n", "Validate:", err)
		ok = false
	} else {
		fmt.Printf("    %-16s OK\n", "Validate:")
	}

	// Store and gateway checks are independent; run them together.
	var storeResult, gatewayResult string
	ctx, cancel := context.WithTimeout(context.Background(), doctorProbeTimeout)
	defer cancel()

	var g errgroup.Group
	g.Go(func() error {
		err := checkSessionStore(ctx, cfg)
		storeResult = resultLine(err)
		return err
	})
	g.Go(func() error {
		err := agent.NewGatewayDispatcher(agent.GatewayOptions{
			URL:   cfg.Gateway.URL,
			Token: cfg.Gateway.Token,
		}).Probe(ctx)
		gatewayResult = resultLine(err)
		return err
	})
	if err := g.Wait(); err != nil {
		ok = false
	}

	fmt.Println()
	fmt.Println("  Session store:")
	fmt.Printf("    %-16s %s\n", "Driver:", cfg.Session.Driver)
	if cfg.Session.Driver == "" || cfg.Session.Driver == "file" {
		fmt.Printf("    %-16s %s\n", "Path:", sessions.ResolveStorePath(cfg.Session.Store, cfg.ResolveDefaultAgentID()))
	}
	fmt.Printf("    %-16s %s\n", "Status:", storeResult)

	fmt.Println()
	fmt.Println("  Agent gateway:")
	fmt.Printf("    %-16s %s\n", "URL:", cfg.Gateway.URL)
	fmt.Printf("    %-16s %s\n", "Status:", gatewayResult)

	fmt.Println()
	if ok {
		fmt.Println("Doctor check complete.")
	} else {
		fmt.Println("Doctor found problems.")
	}
	return ok
}

// checkSessionStore opens the configured store and reads one key.
func checkSessionStore(ctx context.Context, cfg *config.Config) error {
	store, err := sessions.Open(cfg.Session)
	if err != nil {
		return err
	}
	defer store.Close()
	path := sessions.ResolveStorePath(cfg.Session.Store, cfg.ResolveDefaultAgentID())
	_, _, err = store.ReadUpdatedAt(ctx, path, "doctor:probe")
	return err
}

func resultLine(err error) string {
	if err != nil {
		return "FAILED (" + err.Error() + ")"
	}
	return "OK"
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func orNotSet(s string) string {
	if s == "" {
		return "(not set)"
	}
	return s
}

func listOrAll(list []string) string {
	if len(list) == 0 {
		return "(all)"
	}
	return strings.Join(list, ", ")
}
