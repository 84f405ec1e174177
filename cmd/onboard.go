package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goclaw-channeltalk/internal/config"
)

const envFileName = ".env.local"

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive setup wizard for the Channel Talk channel",
		Run: func(cmd *cobra.Command, args []string) {
			cfgPath := resolveConfigPath()
			if canAutoOnboard() {
				if !runAutoOnboard(cfgPath) {
					os.Exit(1)
				}
				return
			}
			if err := runOnboard(cfgPath); err != nil {
				if errors.Is(err, huh.ErrUserAborted) {
					fmt.Println("Onboarding cancelled.")
					return
				}
				fmt.Fprintf(os.Stderr, "onboard: %v\n", err)
				os.Exit(1)
			}
		},
	}
}

// canAutoOnboard reports whether credentials are present in the environment,
// meaning setup should run without prompts (containers, CI).
func canAutoOnboard() bool {
	return os.Getenv("CHANNELTALK_ACCESS_KEY") != "" && os.Getenv("CHANNELTALK_ACCESS_SECRET") != ""
}

// runAutoOnboard writes a config built from defaults plus env vars.
func runAutoOnboard(cfgPath string) bool {
	fmt.Println("Auto-onboard: credentials found in environment, running non-interactive setup...")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Error: %v\n", err)
		return false
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("  Invalid configuration: %v\n", err)
		return false
	}
	ct := cfg.ChannelTalk()
	fmt.Printf("  Webhook:  :%d%s\n", ct.Webhook.Port, ct.Webhook.Path)
	fmt.Printf("  Gateway:  %s\n", cfg.Gateway.URL)

	if err := config.Save(cfgPath, cfg); err != nil {
		fmt.Printf("  Warning: could not save config: %v\n", err)
	} else {
		fmt.Printf("  Config saved to %s\n", cfgPath)
	}
	fmt.Println("Auto-onboard complete. Secrets stay in the environment.")
	return true
}

type onboardAnswers struct {
	accessKey     string
	accessSecret  string
	botName       string
	port          string
	path          string
	groupPolicy   string
	mentionOnly   bool
	allowedGroups string
	gatewayURL    string
	gatewayToken  string
}

// runOnboard prompts for the Channel Talk settings, saves the config without
// secrets and writes the secrets to an env file next to it.
func runOnboard(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	ct := cfg.ChannelTalk()
	a := onboardAnswers{
		accessKey:     ct.AccessKey,
		accessSecret:  ct.AccessSecret,
		botName:       ct.BotName,
		port:          strconv.Itoa(ct.Webhook.Port),
		path:          ct.Webhook.Path,
		groupPolicy:   ct.GroupPolicy,
		mentionOnly:   ct.MentionOnly,
		allowedGroups: strings.Join(ct.AllowedGroups, ", "),
		gatewayURL:    cfg.Gateway.URL,
		gatewayToken:  cfg.Gateway.Token,
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Channel Talk access key").
				Value(&a.accessKey).
				Validate(required("access key")),
			huh.NewInput().
				Title("Channel Talk access secret").
				EchoMode(huh.EchoModePassword).
				Value(&a.accessSecret).
				Validate(required("access secret")),
			huh.NewInput().
				Title("Bot name").
				Description("Shown as the sender of replies and used for mention detection").
				Value(&a.botName),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Webhook port").
				Value(&a.port).
				Validate(validatePort),
			huh.NewInput().
				Title("Webhook path").
				Value(&a.path).
				Validate(validatePath),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Group policy").
				Options(
					huh.NewOption("Open: reply in any group", "open"),
					huh.NewOption("Closed: ignore all groups", "closed"),
				).
				Value(&a.groupPolicy),
			huh.NewInput().
				Title("Allowed group IDs").
				Description("Comma separated; empty allows every group").
				Value(&a.allowedGroups),
			huh.NewConfirm().
				Title("Only reply when the bot is mentioned?").
				Value(&a.mentionOnly),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Agent gateway URL").
				Value(&a.gatewayURL).
				Validate(required("gateway URL")),
			huh.NewInput().
				Title("Agent gateway token").
				EchoMode(huh.EchoModePassword).
				Value(&a.gatewayToken),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	port, _ := strconv.Atoi(a.port)
	ct.AccessKey = strings.TrimSpace(a.accessKey)
	ct.AccessSecret = strings.TrimSpace(a.accessSecret)
	ct.BotName = strings.TrimSpace(a.botName)
	ct.Webhook = config.WebhookConfig{Port: port, Path: a.path}
	ct.GroupPolicy = a.groupPolicy
	ct.MentionOnly = a.mentionOnly
	ct.AllowedGroups = splitList(a.allowedGroups)
	cfg.ReplaceChannelTalk(ct)
	cfg.Gateway.URL = strings.TrimSpace(a.gatewayURL)
	cfg.Gateway.Token = strings.TrimSpace(a.gatewayToken)

	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	fmt.Printf("Config saved to %s\n", cfgPath)

	envPath := filepath.Join(filepath.Dir(cfgPath), envFileName)
	if err := writeEnvFile(envPath, map[string]string{
		"CHANNELTALK_ACCESS_KEY":    ct.AccessKey,
		"CHANNELTALK_ACCESS_SECRET": ct.AccessSecret,
		"CHANNELTALK_GATEWAY_TOKEN": cfg.Gateway.Token,
	}); err != nil {
		return fmt.Errorf("write %s: %w", envPath, err)
	}
	fmt.Printf("Secrets written to %s\n", envPath)
	fmt.Println()
	fmt.Printf("Load them before starting:  set -a; . %s; set +a\n", envPath)
	fmt.Println("Then run:                   channeltalk gateway")
	return nil
}

// writeEnvFile writes KEY=VALUE lines in a stable order, skipping empty values.
func writeEnvFile(path string, vars map[string]string) error {
	keys := []string{"CHANNELTALK_ACCESS_KEY", "CHANNELTALK_ACCESS_SECRET", "CHANNELTALK_GATEWAY_TOKEN"}
	var b strings.Builder
	b.WriteString("# channeltalk secrets, generated by `channeltalk onboard`\n")
	for _, k := range keys {
		if v := vars[k]; v != "" {
			fmt.Fprintf(&b, "%s=%s\n", k, strconv.Quote(v))
		}
	}
	return os.WriteFile(path, []byte(b.String()), 0600)
}

func required(field string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", field)
		}
		return nil
	}
}

func validatePort(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 || n > 65535 {
		return errors.New("port must be between 1 and 65535")
	}
	return nil
}

func validatePath(s string) error {
	if !strings.HasPrefix(s, "/") {
		return errors.New("path must start with /")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
