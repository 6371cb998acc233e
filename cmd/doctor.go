package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/wainbound/internal/config"
	"github.com/nextlevelbuilder/wainbound/internal/providers"
	"github.com/nextlevelbuilder/wainbound/internal/store/sqlite"
	"github.com/nextlevelbuilder/wainbound/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	var ping bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and backend health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor(ping)
		},
	}
	cmd.Flags().BoolVar(&ping, "ping", false, "send a one-token request to each configured backend")
	return cmd
}

func runDoctor(ping bool) {
	fmt.Println("wainbound doctor")
	fmt.Printf("  Version:  %s (bridge protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	fmt.Printf("  Hash:     %s\n", cfg.Hash())
	for _, w := range cfg.Warnings() {
		fmt.Printf("  Warning:  %s\n", w)
	}

	fmt.Println()
	fmt.Println("  Backends:")
	checkBackend("Primary", cfg.Backends.Primary, ping)
	checkBackend("Fallback", cfg.Backends.Fallback, ping)

	fmt.Println()
	fmt.Println("  Channels:")
	wa := cfg.Channels.WhatsApp
	checkChannel("WhatsApp", wa.Enabled, wa.BridgeURL != "")
	fmt.Printf("    %-12s %s\n", "Webhook:", orDefault(wa.WebhookPath, "/webhook/whatsapp"))

	fmt.Println()
	fmt.Println("  Pipeline:")
	agg := cfg.Aggregator.ToAggregatorConfig()
	fmt.Printf("    %-12s quiet=%s size=%d age=%s\n", "Aggregator:", agg.QuietPeriod, agg.MaxBufferSize, agg.MaxBufferAge)
	inv := providers.InvokerConfigFrom(cfg.Invoker)
	fmt.Printf("    %-12s retries=%d/%d cooldown=%s timeout=%s\n", "Invoker:",
		inv.MaxRetries, inv.FallbackMaxRetries, inv.Cooldown, inv.AttemptTimeout)

	fmt.Println()
	if cfg.DeadLetter.Enabled {
		path := config.ExpandHome(cfg.DeadLetter.Path)
		fmt.Printf("  Dead letters: %s", path)
		if s, err := sqlite.Open(path); err != nil {
			fmt.Printf(" (OPEN FAILED: %s)\n", err)
		} else {
			n, _ := s.Count(context.Background())
			s.Close()
			fmt.Printf(" (%d stored)\n", n)
		}
	} else {
		fmt.Println("  Dead letters: disabled")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkBackend(role string, bc config.BackendConfig, ping bool) {
	if !bc.Configured() {
		fmt.Printf("    %-12s (not configured)\n", role+":")
		return
	}
	fmt.Printf("    %-12s %s/%s key=%s", role+":", bc.Label(), bc.Model, maskKey(bc.APIKey))
	if !ping {
		fmt.Println()
		return
	}

	p, err := providers.NewFromConfig(bc)
	if err != nil {
		fmt.Printf(" (INVALID: %s)\n", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	start := time.Now()
	_, err = p.Chat(ctx, providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: "ping"}},
		Options:  map[string]interface{}{providers.OptMaxTokens: 1},
	})
	var httpErr *providers.HTTPError
	switch {
	case err == nil:
		fmt.Printf(" (OK %s)\n", time.Since(start).Round(time.Millisecond))
	case errors.As(err, &httpErr):
		fmt.Printf(" (HTTP %d, %s)\n", httpErr.Status, providers.Classify(err))
	default:
		fmt.Printf(" (UNREACHABLE: %s)\n", err)
	}
}

func maskKey(apiKey string) string {
	if apiKey == "" {
		return "(none)"
	}
	if len(apiKey) <= 8 {
		return strings.Repeat("*", len(apiKey))
	}
	return apiKey[:4] + strings.Repeat("*", len(apiKey)-8) + apiKey[len(apiKey)-4:]
}

func checkChannel(name string, enabled, hasBridge bool) {
	status := "disabled"
	if enabled && hasBridge {
		status = "enabled (webhook + bridge)"
	} else if enabled {
		status = "enabled (webhook only)"
	}
	fmt.Printf("    %-12s %s\n", name+":", status)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
