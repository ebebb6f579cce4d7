package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/danmuck/smsrelay/internal/agent"
	"github.com/danmuck/smsrelay/internal/auth"
	"github.com/danmuck/smsrelay/internal/config"
	"github.com/danmuck/smsrelay/internal/discovery"
	logs "github.com/danmuck/smsrelay/internal/logging"
	"github.com/danmuck/smsrelay/internal/observability"
	"github.com/danmuck/smsrelay/internal/protocol"
	"github.com/danmuck/smsrelay/internal/protocol/session"
	"github.com/danmuck/smsrelay/internal/transport"
)

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "agentctl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "agentctl",
		Short:         "SMS/call relay agent with a console platform",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to agentctl config.toml")
	root.AddCommand(newRunCmd(), newPairCmd(), newUnpairCmd(), newDiscoverCmd(), newInitConfigCmd())
	return root
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to the paired hub and relay events read from stdin",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			observability.InitLogger("agentctl")
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, cmd)
		},
	}
}

func run(ctx context.Context, cfg agentctlConfig, cmd *cobra.Command) error {
	pairing, err := config.PairingFile{Path: cfg.PairingPath}.Load()
	if err != nil {
		return err
	}
	if pairing == nil {
		logs.Warnf("agentctl.run not paired path=%q; run `agentctl pair` first", cfg.PairingPath)
	}
	tlsCfg, err := transport.ClientTLSConfig(cfg.Agent.Session.TLS)
	if err != nil {
		return err
	}
	dialer := transport.WebsocketDialer{
		HandshakeTimeout: cfg.Agent.Session.ConnectTimeout,
		WriteTimeout:     cfg.Agent.Session.WriteTimeout,
		TLSConfig:        tlsCfg,
	}

	platform := &consolePlatform{out: cmd.OutOrStdout()}
	sess := agent.NewSession(cfg.Agent, dialer, pairing, platform.Platform(), logObserver())
	relay := agent.NewRelay(sess, nil)
	sess.Start(ctx)
	defer sess.Close()

	if cfg.AdminListenAddr != "" {
		go func() {
			if err := newAdmin(sess).Run(ctx, cfg.AdminListenAddr); err != nil {
				logs.Errf("agentctl.run admin err=%v", err)
			}
		}()
	}

	errc := make(chan error, 1)
	go func() { errc <- feed(ctx, cmd.InOrStdin(), relay) }()
	select {
	case <-ctx.Done():
		return nil
	case err := <-errc:
		if err != nil {
			return err
		}
		// stdin closed; keep relaying commands until interrupted.
		<-ctx.Done()
		return nil
	}
}

func logObserver() agent.Observer {
	return agent.ObserverFuncs{
		Event: func(msg protocol.Message) {
			logs.Debugf("agentctl sent type=%s", msg.MessageType())
		},
		CommandResult: func(msg protocol.Message) {
			logs.Infof("agentctl result type=%s", msg.MessageType())
		},
		AuthState: func(ok bool) {
			logs.Infof("agentctl authenticated=%t", ok)
		},
		ConnectionState: func(state session.State) {
			logs.Infof("agentctl state=%s", state)
		},
	}
}

func newPairCmd() *cobra.Command {
	var url, code string
	cmd := &cobra.Command{
		Use:   "pair [payload|@file]",
		Short: "Store a hub pairing from a QR payload or a manual url and code",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			payload, err := pairingFromArgs(args, url, code)
			if err != nil {
				return err
			}
			if err := cfg.Agent.Session.ValidateClientTransport(payload.URL); err != nil {
				return err
			}
			if err := (config.PairingFile{Path: cfg.PairingPath}).Save(payload); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "paired with %s\n", payload.URL)
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "hub websocket url for manual pairing")
	cmd.Flags().StringVar(&code, "code", "", "six digit pairing code shown by the hub")
	return cmd
}

func pairingFromArgs(args []string, url, code string) (auth.PairingPayload, error) {
	if len(args) == 1 {
		if url != "" || code != "" {
			return auth.PairingPayload{}, fmt.Errorf("pair: use either a payload or --url/--code")
		}
		raw := []byte(args[0])
		if path, ok := strings.CutPrefix(args[0], "@"); ok {
			data, err := os.ReadFile(path)
			if err != nil {
				return auth.PairingPayload{}, fmt.Errorf("pair: %w", err)
			}
			raw = data
		}
		return auth.ParsePairingPayload(raw)
	}
	if url == "" || code == "" {
		return auth.PairingPayload{}, fmt.Errorf("pair: payload or both --url and --code are required")
	}
	payload := auth.PairingPayload{
		Version:      auth.PairingVersion,
		URL:          strings.TrimSpace(url),
		PairingToken: strings.TrimSpace(code),
		ExpiresAtMS:  auth.NoExpiryMS,
	}
	if err := payload.Validate(); err != nil {
		return auth.PairingPayload{}, err
	}
	return payload, nil
}

func newUnpairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unpair",
		Short: "Forget the stored hub pairing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if err := (config.PairingFile{Path: cfg.PairingPath}).Clear(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "pairing cleared")
			return nil
		},
	}
}

func newDiscoverCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Browse the local network for hubs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			hubs, err := discovery.Browse(ctx)
			if err != nil {
				return err
			}
			if len(hubs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no hubs found")
				return nil
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, h := range hubs {
				if err := enc.Encode(h); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "how long to browse")
	return cmd
}

func newInitConfigCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init-config [path]",
		Short: "Write an agentctl config template",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "config.toml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.WriteTemplate(path, "agent", force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}
