package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/danmuck/smsrelay/internal/auth"
	"github.com/danmuck/smsrelay/internal/config"
	"github.com/danmuck/smsrelay/internal/discovery"
	"github.com/danmuck/smsrelay/internal/history"
	"github.com/danmuck/smsrelay/internal/hub"
	logs "github.com/danmuck/smsrelay/internal/logging"
	"github.com/danmuck/smsrelay/internal/observability"
	"github.com/danmuck/smsrelay/internal/protocol"
	"github.com/danmuck/smsrelay/internal/protocol/session"
)

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "hubctl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "hubctl",
		Short:         "SMS/call relay hub",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to hubctl config.toml")
	root.AddCommand(newServeCmd(), newPairCmd(), newInitConfigCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the hub",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			observability.InitLogger("hubctl")
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg hubctlConfig) error {
	stateFile := config.HubStateFile{Path: cfg.StatePath}
	cred, created, err := stateFile.LoadOrCreate()
	if err != nil {
		return err
	}
	if created {
		logs.Infof("hubctl.serve generated credential state=%q", cfg.StatePath)
	}

	var store history.Store = history.NewMemory(history.DefaultMemoryLimit)
	if cfg.HistoryPath != "" {
		sqlStore, err := history.OpenSQLite(ctx, cfg.HistoryPath, cfg.HistoryLimit)
		if err != nil {
			return err
		}
		store = sqlStore
	}
	defer store.Close() //nolint:errcheck

	h, err := hub.New(cfg.Hub, cred, logObserver(), hub.WithHistory(store), hub.WithCredentialStore(stateFile))
	if err != nil {
		return err
	}
	defer h.Close()
	logs.Infof("hubctl.serve mode=%s pairing_code=%s", cfg.Hub.Mode, cred.Code)

	if cfg.Hub.Mode == hub.ModeBridge {
		go func() {
			if err := hub.NewBridge(h, nil).Run(ctx); err != nil && ctx.Err() == nil {
				logs.Errf("hubctl.serve bridge err=%v", err)
			}
		}()
	} else if cfg.MDNSEnabled {
		if shutdown := advertise(cfg, h); shutdown != nil {
			defer shutdown()
		}
	}
	return hub.NewServer(h, cfg.Server).Run(ctx)
}

func advertise(cfg hubctlConfig, h *hub.Hub) func() {
	_, portStr, err := net.SplitHostPort(cfg.Server.ListenAddr)
	if err != nil {
		logs.Warnf("hubctl.advertise addr=%q err=%v", cfg.Server.ListenAddr, err)
		return nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		logs.Warnf("hubctl.advertise port=%q err=%v", portStr, err)
		return nil
	}
	shutdown, err := discovery.Advertise(discovery.Advert{
		Instance: cfg.Server.DeviceName,
		Port:     port,
		Path:     cfg.Server.WSPath,
		CodeHint: discovery.CodeHint(h.PairingCode()),
	})
	if err != nil {
		logs.Warnf("hubctl.advertise err=%v", err)
		return nil
	}
	return shutdown
}

func logObserver() hub.Observer {
	return hub.ObserverFuncs{
		Message: func(e history.Entry) {
			if e.VerificationCode != "" {
				logs.Infof("hubctl %s id=%q from=%q code=%s", e.Kind, e.ID, e.From, e.VerificationCode)
				return
			}
			logs.Infof("hubctl %s id=%q from=%q", e.Kind, e.ID, e.From)
		},
		CommandResult: func(msg protocol.Message) {
			logs.Infof("hubctl result type=%s", msg.MessageType())
		},
		AuthState: func(peer session.PeerInfo, count int) {
			logs.Infof("hubctl peers=%d device=%q app_version=%q", count, peer.Device, peer.AppVersion)
		},
		ServerState: func(state string) {
			logs.Infof("hubctl state=%q", state)
		},
	}
}

func newPairCmd() *cobra.Command {
	pair := &cobra.Command{
		Use:   "pair",
		Short: "Inspect or rotate the pairing credential",
	}

	var host string
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the pairing code and QR payload",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			cred, _, err := config.HubStateFile{Path: cfg.StatePath}.LoadOrCreate()
			if err != nil {
				return err
			}
			return printPairing(cmd, cfg, cred, host)
		},
	}
	show.Flags().StringVar(&host, "host", "", "host:port agents use to reach the hub (defaults to listen_addr)")

	rotate := &cobra.Command{
		Use:   "rotate",
		Short: "Generate a new token; running hubs pick it up via POST /pairing/rotate",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			cred, err := auth.NewCredential()
			if err != nil {
				return err
			}
			if err := (config.HubStateFile{Path: cfg.StatePath}).SaveCredential(cred); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pairing code: %s\n", cred.Code)
			return nil
		},
	}
	pair.AddCommand(show, rotate)
	return pair
}

func printPairing(cmd *cobra.Command, cfg hubctlConfig, cred auth.Credential, host string) error {
	url := cfg.Server.PublicURL
	if url == "" {
		if host == "" {
			host = cfg.Server.ListenAddr
		}
		if strings.HasPrefix(host, ":") {
			host = "localhost" + host
		}
		scheme := "ws"
		if cfg.Hub.Session.TLS.Enabled {
			scheme = "wss"
		}
		url = scheme + "://" + host + cfg.Server.WSPath
	}
	payload := auth.NewPairingPayload(url, cred, cfg.Server.DeviceName)
	if err := payload.Validate(); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "pairing code: %s\n%s\n", cred.Code, raw)
	return nil
}

func newInitConfigCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init-config [path]",
		Short: "Write a hubctl config template",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "config.toml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.WriteTemplate(path, "hub", force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}
