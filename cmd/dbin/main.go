package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/dbin-net/dbin/internal/membership"
	"github.com/dbin-net/dbin/internal/node"
	"github.com/dbin-net/dbin/internal/registry"
)

func defaultDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".dbin")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// outboundIP finds the address this host uses to reach the outside world.
// Nothing is sent: connecting a UDP socket only picks a route.
func outboundIP() string {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

var rootCmd = &cobra.Command{
	Use:   "dbin",
	Short: "A small LAN file exchange.",
	Long: `dbin moves files between the members of a fixed network.

One hub owns the membership table and pushes it to everyone at start-up.
Peers exchange files with each other and park them in the repository,
which keeps an index of who stored what and hands files back on request.`,
	SilenceUsage: true,
}

// ─── hub ─────────────────────────────────────────────────────────────────────

var hubCmd = &cobra.Command{
	Use:   "hub",
	Short: "Run the hub: distribute the membership table and administer the repository",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := baseConfig(cmd, membership.RoleHub)
		if err != nil {
			return err
		}
		peers, _ := cmd.Flags().GetStringSlice("peers")
		repo, _ := cmd.Flags().GetString("repository")
		if repo == "" {
			return errors.New("hub: --repository is required")
		}
		entries := []membership.Entry{{Addr: cfg.Identity, Role: membership.RoleHub}, {Addr: repo, Role: membership.RoleRepository}}
		for _, p := range peers {
			if p = strings.TrimSpace(p); p != "" {
				entries = append(entries, membership.Entry{Addr: p, Role: membership.RolePeer})
			}
		}
		cfg.Members, err = membership.New(entries)
		if err != nil {
			return err
		}
		return run(cfg)
	},
}

// ─── peer ────────────────────────────────────────────────────────────────────

var peerCmd = &cobra.Command{
	Use:   "peer",
	Short: "Run a peer",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := baseConfig(cmd, membership.RolePeer)
		if err != nil {
			return err
		}
		hub, _ := cmd.Flags().GetString("hub")
		if hub != "" && net.ParseIP(hub) == nil {
			return fmt.Errorf("hub %q is not an IP address", hub)
		}
		cfg.Hub = hub
		return run(cfg)
	},
}

// ─── repository ──────────────────────────────────────────────────────────────

var repositoryCmd = &cobra.Command{
	Use:     "repository",
	Aliases: []string{"repo"},
	Short:   "Run the repository",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := baseConfig(cmd, membership.RoleRepository)
		if err != nil {
			return err
		}
		hub, _ := cmd.Flags().GetString("hub")
		if hub != "" && net.ParseIP(hub) == nil {
			return fmt.Errorf("hub %q is not an IP address", hub)
		}
		cfg.Hub = hub
		store, _ := cmd.Flags().GetString("store")
		reg, err := node.OpenRepositoryRegistry(store, cfg.DataDir)
		if err != nil {
			return err
		}
		defer reg.Close()
		cfg.Registry = reg
		return run(cfg)
	},
}

func baseConfig(cmd *cobra.Command, role membership.Role) (node.Config, error) {
	identity, _ := cmd.Flags().GetString("identity")
	host, _ := cmd.Flags().GetString("host")
	dataDir, _ := cmd.Flags().GetString("data")
	transferPort, _ := cmd.Flags().GetInt("transfer-port")

	if identity == "" {
		identity = outboundIP()
	}
	if net.ParseIP(identity) == nil {
		return node.Config{}, fmt.Errorf("identity %q is not an IP address", identity)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return node.Config{}, err
	}
	ports := node.DefaultPorts()
	if transferPort != 0 {
		ports.Transfer = transferPort
	}
	return node.Config{
		Role:     role,
		Identity: identity,
		Host:     host,
		Ports:    ports,
		DataDir:  dataDir,
	}, nil
}

func run(cfg node.Config) error {
	n, err := node.New(cfg)
	if err != nil {
		return err
	}
	if err := n.Open(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	fmt.Printf("\n  dbin %s\n", cfg.Role)
	fmt.Printf("  Identity : %s\n", cfg.Identity)
	fmt.Printf("  Data     : %s\n", cfg.DataDir)
	if cfg.Registry != nil {
		fmt.Printf("  Storage  : %s\n", cfg.Registry.Root())
	}
	if cfg.Role != membership.RoleHub {
		fmt.Printf("\n  Waiting for the membership table from the hub...\n")
	}

	c := &console{node: n, in: os.Stdin, out: os.Stdout}
	go c.printEvents(ctx)
	go func() {
		select {
		case <-n.Ready():
			c.run(ctx)
		case <-ctx.Done():
		}
	}()

	err = <-done
	switch {
	case errors.Is(err, node.ErrTerminated):
		fmt.Println("\nConnection terminated.")
		return nil
	case err != nil:
		return err
	}
	fmt.Println("\nShutting down.")
	return nil
}

func init() {
	godotenv.Load() //nolint:errcheck

	transferPort, _ := strconv.Atoi(envOr("DBIN_TRANSFER_PORT", "0"))
	for _, cmd := range []*cobra.Command{hubCmd, peerCmd, repositoryCmd} {
		cmd.Flags().String("identity", os.Getenv("DBIN_IDENTITY"), "This node's IP as listed in the membership table (default: outbound address)")
		cmd.Flags().String("host", os.Getenv("DBIN_HOST"), "Bind address (default: identity)")
		cmd.Flags().String("data", envOr("DBIN_DATA", defaultDataDir()), "Data directory")
		cmd.Flags().Int("transfer-port", transferPort, "TCP port for file pushes (default 9000)")
	}

	var peers []string
	if v := os.Getenv("DBIN_PEERS"); v != "" {
		peers = strings.Split(v, ",")
	}
	hubCmd.Flags().StringSlice("peers", peers, "Peer addresses")
	for _, cmd := range []*cobra.Command{peerCmd, repositoryCmd} {
		cmd.Flags().String("hub", os.Getenv("DBIN_HUB"), "Only accept the membership table from this address")
	}
	hubCmd.Flags().String("repository", os.Getenv("DBIN_REPOSITORY"), "Repository address")

	repositoryCmd.Flags().String("store", envOr("DBIN_STORE", registry.BackendBolt),
		"Registry backend: bolt, badger or memory")

	rootCmd.AddCommand(hubCmd, peerCmd, repositoryCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
