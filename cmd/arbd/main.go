// Command arbd runs one participant in an authenticated asynchronous
// reliable broadcast cluster, or helps generate and inspect the key and
// directory files a cluster needs.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/quorumcast/arb/common/log"
	"github.com/quorumcast/arb/config"
	"github.com/quorumcast/arb/internal/directory"
	"github.com/quorumcast/arb/internal/sign"
	"github.com/quorumcast/arb/internal/wire"
	"github.com/quorumcast/arb/metrics"
	"github.com/quorumcast/arb/metrics/pprof"
	"github.com/quorumcast/arb/node"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "arbd",
		Version: version,
		Usage:   "authenticated asynchronous reliable broadcast node",
		Commands: []*cli.Command{
			keygenCmd,
			directoryCmd,
			runCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var keygenCmd = &cli.Command{
	Name:      "keygen",
	Usage:     "keygen generates a new Ed25519 key pair",
	ArgsUsage: "OUT_PREFIX",
	Action: func(c *cli.Context) error {
		if c.Args().Len() != 1 {
			return fmt.Errorf("keygen requires exactly one argument: the output file prefix")
		}
		prefix := c.Args().First()

		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return fmt.Errorf("generating key: %w", err)
		}

		keyBytes, err := config.EncodeSigner(priv.Seed())
		if err != nil {
			return fmt.Errorf("encoding private key: %w", err)
		}
		if err := os.WriteFile(prefix+".key.toml", keyBytes, 0o600); err != nil {
			return fmt.Errorf("writing private key file: %w", err)
		}

		fmt.Printf("public key: %s (fingerprint %s)\n", hex.EncodeToString(pub), config.Fingerprint(pub))
		fmt.Printf("wrote private key to %s.key.toml\n", prefix)
		return nil
	},
}

// directoryCmd assembles a multi-node directory TOML file from individual
// public identities — each --node flag contributes one participant, so
// operators can build a cluster's directory by collecting the public key
// each node's keygen run printed, without any of them needing to see the
// others' private keys.
var directoryCmd = &cli.Command{
	Name:      "directory",
	Usage:     "directory assembles a node directory toml from individual public identities",
	ArgsUsage: "OUT_FILE",
	Flags: []cli.Flag{
		&cli.UintFlag{Name: "my-id", Usage: "this node's id within the directory", Required: true},
		&cli.StringSliceFlag{Name: "node", Usage: "id=address=pubkeyhex, repeated once per participant", Required: true},
	},
	Action: func(c *cli.Context) error {
		if c.Args().Len() != 1 {
			return fmt.Errorf("directory requires exactly one argument: the output file path")
		}
		out := c.Args().First()

		var nodes []directory.Node
		for _, spec := range c.StringSlice("node") {
			parts := strings.SplitN(spec, "=", 3)
			if len(parts) != 3 {
				return fmt.Errorf("invalid --node %q: expected id=address=pubkeyhex", spec)
			}
			id, err := strconv.ParseUint(parts[0], 10, 16)
			if err != nil {
				return fmt.Errorf("invalid --node %q: bad id: %w", spec, err)
			}
			pub, err := hex.DecodeString(parts[2])
			if err != nil {
				return fmt.Errorf("invalid --node %q: bad pubkeyhex: %w", spec, err)
			}
			if len(pub) != sign.PublicKeySize {
				return fmt.Errorf("invalid --node %q: public key must be %d bytes, got %d", spec, sign.PublicKeySize, len(pub))
			}
			nodes = append(nodes, directory.Node{ID: uint16(id), Address: parts[1], VerifyingKey: pub})
		}

		dir, err := directory.New(nodes, uint16(c.Uint("my-id")))
		if err != nil {
			return fmt.Errorf("assembling directory: %w", err)
		}
		encoded, err := config.EncodeDirectory(dir)
		if err != nil {
			return fmt.Errorf("encoding directory: %w", err)
		}
		if err := os.WriteFile(out, encoded, 0o644); err != nil {
			return fmt.Errorf("writing directory file: %w", err)
		}
		fmt.Printf("wrote directory for %d nodes to %s\n", len(nodes), out)
		return nil
	},
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run starts a node serving the directory entry for the directory file's my_id",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "directory", Usage: "path to the node directory toml file", Required: true},
		&cli.StringFlag{Name: "key", Usage: "path to this node's private key toml file", Required: true},
		&cli.BoolFlag{Name: "debug", Aliases: []string{"d"}, Usage: "enable debug logging"},
		&cli.StringFlag{Name: "metrics", Usage: "local host:port to bind a metrics servlet (optional)"},
	},
	Action: func(c *cli.Context) error {
		level := log.InfoLevel
		if c.Bool("debug") {
			level = log.DebugLevel
		}
		l := log.New(nil, level, false)

		dir, err := config.LoadDirectoryFile(c.String("directory"))
		if err != nil {
			return fmt.Errorf("loading directory: %w", err)
		}
		signer, err := config.LoadSignerFile(c.String("key"))
		if err != nil {
			return fmt.Errorf("loading private key: %w", err)
		}
		if !dir.Me().VerifyingKey.Equal(signer.Public()) {
			return fmt.Errorf("private key does not match the directory's public key for id %d", dir.MeID())
		}

		collector := metrics.NewCollector()
		if c.IsSet("metrics") {
			ln := metrics.Start(c.String("metrics"), pprof.WithProfile())
			if ln != nil {
				defer ln.Close()
			}
		}

		opts := node.Options{Metrics: collector, Config: node.DefaultConfig()}
		n, err := node.New(l, dir, signer, dir.Me().Address, opts)
		if err != nil {
			return fmt.Errorf("starting node: %w", err)
		}

		n.OnDeliver(func(id wire.Identifier, payload []byte) {
			l.Infow("delivered", "id", id.String(), "bytes", len(payload))
		})

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			l.Infow("shutting down")
			n.Stop()
		}()

		l.Infow("node starting",
			"id", dir.MeID(), "address", dir.Me().Address, "n", dir.N(), "t", dir.T(),
			"fingerprint", config.Fingerprint(dir.Me().VerifyingKey))
		for _, peer := range dir.All() {
			if peer.ID == dir.MeID() {
				continue
			}
			l.Debugw("directory peer", "id", peer.ID, "address", peer.Address, "fingerprint", config.Fingerprint(peer.VerifyingKey))
		}
		n.Run()
		return nil
	},
}
