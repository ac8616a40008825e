// cmd/vaultctl is a Cobra CLI client for a vault node, adapted from the
// teacher's cmd/client (kvcli): one persistent --server flag, one
// sub-command per vault operation.
//
// Usage:
//
//	vaultctl put immutable <hex32> "payload"        --server http://localhost:8080
//	vaultctl get immutable <hex32>                  --server http://localhost:8080
//	vaultctl cluster nodes                          --server http://localhost:8080
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"vaultd/internal/overlay"
	"vaultd/internal/vaultclient"
)

var (
	serverAddr string
	timeout    time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "vaultctl",
		Short: "CLI client for a single vault node",
	}

	root.PersistentFlags().StringVarP(&serverAddr, "server", "s", "http://localhost:8080", "vault node address")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "HTTP request timeout")

	root.AddCommand(getCmd(), putCmd(), appendCmd(), clusterCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseName(s string) [32]byte {
	p, err := overlay.PeerIDFromHex(s)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return [32]byte(p)
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <immutable|structured|pub-appendable|priv-appendable> <name-hex32> [tag]",
		Short: "Fetch a chunk by id",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := buildID(args)
			if err != nil {
				return err
			}
			c := vaultclient.New(serverAddr, timeout)
			data, err := c.Get(context.Background(), id)
			if err == vaultclient.ErrNotFound {
				fmt.Printf("no such data: %s\n", id)
				return nil
			}
			if err != nil {
				return err
			}
			prettyPrint(data)
			return nil
		},
	}
}

func putCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put immutable <name-hex32> <payload>",
		Short: "Store a new immutable chunk",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] != "immutable" {
				return fmt.Errorf("vaultctl put only supports the immutable kind from the CLI; use the SDK directly for structured/appendable puts")
			}
			name := parseName(args[1])
			data := overlay.NewImmutable(name, []byte(args[2]))
			c := vaultclient.New(serverAddr, timeout)
			idv, err := c.Put(context.Background(), data)
			if err != nil {
				return err
			}
			prettyPrint(idv)
			return nil
		},
	}
}

func appendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "append <pub|priv> <name-hex32> <pointer-hex32> <signed-by>",
		Short: "Append an item to an appendable chunk",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			var kind overlay.DataKind
			switch args[0] {
			case "pub":
				kind = overlay.KindPubAppendable
			case "priv":
				kind = overlay.KindPrivAppendable
			default:
				return fmt.Errorf("kind must be pub or priv")
			}
			name := parseName(args[1])
			pointer := parseName(args[2])
			id := overlay.DataId{Kind: kind, Name: name}
			wrapper := overlay.AppendWrapper{
				Items:    []overlay.AppendItem{{Pointer: pointer, SignedBy: args[3]}},
				SignedBy: args[3],
			}
			c := vaultclient.New(serverAddr, timeout)
			idv, err := c.Append(context.Background(), id, wrapper)
			if err != nil {
				return err
			}
			prettyPrint(idv)
			return nil
		},
	}
}

func buildID(args []string) (overlay.DataId, error) {
	name := parseName(args[1])
	switch args[0] {
	case "immutable":
		return overlay.ImmutableId(name), nil
	case "pub-appendable":
		return overlay.PubAppendableId(name), nil
	case "priv-appendable":
		return overlay.PrivAppendableId(name), nil
	case "structured":
		if len(args) != 3 {
			return overlay.DataId{}, fmt.Errorf("structured requires a tag: get structured <name-hex32> <tag>")
		}
		var tag uint64
		if _, err := fmt.Sscanf(args[2], "%d", &tag); err != nil {
			return overlay.DataId{}, fmt.Errorf("invalid tag %q: %w", args[2], err)
		}
		return overlay.StructuredId(name, tag), nil
	default:
		return overlay.DataId{}, fmt.Errorf("unknown kind %q", args[0])
	}
}

func clusterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Cluster membership commands",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "nodes",
		Short: "List every node the contacted vault believes in",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := vaultclient.New(serverAddr, timeout)
			raw, err := c.ClusterNodes(context.Background())
			if err != nil {
				return err
			}
			fmt.Println(string(raw))
			return nil
		},
	})

	joinCmd := &cobra.Command{
		Use:   "join <name-hex32>",
		Short: "Join a node into the contacted vault's membership view",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			peer, err := overlay.PeerIDFromHex(args[0])
			if err != nil {
				return err
			}
			c := vaultclient.New(serverAddr, timeout)
			return c.JoinCluster(context.Background(), peer)
		},
	}

	leaveCmd := &cobra.Command{
		Use:   "leave <name-hex32>",
		Short: "Remove a node from the contacted vault's membership view",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			peer, err := overlay.PeerIDFromHex(args[0])
			if err != nil {
				return err
			}
			c := vaultclient.New(serverAddr, timeout)
			return c.LeaveCluster(context.Background(), peer)
		},
	}

	cmd.AddCommand(joinCmd, leaveCmd)
	return cmd
}

func prettyPrint(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(data))
}
