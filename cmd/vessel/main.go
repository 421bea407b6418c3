// Command vessel is the command-line client for the vesseld daemon.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/vesselvm/vessel/internal/api"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "vessel: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vessel",
		Short: "Vessel container lifecycle client",
		Long:  "Vessel drives container lifecycle operations on a vesseld daemon over its Unix socket.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringP("socket", "s", envOrDefault("VESSEL_SOCKET", "/run/vesseld/vesseld.sock"), "vesseld socket path")

	cmd.AddCommand(newCreateCmd())
	cmd.AddCommand(newStartCmd())
	cmd.AddCommand(newKillCmd())
	cmd.AddCommand(newDeleteCmd())
	cmd.AddCommand(newStateCmd())
	cmd.AddCommand(newConnectCmd())
	cmd.AddCommand(newEventsCmd())
	return cmd
}

// clientFromCmd dials the daemon named by the --socket flag.
func clientFromCmd(cmd *cobra.Command) (*api.Client, error) {
	socketPath, err := cmd.Flags().GetString("socket")
	if err != nil {
		return nil, err
	}
	return api.Dial(socketPath)
}

func encodeAsJSON(out io.Writer, payload any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

func newCreateCmd() *cobra.Command {
	var bundle string
	cmd := &cobra.Command{
		Use:   "create <container-id>",
		Short: "Create a container in the VM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Create(args[0], bundle); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVarP(&bundle, "bundle", "b", "", "container bundle path inside the guest")
	cmd.MarkFlagRequired("bundle")
	return cmd
}

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <container-id>",
		Short: "Start a created container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Start(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "started %s\n", args[0])
			return nil
		},
	}
}

func newKillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kill <container-id>",
		Short: "Stop a created or running container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Kill(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "killed %s\n", args[0])
			return nil
		},
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <container-id>",
		Short: "Remove a created or stopped container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func newStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state <container-id>",
		Short: "Show a container's state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			st, err := client.State(args[0])
			if err != nil {
				return err
			}
			return encodeAsJSON(cmd.OutOrStdout(), st)
		},
	}
}

func newConnectCmd() *cobra.Command {
	var port uint32
	cmd := &cobra.Command{
		Use:   "connect <container-id>",
		Short: "Request a guest session handoff",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Connect(args[0], port); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "connect accepted on port %s\n", strconv.FormatUint(uint64(port), 10))
			return nil
		},
	}
	cmd.Flags().Uint32VarP(&port, "port", "p", 0, "vsock port for the session")
	cmd.MarkFlagRequired("port")
	return cmd
}

func newEventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events <container-id>",
		Short: "Show a container's lifecycle journal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			events, err := client.Events(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-24s %-10s %-10s %-10s\n", "TIME", "OPERATION", "FROM", "TO")
			for _, e := range events {
				fmt.Fprintf(out, "%-24s %-10s %-10s %-10s\n",
					e.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
					e.Operation, e.FromStatus, e.ToStatus)
			}
			return nil
		},
	}
}
