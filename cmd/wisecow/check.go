package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Ravi-Teja4/wisecow/internal/logger"
	"github.com/Ravi-Teja4/wisecow/internal/probe"
)

var errUnhealthy = errors.New("server is down")

var checkCmd = &cobra.Command{
	Use:   "check [addr...]",
	Short: "Probe running wisecow servers",
	Long: `Connect to each wisecow server (the configured address by default), send one
request line and classify the answer as UP, DEGRADED or DOWN. A summary is
printed to stdout. Exits 1 when any server is DOWN.`,
	Args: cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := setup()
		if err != nil {
			return err
		}
		addrs := args
		if len(addrs) == 0 {
			addrs = []string{cfg.Server.Addr}
		}
		log := logger.WithComponent("check")
		results := make([]probe.Result, 0, len(addrs))
		for _, addr := range addrs {
			res := probe.Probe(cmd.Context(), addr, cfg.Content.Timeout+cfg.Server.WriteTimeout)
			res.Log(log)
			results = append(results, res)
		}
		summary := probe.Summarize(results)
		fmt.Fprintln(cmd.OutOrStdout(), summary)
		if summary.ExitCode() != 0 {
			return errUnhealthy
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}
