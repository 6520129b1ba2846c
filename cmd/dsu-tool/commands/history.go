package commands

import (
	"context"
	"fmt"

	"github.com/docker/go-units"
	"github.com/fly-io/dsu-installer/pkg/errors"
	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List past install sessions",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum number of sessions (0 for all)")
}

func runHistory(cmd *cobra.Command, args []string) error {
	a, err := openApp(context.Background(), appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	installs, err := a.history.List(historyLimit)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(installs) == 0 {
		fmt.Println("No installs found")
		return nil
	}

	fmt.Printf("%-10s %-10s %-10s %-14s %-20s %s\n", "SESSION", "STATUS", "SIZE", "STRATEGY", "CREATED", "ERROR")
	fmt.Println("------------------------------------------------------------------------------------------------")

	for _, in := range installs {
		session := in.SessionID
		if len(session) > 8 {
			session = session[:8]
		}
		strategy := in.Strategy
		if strategy == "" {
			strategy = "-"
		}
		failure := "-"
		if in.ErrorCode != "" {
			failure = fmt.Sprintf("%s: %s", in.ErrorCode, in.ErrorMessage)
		}

		fmt.Printf("%-10s %-10s %-10s %-14s %-20s %s\n",
			session, in.Status, units.BytesSize(float64(in.PayloadSize)), strategy, in.CreatedAt, failure)
	}

	return nil
}
