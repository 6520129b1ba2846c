package commands

import (
	"context"
	"fmt"

	"github.com/fly-io/dsu-installer/pkg/errors"
	"github.com/spf13/cobra"
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Run start-up recovery: clean up interrupted installs and pending wipes",
	Args:  cobra.NoArgs,
	RunE:  runRecover,
}

func init() {
	rootCmd.AddCommand(recoverCmd)
}

func runRecover(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := openApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.svc.RunStartupTasks(ctx); err != nil {
		return errors.Software(err)
	}
	fmt.Println("Start-up tasks complete.")
	return nil
}
