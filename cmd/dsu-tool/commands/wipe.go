package commands

import (
	"context"
	"fmt"

	"github.com/fly-io/dsu-installer/pkg/errors"
	"github.com/spf13/cobra"
)

var wipeCmd = &cobra.Command{
	Use:   "wipe",
	Short: "Completely remove the installed image and its data",
	Args:  cobra.NoArgs,
	RunE:  runWipe,
}

var wipeDataCmd = &cobra.Command{
	Use:   "wipe-data",
	Short: "Clear the scratch partition of the installed image",
	Args:  cobra.NoArgs,
	RunE:  runWipeData,
}

func init() {
	rootCmd.AddCommand(wipeCmd)
	rootCmd.AddCommand(wipeDataCmd)
}

func runWipe(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := openApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.svc.Remove(ctx); err != nil {
		return errors.Software(err)
	}
	if a.svc.IsRunning() {
		fmt.Println("Installed image will be removed on the next reboot.")
		return nil
	}
	fmt.Println("Installed image successfully removed.")
	return nil
}

func runWipeData(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := openApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.svc.WipeScratch(ctx); err != nil {
		return errors.Software(err)
	}
	fmt.Println("Scratch data successfully wiped.")
	return nil
}
