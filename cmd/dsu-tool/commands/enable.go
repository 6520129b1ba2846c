package commands

import (
	"context"
	"fmt"

	"github.com/fly-io/dsu-installer/pkg/errors"
	"github.com/spf13/cobra"
)

var enableSingleBoot bool

var enableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Enable a previously disabled installed image",
	Args:  cobra.NoArgs,
	RunE:  runEnable,
}

var disableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Keep the installed image but stop booting into it",
	Args:  cobra.NoArgs,
	RunE:  runDisable,
}

func init() {
	rootCmd.AddCommand(enableCmd)
	rootCmd.AddCommand(disableCmd)
	enableCmd.Flags().BoolVar(&enableSingleBoot, "single-boot", false, "Boot the image once, then return to the normal system")
}

func runEnable(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := openApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	if !a.svc.IsInstalled() {
		return errors.Software(fmt.Errorf("could not find an installed image to enable: %w", errors.ErrNotInstalled))
	}
	if err := a.svc.Enable(ctx, enableSingleBoot); err != nil {
		return errors.Software(fmt.Errorf("error enabling installed image, error code %s: %w", errors.Code(err), err))
	}
	fmt.Println("Installed image successfully enabled.")
	return nil
}

func runDisable(cmd *cobra.Command, args []string) error {
	a, err := openApp(context.Background(), appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.svc.Disable(); err != nil {
		return errors.Software(err)
	}
	fmt.Println("Installed image successfully disabled.")
	return nil
}
