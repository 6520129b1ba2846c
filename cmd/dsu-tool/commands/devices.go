package commands

import (
	"context"
	"fmt"

	"github.com/docker/go-units"
	"github.com/fly-io/dsu-installer/pkg/errors"
	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List device-mapper nodes owned by the installer",
	Args:  cobra.NoArgs,
	RunE:  runDevices,
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}

func runDevices(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := openApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	if a.binder == nil {
		return errors.Software(fmt.Errorf("device-mapper is unavailable"))
	}
	devices, err := a.binder.List(ctx)
	if err != nil {
		return errors.Software(err)
	}
	if len(devices) == 0 {
		fmt.Println("No devices found")
		return nil
	}

	fmt.Printf("%-20s %-30s %s\n", "NAME", "DEVICE", "SIZE")
	for _, d := range devices {
		fmt.Printf("%-20s %-30s %s\n", d.Name, d.DevicePath, units.BytesSize(float64(d.Size)))
	}
	return nil
}
