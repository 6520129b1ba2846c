package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/docker/go-units"
	"github.com/fly-io/dsu-installer/pkg/installer"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether an image is installed or running",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := openApp(context.Background(), appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	switch {
	case a.svc.IsRunning():
		fmt.Println("running")
	case a.svc.IsInstalled():
		state := "disabled"
		if a.svc.IsEnabled() {
			state = "enabled"
		}
		fmt.Printf("installed (%s)\n", state)
	default:
		fmt.Println("normal")
		return nil
	}

	dir, err := a.svc.InstalledImageDir()
	if err != nil {
		return nil
	}
	fmt.Printf("  %-10s %s\n", "directory", dir)
	for _, name := range []string{installer.PayloadName, installer.ScratchName} {
		st, err := os.Stat(filepath.Join(dir, name+".img"))
		if err != nil {
			fmt.Printf("  %-10s missing\n", name)
			continue
		}
		fmt.Printf("  %-10s %s\n", name, units.BytesSize(float64(st.Size())))
	}
	return nil
}
