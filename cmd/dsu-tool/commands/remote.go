package commands

import (
	"context"
	"fmt"

	"github.com/docker/go-units"
	"github.com/fly-io/dsu-installer/pkg/errors"
	"github.com/spf13/cobra"
)

var remotePrefix string

var remoteListCmd = &cobra.Command{
	Use:   "remote-list",
	Short: "List system images available in the S3 bucket",
	Args:  cobra.NoArgs,
	RunE:  runRemoteList,
}

func init() {
	rootCmd.AddCommand(remoteListCmd)
	remoteListCmd.Flags().StringVar(&remotePrefix, "prefix", "", "Only list keys with this prefix")
}

func runRemoteList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := newStorageClient(ctx, cfg)
	if err != nil {
		return err
	}

	objects, err := client.ListObjects(ctx, remotePrefix)
	if err != nil {
		return errors.Software(err)
	}
	if len(objects) == 0 {
		fmt.Println("No images found")
		return nil
	}

	fmt.Printf("%-60s %s\n", "S3 KEY", "SIZE")
	for _, obj := range objects {
		fmt.Printf("%-60s %s\n", obj.Key, units.BytesSize(float64(obj.Size)))
	}
	return nil
}
