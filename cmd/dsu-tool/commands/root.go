package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/fly-io/dsu-installer/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// LogLevel is raised to debug by --verbose.
var LogLevel = new(slog.LevelVar)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "dsu-tool",
	Short: "Dynamic system updates - install and boot a system image from userdata",
	Long: `Installs a system image into preallocated files on the data partition and
arranges for the next boot to use it, without touching the running system.`,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			LogLevel.Set(slog.LevelDebug)
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(errors.ExitCode(err))
	}
}

func init() {
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return errors.Usage(err)
	})

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
	rootCmd.PersistentFlags().String("metadata-dir", "/metadata/gsi/dsu", "Directory holding the install markers")
	rootCmd.PersistentFlags().String("sqlite-path", "/metadata/gsi/dsu/history.db", "SQLite install history path")
	rootCmd.PersistentFlags().String("fsm-db-path", "/metadata/gsi/dsu/fsm", "FSM BoltDB path")
	rootCmd.PersistentFlags().String("dm-prefix", "dsu-", "Device-mapper node name prefix")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 bucket holding system images")
	rootCmd.PersistentFlags().String("s3-region", "us-east-1", "S3 region")
	rootCmd.PersistentFlags().String("s3-endpoint", "", "S3 compatible endpoint URL")

	viper.BindPFlag("metadata-dir", rootCmd.PersistentFlags().Lookup("metadata-dir"))
	viper.BindPFlag("sqlite-path", rootCmd.PersistentFlags().Lookup("sqlite-path"))
	viper.BindPFlag("fsm-db-path", rootCmd.PersistentFlags().Lookup("fsm-db-path"))
	viper.BindPFlag("dm-prefix", rootCmd.PersistentFlags().Lookup("dm-prefix"))
	viper.BindPFlag("s3-bucket", rootCmd.PersistentFlags().Lookup("s3-bucket"))
	viper.BindPFlag("s3-region", rootCmd.PersistentFlags().Lookup("s3-region"))
	viper.BindPFlag("s3-endpoint", rootCmd.PersistentFlags().Lookup("s3-endpoint"))
}
