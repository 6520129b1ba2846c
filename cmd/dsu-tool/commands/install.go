package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docker/go-units"
	"github.com/fly-io/dsu-installer/pkg/errors"
	"github.com/fly-io/dsu-installer/pkg/installer"
	"github.com/fly-io/dsu-installer/pkg/service"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	installGSISize      string
	installUserdataSize string
	installWipe         bool
	installNoReboot     bool
	installS3Key        string
	installDir          string
	installFormat       bool
)

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install a system image streamed from stdin or S3",
	Long: `Install a new system image. The image is read from stdin unless --s3-key
names an object in the configured bucket:
  --gsi-size <size>       Image size (required for stdin, e.g. 2GiB)
  --userdata-size <size>  Scratch partition size (defaults to default-scratch-size)
  --wipe                  Discard the scratch data of a previous install
  --no-reboot             Do not reboot once the image is bootable`,
	Args: cobra.NoArgs,
	RunE: runInstall,
}

func init() {
	rootCmd.AddCommand(installCmd)
	installCmd.Flags().StringVar(&installGSISize, "gsi-size", "", "Size of the system image")
	installCmd.Flags().StringVar(&installUserdataSize, "userdata-size", "", "Size of the scratch partition")
	installCmd.Flags().BoolVar(&installWipe, "wipe", false, "Wipe the scratch data of a previous install")
	installCmd.Flags().BoolVar(&installNoReboot, "no-reboot", false, "Do not reboot when done")
	installCmd.Flags().StringVar(&installS3Key, "s3-key", "", "Stream the image from this S3 object")
	installCmd.Flags().StringVar(&installDir, "install-dir", "", "Directory for the backing files (default install-dir)")
	installCmd.Flags().BoolVar(&installFormat, "format", false, "Format the scratch partition after allocating it")
}

// parseSize accepts a byte count or a binary size such as 2GiB. Empty is zero.
func parseSize(flag, value string) (int64, error) {
	if value == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(value)
	if err != nil || n < 0 {
		return 0, errors.Usage(fmt.Errorf("could not parse --%s %q", flag, value))
	}
	return n, nil
}

func runInstall(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	payloadSize, err := parseSize("gsi-size", installGSISize)
	if err != nil {
		return err
	}
	scratchSize, err := parseSize("userdata-size", installUserdataSize)
	if err != nil {
		return err
	}
	if installS3Key == "" && payloadSize <= 0 {
		return errors.Usage(fmt.Errorf("must specify --gsi-size"))
	}

	a, err := openApp(ctx, appOptions{fsm: true, format: installFormat})
	if err != nil {
		return err
	}
	defer a.Close()

	if a.svc.IsRunning() {
		return errors.Software(fmt.Errorf("cannot install from within a running installed image; disable or wipe and reboot first"))
	}

	var src io.Reader = os.Stdin
	if installS3Key != "" {
		client, err := newStorageClient(ctx, a.cfg)
		if err != nil {
			return err
		}
		obj, err := client.Open(ctx, installS3Key)
		if err != nil {
			return errors.Software(err)
		}
		defer obj.Body.Close()

		if payloadSize == 0 {
			payloadSize = obj.Size
		} else if payloadSize != obj.Size {
			return errors.Usage(fmt.Errorf("--gsi-size %d does not match %s (%d bytes)", payloadSize, installS3Key, obj.Size))
		}
		src = obj.Body
	}

	id, err := a.svc.StartInstall(ctx, installer.Params{
		InstallDir:  installDir,
		PayloadSize: payloadSize,
		ScratchSize: scratchSize,
		WipeScratch: installWipe,
	})
	if err != nil {
		return errors.Software(fmt.Errorf("could not start install, error code %s: %w", errors.Code(err), err))
	}
	slog.Info("install_session", "session_id", id)

	if err := streamPayload(ctx, a.svc, src, payloadSize); err != nil {
		if cancelErr := a.svc.Cancel(context.Background()); cancelErr != nil {
			slog.Warn("install_cleanup_incomplete", "error", cancelErr)
		}
		return errors.Software(errors.Wrap(err, "could not commit image data"))
	}

	if err := a.svc.Enable(ctx, false); err != nil {
		return errors.Software(fmt.Errorf("could not make image bootable, error code %s: %w", errors.Code(err), err))
	}

	if installNoReboot {
		fmt.Println("Please reboot to use the installed image.")
		return nil
	}
	return reboot(ctx, a.cfg.RebootCommand)
}

// streamPayload commits size bytes from r while rendering progress. An
// interrupt cancels the install.
func streamPayload(ctx context.Context, svc *service.Service, r io.Reader, size int64) error {
	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})

	g.Go(func() error {
		defer close(done)
		return svc.CommitChunkFromStream(gctx, r, size)
	})

	g.Go(func() error {
		renderProgress(gctx, os.Stdout, svc.Progress, done)
		return nil
	})

	g.Go(func() error {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigs)

		select {
		case sig := <-sigs:
			slog.Warn("install_interrupted", "signal", sig.String())
			if err := svc.Cancel(context.Background()); err != nil {
				slog.Warn("install_cancel_failed", "error", err)
			}
			return errors.ErrCancelled
		case <-done:
			return nil
		}
	})

	return g.Wait()
}

func reboot(ctx context.Context, command string) error {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		fmt.Println("Please reboot to use the installed image.")
		return nil
	}

	slog.Info("reboot", "command", command)
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if out, err := exec.CommandContext(ctx, fields[0], fields[1:]...).CombinedOutput(); err != nil {
		slog.Error("reboot_failed", "error", err, "output", string(out))
		return errors.Software(errors.Wrap(err, "failed to reboot automatically"))
	}
	return nil
}
