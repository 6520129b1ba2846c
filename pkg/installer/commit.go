package installer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/fly-io/dsu-installer/pkg/errors"
	"github.com/fly-io/dsu-installer/pkg/progress"
)

const writeStep = "write payload"

// CommitFrom copies exactly n bytes of payload from r. The chunk is refused
// up front if it would pass the declared payload size.
func (i *Installer) CommitFrom(ctx context.Context, r io.Reader, n uint64) error {
	if i.state != StateStreaming {
		return fmt.Errorf("commit in state %s: %w", i.state, errors.ErrInvalidState)
	}
	if err := i.budget.Check(n); err != nil {
		return err
	}

	ch := i.opts.Progress
	if !i.streaming {
		ch.StartAsyncOperation(writeStep, i.payloadSize)
		i.lastPermille = 0
		i.streaming = true
	}

	buf := make([]byte, i.blockSize)
	for remaining := n; remaining > 0; {
		if ch.ShouldAbort() {
			slog.Warn("commit_cancelled", "committed", i.budget.Committed(), "total", i.payloadSize)
			return errors.ErrCancelled
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		read, err := r.Read(buf[:min(uint64(len(buf)), remaining)])
		if read == 0 {
			if err == nil || err == io.EOF {
				slog.Error("payload_stream_ended",
					"committed", i.budget.Committed(),
					"chunk_remaining", remaining,
				)
				return fmt.Errorf("%d bytes of chunk missing: %w", remaining, errors.ErrStreamEnded)
			}
			return errors.Wrap(err, "failed to read payload")
		}

		if _, werr := i.payload.Write(buf[:read]); werr != nil {
			slog.Error("payload_write_failed", "committed", i.budget.Committed(), "error", werr)
			return errors.Wrap(werr, "failed to write payload")
		}
		i.budget.Add(uint64(read))
		remaining -= uint64(read)
		i.reportProgress()

		if err != nil && err != io.EOF {
			return errors.Wrap(err, "failed to read payload")
		}
	}
	return nil
}

// CommitBuffer commits p as the next chunk of payload.
func (i *Installer) CommitBuffer(ctx context.Context, p []byte) error {
	return i.CommitFrom(ctx, bytes.NewReader(p), uint64(len(p)))
}

// reportProgress publishes only when the permille value moves.
func (i *Installer) reportProgress() {
	ch := i.opts.Progress
	if i.budget.Done() {
		ch.Update(progress.StatusComplete, i.payloadSize)
		return
	}
	committed := i.budget.Committed()
	permille := committed * 1000 / i.payloadSize
	if permille != i.lastPermille {
		i.lastPermille = permille
		ch.Update(progress.StatusWorking, committed)
	}
}

// Committed is the number of payload bytes written so far.
func (i *Installer) Committed() uint64 {
	if i.budget == nil {
		return 0
	}
	return i.budget.Committed()
}
