package commands

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/fly-io/dsu-installer/pkg/progress"
)

const (
	barColumns      = 50
	refreshInterval = 500 * time.Millisecond
)

// formatBar renders one progress line. An operation without a size renders
// as empty.
func formatBar(p progress.Progress) string {
	if p.TotalBytes == 0 {
		return ""
	}
	done := min(p.BytesProcessed, p.TotalBytes)
	fill := int(done * barColumns / p.TotalBytes)

	bar := []byte(strings.Repeat("=", fill) + strings.Repeat("-", barColumns-fill))
	if fill > 0 && fill < barColumns {
		bar[fill-1] = '>'
	}

	return fmt.Sprintf("\r%-15s %5.1f%% [%s] %s / %s",
		p.Step,
		float64(p.Permille())/10,
		bar,
		units.BytesSize(float64(done)),
		units.BytesSize(float64(p.TotalBytes)),
	)
}

// renderProgress redraws the bar until done closes or ctx ends, then
// finishes the line.
func renderProgress(ctx context.Context, w io.Writer, snapshot func() progress.Progress, done <-chan struct{}) {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	var last progress.Progress
	draw := func() {
		p := snapshot()
		if p.Status == progress.StatusIdle {
			return
		}
		last = p
		io.WriteString(w, formatBar(p))
	}

	for {
		select {
		case <-ticker.C:
			draw()
		case <-done:
			draw()
			if last.TotalBytes > 0 {
				io.WriteString(w, "\n")
			}
			return
		case <-ctx.Done():
			return
		}
	}
}
