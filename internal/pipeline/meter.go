package pipeline

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/kdrag0n/cbackup/internal/logging"
)

// Meter is a pass-through stage that reports throughput to the logger's debug
// side channel. It never fails on its own account; whatever it reports is
// progress information, not an error condition.
func Meter(logger *logging.Logger, label string) Stage {
	return &meterStage{logger: logger, label: label}
}

type meterStage struct {
	logger *logging.Logger
	label  string
}

func (m *meterStage) Name() string { return "meter" }

func (m *meterStage) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	started := time.Now()
	n, err := io.Copy(w, contextReader{ctx: ctx, r: r})
	elapsed := time.Since(started)
	if m.logger != nil {
		m.logger.Debug("%s: %s in %s (%s/s)",
			m.label, formatBytes(n), elapsed.Round(time.Millisecond), formatBytes(rate(n, elapsed)))
	}
	return err
}

func rate(n int64, d time.Duration) int64 {
	if d <= 0 {
		return n
	}
	return int64(float64(n) / d.Seconds())
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
