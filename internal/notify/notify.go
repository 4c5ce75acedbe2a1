// Package notify announces finished workflows on chat platforms.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nidhogg/nuka-flow/internal/orchestrator"
	"github.com/nidhogg/nuka-flow/internal/textutil"
)

// excerptLen is how much of the final output a notification carries.
const excerptLen = 1200

// Channel is one place notifications go to.
type Channel interface {
	Name() string
	Send(ctx context.Context, text string) error
}

// Record tracks a sent notification.
type Record struct {
	WorkflowID string    `json:"workflow_id"`
	SentAt     time.Time `json:"sent_at"`
	Delivered  []string  `json:"delivered"`
	Failed     []string  `json:"failed,omitempty"`
}

// Broadcaster sends every notification to all channels concurrently.
type Broadcaster struct {
	channels []Channel
	logger   *zap.Logger

	mu      sync.Mutex
	history []Record
}

func NewBroadcaster(logger *zap.Logger, channels ...Channel) *Broadcaster {
	return &Broadcaster{channels: channels, logger: logger}
}

// Len is the number of configured channels.
func (b *Broadcaster) Len() int { return len(b.channels) }

// Notify formats r and sends it everywhere. One failing channel does not
// stop the others; the joined error names each failure.
func (b *Broadcaster) Notify(ctx context.Context, r *orchestrator.Result) error {
	if len(b.channels) == 0 {
		return nil
	}
	text := Format(r)

	var (
		mu   sync.Mutex
		rec  = Record{WorkflowID: r.WorkflowID, SentAt: time.Now()}
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range b.channels {
		g.Go(func() error {
			err := ch.Send(gctx, text)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				b.logger.Error("notification failed",
					zap.String("channel", ch.Name()), zap.String("workflow_id", r.WorkflowID), zap.Error(err))
				rec.Failed = append(rec.Failed, ch.Name())
				errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
				return nil
			}
			rec.Delivered = append(rec.Delivered, ch.Name())
			return nil
		})
	}
	_ = g.Wait()

	b.mu.Lock()
	b.history = append(b.history, rec)
	b.mu.Unlock()
	b.logger.Info("workflow notification sent",
		zap.String("workflow_id", r.WorkflowID),
		zap.Strings("delivered", rec.Delivered),
		zap.Strings("failed", rec.Failed))
	return errors.Join(errs...)
}

// History returns up to limit recent records, oldest first.
func (b *Broadcaster) History(limit int) []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	if limit <= 0 || limit > len(b.history) {
		limit = len(b.history)
	}
	return append([]Record(nil), b.history[len(b.history)-limit:]...)
}

// Format renders the notification text for r.
func Format(r *orchestrator.Result) string {
	var b strings.Builder
	icon := "✅"
	if !r.Success {
		icon = "❌"
	}
	fmt.Fprintf(&b, "%s %s\n", icon, r.Summary())
	fmt.Fprintf(&b, "Request: %s\n", textutil.Clip(r.OriginalRequest, 300, "..."))
	if len(r.Warnings) > 0 {
		fmt.Fprintf(&b, "Warnings: %s\n", strings.Join(r.Warnings, "; "))
	}
	if r.FinalOutput != "" {
		fmt.Fprintf(&b, "\n%s", textutil.Clip(r.FinalOutput, excerptLen, "..."))
	}
	return strings.TrimRight(b.String(), "\n")
}
