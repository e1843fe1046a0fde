package orchestrator

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/auricle-ai/auricle/internal/observe"
	"github.com/auricle-ai/auricle/internal/protocol"
	"github.com/auricle-ai/auricle/internal/sentence"
	"github.com/auricle-ai/auricle/internal/session"
)

// fragmentAudio is one fragment's synthesis outcome awaiting delivery.
type fragmentAudio struct {
	frag   sentence.Fragment
	frames [][]byte
	failed bool
}

// deliverer releases one turn's synthesized fragments to the device strictly
// in production order. Synthesis runs concurrently; completions arriving out
// of order are buffered until every earlier fragment has been sent.
//
// Each send re-checks the session's turn generation, so a turn aborted
// mid-delivery stops at the next fragment boundary instead of racing the new
// turn's audio onto the wire.
type deliverer struct {
	sess    *session.Session
	gen     int64
	log     *slog.Logger
	metrics *observe.Metrics

	mu      sync.Mutex
	next    int
	ready   map[int]*fragmentAudio
	aborted bool

	done chan struct{}
}

func newDeliverer(sess *session.Session, gen int64, log *slog.Logger, metrics *observe.Metrics) *deliverer {
	return &deliverer{
		sess:    sess,
		gen:     gen,
		log:     log,
		metrics: metrics,
		ready:   make(map[int]*fragmentAudio),
		done:    make(chan struct{}),
	}
}

// complete hands fragment idx's audio to the sequencer. The calling
// goroutine performs any sends that become releasable, which keeps the wire
// order identical to fragment order without a dedicated sender goroutine.
func (d *deliverer) complete(ctx context.Context, idx int, fa *fragmentAudio) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.ready[idx] = fa
	for {
		next, ok := d.ready[d.next]
		if !ok {
			return
		}
		delete(d.ready, d.next)
		d.next++
		d.sendLocked(ctx, next)
		if next.frag.IsLast {
			close(d.done)
			return
		}
	}
}

func (d *deliverer) sendLocked(ctx context.Context, fa *fragmentAudio) {
	if d.aborted {
		return
	}
	if d.sess.Turn() != d.gen {
		// A newer turn or an abort superseded this one.
		d.aborted = true
		d.metrics.AbortedTurns.Add(ctx, 1)
		d.log.Debug("dropping stale fragment delivery", "turn", d.gen)
		return
	}

	msg := protocol.NewTTS(fa.frag.Text, fa.frag.IsFirst, fa.frag.IsLast)
	if err := d.sess.Send(ctx, msg); err != nil {
		d.log.Warn("fragment envelope send failed", "error", err)
		return
	}
	for _, frame := range fa.frames {
		if err := d.sess.SendBinary(ctx, frame); err != nil {
			d.log.Warn("audio frame send failed", "error", err)
			return
		}
	}
	if fa.frag.Text != "" {
		d.metrics.Fragments.Add(ctx, 1, metric.WithAttributes(observe.Attr("device", d.sess.DeviceID)))
	}
}

// wait blocks until the terminal fragment has been delivered (or dropped as
// stale) or ctx expires.
func (d *deliverer) wait(ctx context.Context) error {
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
