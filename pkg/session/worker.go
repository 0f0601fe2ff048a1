package session

import (
	"context"
	"errors"
	"time"

	"github.com/kafdeck/kafdeck/pkg/broadcast"
	"github.com/kafdeck/kafdeck/pkg/kafka"
	"github.com/kafdeck/kafdeck/pkg/metrics"
	"go.uber.org/zap"
)

// worker drives exactly one session's poll loop. It exclusively owns the
// consumer handle; nothing else may touch it concurrently. The control channel
// on the handle is the only inbound signal, checked once per loop iteration,
// so a stop issued mid-poll wins within one poll timeout.
type worker struct {
	ctrl        *Controller
	h           *handle
	consumer    kafka.Consumer
	logger      *zap.Logger
	sessionID   string
	topic       string
	pollTimeout time.Duration
	maxMessages int64
	consumed    int64

	// records fetched but not yet published; retained across a pause so
	// nothing in flight is lost or double-delivered
	pending []kafka.Record
	paused  bool
}

func (w *worker) run() {
	metrics.SessionsRunning.Inc()
	defer metrics.SessionsRunning.Dec()
	defer close(w.h.done)

	ctx := context.Background()

	for {
		if stop := w.observeControl(); stop {
			w.shutdown(ctx, StatusStopped, "")
			return
		}

		reachedMax, err := w.deliver(ctx)
		if err != nil {
			w.shutdown(ctx, StatusError, err.Error())
			return
		}
		if reachedMax {
			w.logger.Info("Session reached max messages", zap.Int64("consumed", w.consumed))
			w.shutdown(ctx, StatusStopped, "")
			return
		}

		start := time.Now()
		records, err := w.consumer.Poll(ctx, w.pollTimeout)
		metrics.PollDuration.Observe(time.Since(start).Seconds())
		// records returned alongside the error were fetched before it hit;
		// keep them so a recovered stop still publishes them
		w.pending = append(w.pending, records...)
		if err != nil {
			w.logger.Error("Poll failed", zap.Error(err))
			w.shutdown(ctx, StatusError, err.Error())
			return
		}
	}
}

// observeControl drains queued control commands, blocking while paused.
// It returns true when the worker must stop.
func (w *worker) observeControl() bool {
	for {
		var msg controlMsg
		if w.paused {
			msg = <-w.h.ctrl
		} else {
			select {
			case msg = <-w.h.ctrl:
			default:
				return false
			}
		}

		switch msg.cmd {
		case cmdPause:
			if !w.paused {
				w.paused = true
				w.consumer.Pause()
				w.logger.Debug("Worker paused")
			}
			close(msg.ack)
		case cmdResume:
			if w.paused {
				w.paused = false
				w.consumer.Resume()
				w.logger.Debug("Worker resumed")
			}
			close(msg.ack)
			return false
		case cmdStop:
			close(msg.ack)
			return true
		}
	}
}

// deliver publishes pending records in poll order: publish first, then
// advance the stored offset, then commit. Offset tracking reflects what has
// been handed off to subscribers, never what was merely fetched.
func (w *worker) deliver(ctx context.Context) (reachedMax bool, err error) {
	if len(w.pending) == 0 {
		return false, nil
	}

	batch := make(map[int32]int64)
	for i, rec := range w.pending {
		if w.maxMessages > 0 && w.consumed >= w.maxMessages {
			// keep the remainder fetched-but-unpublished; it is never
			// committed, so nothing is lost for the consumer group
			w.pending = w.pending[i:]
			if cerr := w.commit(ctx, batch); cerr != nil {
				return false, cerr
			}
			return true, nil
		}

		msg, derr := DecodeRecord(rec)
		if derr != nil {
			w.logger.Warn("Skipping undecodable record",
				zap.Int32("partition", rec.Partition),
				zap.Int64("offset", rec.Offset),
				zap.Error(derr))
			metrics.MessagesSkipped.WithLabelValues(w.topic).Inc()
			if serr := w.ctrl.store.IncrementSkipCount(ctx, w.sessionID); serr != nil {
				w.logger.Error("Failed to count skipped record", zap.Error(serr))
			}
			continue
		}

		w.ctrl.broker.Publish(broadcast.MessageTopic(w.sessionID), broadcast.Event{
			Type:      broadcast.EventMessage,
			SessionID: w.sessionID,
			Payload:   msg,
		})
		w.consumed++
		metrics.MessagesConsumed.WithLabelValues(w.topic).Inc()

		if serr := w.ctrl.store.RecordMessage(ctx, w.sessionID, rec); serr != nil {
			w.logger.Warn("Failed to append message log", zap.Error(serr))
		}
		if serr := w.ctrl.store.IncrementMessageCount(ctx, w.sessionID); serr != nil {
			w.logger.Error("Failed to count consumed record", zap.Error(serr))
		}
		if serr := w.ctrl.store.UpdateOffset(ctx, w.sessionID, rec.Partition, rec.Offset); serr != nil {
			w.logger.Error("Failed to advance offset", zap.Error(serr))
		}
		batch[rec.Partition] = rec.Offset
	}

	w.pending = nil
	if cerr := w.commit(ctx, batch); cerr != nil {
		return false, cerr
	}
	if w.maxMessages > 0 && w.consumed >= w.maxMessages {
		return true, nil
	}
	return false, nil
}

func (w *worker) commit(ctx context.Context, batch map[int32]int64) error {
	if len(batch) == 0 {
		return nil
	}
	if err := w.consumer.Commit(ctx, batch); err != nil {
		w.logger.Error("Commit failed", zap.Error(err))
		return err
	}
	return nil
}

// shutdown completes in-flight publishes, closes the consumer and records the
// terminal transition.
func (w *worker) shutdown(ctx context.Context, status Status, errMsg string) {
	if status == StatusStopped && len(w.pending) > 0 {
		// stop completes any in-flight decode/publish before closing
		if _, err := w.deliver(ctx); err != nil && !errors.Is(err, context.Canceled) {
			status, errMsg = StatusError, err.Error()
		}
	}

	if err := w.consumer.Close(); err != nil {
		w.logger.Warn("Failed to close consumer", zap.Error(err))
	}
	w.ctrl.finalize(w.sessionID, status, errMsg)
}
