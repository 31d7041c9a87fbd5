package failover

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/gridsync/internal/api"
	"github.com/dgnsrekt/gridsync/internal/backoff"
	"github.com/dgnsrekt/gridsync/internal/channel"
	"github.com/dgnsrekt/gridsync/internal/model"
	"github.com/dgnsrekt/gridsync/internal/reconcile"
	"github.com/dgnsrekt/gridsync/internal/status"
	"github.com/dgnsrekt/gridsync/internal/transport"
)

// Mode names the transport currently feeding a subscription.
type Mode string

const (
	ModeNone     Mode = ""
	ModePush     Mode = "push"
	ModePoll     Mode = "poll"
	ModeSnapshot Mode = "snapshot"
)

// Update is one change surfaced to the subscriber. Snapshot is set for
// reconciled state; Raw is set for other push events.
type Update struct {
	Resource model.Resource
	Source   Mode
	Event    string
	Snapshot model.Snapshot
	Raw      json.RawMessage
}

// Subscription is one live interest in one resource. Cursor, backoff and
// reconciler state live exactly as long as it does.
type Subscription struct {
	res        model.Resource
	ctrl       *Controller
	owner      string
	writer     *status.Writer
	reconciler *reconcile.Reconciler
	backoff    *backoff.Backoff
	logger     *zap.Logger

	updates   chan Update
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}

	mu      sync.Mutex
	mode    Mode
	channel ChannelClient
	err     error
}

// Updates delivers accepted changes in order. It is closed once the
// subscription has stopped.
func (s *Subscription) Updates() <-chan Update {
	return s.updates
}

// Close stops the subscription and waits for it: the in-flight poll is
// aborted and the socket closed. Nothing is delivered or published once
// Close returns. Safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(s.cancel)
	<-s.done
}

// Done is closed when the subscription has stopped for any reason.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err is the terminal error when the subscription ended on its own.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Mode reports the active transport.
func (s *Subscription) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *Subscription) Resource() model.Resource {
	return s.res
}

// Send pushes an application event on the joined channel. It fails with
// transport.ErrNotJoined while the subscription is polling.
func (s *Subscription) Send(ctx context.Context, event string, payload any) (string, error) {
	s.mu.Lock()
	ch := s.channel
	s.mu.Unlock()

	if ch == nil {
		return "", transport.ErrNotJoined
	}
	return ch.Push(ctx, event, payload)
}

func (s *Subscription) run(ctx context.Context) {
	defer s.finish(ctx)

	if s.ctrl.channels == nil {
		s.publish(status.PollingFallback, "push channel not configured")
	} else {
		reason, err := s.runPush(ctx)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			s.terminate(err)
			return
		}
		s.publish(status.PollingFallback, reason)
	}

	s.runPoll(ctx)
}

// finish releases the status writer and closes the update stream.
func (s *Subscription) finish(ctx context.Context) {
	if ctx.Err() != nil && s.Err() == nil {
		s.publish(status.Idle, "subscription closed")
	}
	s.writer.Release()
	s.setMode(ModeNone, nil)
	close(s.updates)
	close(s.done)
	s.logger.Debug("subscription stopped")
}

// terminate ends the subscription with err. Only unauthenticated conditions
// reach here.
func (s *Subscription) terminate(err error) {
	s.setErr(err)
	s.publish(status.Idle, "unauthenticated: sign in to receive live updates")
	s.logger.Warn("subscription ended", zap.Error(err))
}

// runPush joins the resource topic and forwards its events until the
// channel ends. The returned reason explains why push ended; a non-nil error
// is terminal.
func (s *Subscription) runPush(ctx context.Context) (string, error) {
	s.publish(status.WSConnecting, "")

	ch := s.ctrl.channels(s.res.Topic())
	defer ch.Disconnect()

	events, err := ch.Connect(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return "", nil
		}
		switch transport.Classify(err) {
		case transport.KindCancelled:
			return "", nil
		case transport.KindUnauthenticated:
			return "", err
		}
		s.logger.Warn("push channel unavailable", zap.Error(err))
		return "push channel unavailable: " + err.Error(), nil
	}

	s.setMode(ModePush, ch)
	defer s.setMode(ModeNone, nil)
	s.backoff.Reset()
	s.publish(status.WSConnected, "")

	for {
		select {
		case <-ctx.Done():
			return "", nil
		case ev, ok := <-events:
			if !ok {
				reason := "push channel closed"
				if err := ch.Err(); err != nil {
					reason += ": " + err.Error()
				}
				return reason, nil
			}
			if !s.handleEvent(ctx, ev) {
				return "", nil
			}
		}
	}
}

// handleEvent reconciles snapshot events and forwards the rest raw.
func (s *Subscription) handleEvent(ctx context.Context, ev channel.Event) bool {
	if ev.Name == channel.EventReply {
		var reply channel.Reply
		if err := json.Unmarshal(ev.Payload, &reply); err == nil && reply.Status == channel.StatusOK && reply.Empty() {
			// Bare acknowledgement.
			return true
		}
	}

	if !s.isSnapshotEvent(ev.Name) {
		return s.emit(ctx, Update{Source: ModePush, Event: ev.Name, Raw: ev.Payload})
	}

	snap, err := model.Decode(s.res, ev.Payload)
	if err != nil {
		s.logger.Warn("dropping invalid push payload", zap.String("event", ev.Name), zap.Error(err))
		return true
	}
	return s.offer(ctx, Update{Source: ModePush, Event: ev.Name, Snapshot: snap})
}

func (s *Subscription) isSnapshotEvent(name string) bool {
	for _, e := range s.ctrl.cfg.SnapshotEvents {
		if e == name {
			return true
		}
	}
	return false
}

// runPoll drives the cursor-resumable poller until ctx is done, the caller is
// unauthenticated, or the endpoint turns out not to support resuming.
func (s *Subscription) runPoll(ctx context.Context) {
	s.setMode(ModePoll, nil)
	s.reconciler.ResetRevision()

	var cursor api.Cursor
	degraded := false

	for ctx.Err() == nil {
		res, err := s.ctrl.poller.Poll(ctx, s.res, cursor, s.ctrl.cfg.PollBudget)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			switch transport.Classify(err) {
			case transport.KindEndpointUnsupported:
				s.logger.Info("resumable polling unsupported, downgrading", zap.Error(err))
				s.runSnapshots(ctx)
				return
			case transport.KindCancelled:
				return
			case transport.KindUnauthenticated:
				s.terminate(err)
				return
			}
			if !s.waitBackoff(ctx, err) {
				return
			}
			degraded = true
			continue
		}

		switch res.Outcome {
		case api.Cancelled:
			return

		case api.Unauthenticated:
			s.terminate(transport.ErrUnauthenticated)
			return

		case api.TimedOut, api.Fresh:
			cursor = res.Cursor
			s.backoff.Reset()
			if degraded {
				s.publish(status.PollingFallback, "server reachable again")
				degraded = false
			}
			if res.Outcome == api.TimedOut {
				continue
			}

			snap, err := model.Decode(s.res, res.Data)
			if err != nil {
				s.logger.Warn("dropping invalid poll payload", zap.Error(err))
				continue
			}
			s.rebaseIfBehind(snap)
			if !s.offer(ctx, Update{Source: ModePoll, Snapshot: snap}) {
				return
			}
		}
	}
}

// runSnapshots is the permanent downgrade: plain snapshots at a fixed
// interval, no cursor and no backoff.
func (s *Subscription) runSnapshots(ctx context.Context) {
	s.setMode(ModeSnapshot, nil)
	s.reconciler.ResetRevision()
	interval := s.ctrl.cfg.FixedInterval
	s.publish(status.PollingFallback,
		fmt.Sprintf("live updates unsupported for %s, refreshing every %s", s.res, fmtDelay(interval)))

	failing := false
	for {
		res, err := s.ctrl.poller.Snapshot(ctx, s.res)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			switch transport.Classify(err) {
			case transport.KindCancelled:
				return
			case transport.KindUnauthenticated:
				s.terminate(err)
				return
			}
			if !failing {
				s.publish(status.PollingFallback,
					fmt.Sprintf("server still unreachable, retrying every %s", fmtDelay(interval)))
				failing = true
			}
			s.logger.Warn("snapshot failed", zap.Error(err))

		case res.Outcome == api.Cancelled:
			return

		case res.Outcome == api.Unauthenticated:
			s.terminate(transport.ErrUnauthenticated)
			return

		default:
			if failing {
				s.publish(status.PollingFallback,
					fmt.Sprintf("live updates unsupported for %s, refreshing every %s", s.res, fmtDelay(interval)))
				failing = false
			}
			var snap model.Snapshot
			if res.Token != "" {
				snap, err = model.DecodeToken(s.res, res.Token)
			} else {
				snap, err = model.Decode(s.res, res.Data)
			}
			if err != nil {
				s.logger.Warn("dropping invalid snapshot", zap.Error(err))
				break
			}
			s.rebaseIfBehind(snap)
			if !s.offer(ctx, Update{Source: ModeSnapshot, Snapshot: snap}) {
				return
			}
		}

		if !backoff.Sleep(ctx, interval) {
			return
		}
	}
}

// rebaseIfBehind drops the revision mark when a poll or snapshot reports an
// older revision. Those arrive one at a time, so going backwards means the
// server restarted its sequence, not a late delivery.
func (s *Subscription) rebaseIfBehind(snap model.Snapshot) {
	rev := snap.Revision()
	if mark := s.reconciler.Revision(); rev > 0 && rev < mark {
		s.logger.Info("server revision went backwards, rebasing",
			zap.Int64("revision", rev), zap.Int64("previous", mark))
		s.reconciler.ResetRevision()
	}
}

// waitBackoff publishes the retry delay and sleeps it. It returns false when
// ctx ended during the wait.
func (s *Subscription) waitBackoff(ctx context.Context, err error) bool {
	d := s.backoff.Next()
	s.logger.Warn("poll failed", zap.Error(err), zap.Duration("retry_in", d))
	s.publish(status.PollingFallback,
		fmt.Sprintf("server still unreachable, backing off to %s retries", fmtDelay(d)))
	return backoff.Sleep(ctx, d)
}

func (s *Subscription) setMode(m Mode, ch ChannelClient) {
	s.mu.Lock()
	s.mode = m
	s.channel = ch
	s.mu.Unlock()
}

func (s *Subscription) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *Subscription) publish(state status.State, reason string) {
	if !s.writer.Publish(state, reason, s.res.String()) {
		s.logger.Debug("status publish dropped, writer superseded", zap.String("state", string(state)))
		return
	}
	if reason != "" {
		s.logger.Info("transport status", zap.String("state", string(state)), zap.String("reason", reason))
	} else {
		s.logger.Info("transport status", zap.String("state", string(state)))
	}
}

// offer reconciles u.Snapshot and delivers it when it is new. It returns
// false once the subscription is stopping.
func (s *Subscription) offer(ctx context.Context, u Update) bool {
	if !s.reconciler.Accept(u.Snapshot) {
		s.logger.Debug("snapshot unchanged, not propagated",
			zap.String("source", string(u.Source)),
			zap.Int64("revision", u.Snapshot.Revision()),
		)
		return ctx.Err() == nil
	}
	return s.emit(ctx, u)
}

func (s *Subscription) emit(ctx context.Context, u Update) bool {
	// Cancellation wins over a ready reader.
	if ctx.Err() != nil {
		return false
	}
	u.Resource = s.res
	select {
	case s.updates <- u:
		return true
	case <-ctx.Done():
		return false
	}
}

func fmtDelay(d time.Duration) string {
	if d >= time.Second {
		return fmt.Sprintf("%gs", d.Round(100*time.Millisecond).Seconds())
	}
	return d.String()
}
