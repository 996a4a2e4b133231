// Package worker implements the control plane's single-consumer loop (C5,
// spec §4.4): dequeue, classify, dispatch to a handler, update state/emit
// events, mark the command terminal. It hosts the circuit breaker and is
// the sole writer of commands, events, app-state, approvals, and order
// tickets (spec §5).
package worker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/marketlab/ctlplane/internal/approval"
	"github.com/marketlab/ctlplane/internal/breaker"
	"github.com/marketlab/ctlplane/internal/bus"
	"github.com/marketlab/ctlplane/internal/orders"
	"github.com/marketlab/ctlplane/internal/policy"
)

// HandlerError is a known, expected handler rejection — never counted by
// the circuit breaker (spec §4.4: "does not trip on policy rejections or
// known-business errors").
type HandlerError struct {
	Kind string // e.g. "unknown_token", "args_invalid"
}

func (e *HandlerError) Error() string { return e.Kind }

func known(kind string) *HandlerError { return &HandlerError{Kind: kind} }

const confirmAllIdentity = "__ALL__"

// Config configures the worker.
type Config struct {
	Breaker            breaker.Config
	DualControlStrict  bool
	PollInterval       time.Duration
}

// DefaultConfig returns the spec's §6 defaults.
func DefaultConfig() Config {
	return Config{
		Breaker:      breaker.DefaultConfig(),
		PollInterval: 250 * time.Millisecond,
	}
}

// Worker is the command dispatch loop.
type Worker struct {
	bus     *bus.Store
	orders  *orders.Store
	ledger  *approval.Ledger
	breaker *breaker.Breaker
	cfg     Config

	now func() time.Time
}

// New constructs a Worker over the given bus, order store, and approval
// ledger (the ledger must be backed by the same bus database).
func New(b *bus.Store, o *orders.Store, l *approval.Ledger, cfg Config) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	return &Worker{
		bus:     b,
		orders:  o,
		ledger:  l,
		breaker: breaker.New(cfg.Breaker),
		cfg:     cfg,
		now:     time.Now,
	}
}

// Breaker exposes the worker's breaker for the projection API's snapshot.
func (w *Worker) Breaker() *breaker.Breaker { return w.breaker }

// Run loops until ctx is canceled, processing one command per iteration
// and sleeping PollInterval when the queue is empty or the breaker is
// blocking further execution.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := w.bus.SetState(ctx, "worker_heartbeat_ts", fmt.Sprintf("%d", w.now().Unix())); err != nil {
			log.Warn().Err(err).Msg("worker: heartbeat write failed")
		}

		processed, err := w.DrainOne(ctx)
		if err != nil {
			log.Error().Err(err).Msg("worker: drain iteration failed")
		}
		if !processed {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.cfg.PollInterval):
			}
		}
	}
}

// DrainOne dequeues and processes a single NEW command, if one is
// available and eligible. Returns false when there was nothing to do this
// iteration (empty queue, or breaker blocking a non-resume command).
func (w *Worker) DrainOne(ctx context.Context) (processed bool, err error) {
	cmd, err := w.bus.NextNew(ctx)
	if err != nil {
		return false, fmt.Errorf("worker: next_new: %w", err)
	}
	if cmd == nil {
		return false, nil
	}

	now := w.now().Unix()
	if cmd.TTLSec != nil && cmd.CreatedAt+int64(*cmd.TTLSec) < now {
		if err := w.bus.MarkError(ctx, cmd.CmdID, "ttl.expired"); err != nil {
			return true, err
		}
		_, err := w.bus.Emit(ctx, bus.LevelWarn, "command.ttl.expired", map[string]any{"cmd": cmd.Cmd, "cmd_id": cmd.CmdID})
		return true, err
	}

	if w.breaker.IsTripped() && cmd.Cmd != "state.resume" {
		// Leave the command NEW; nothing runs until state.resume arrives,
		// and a queued state.resume is taken ahead of the blocked commands.
		var resumeID string
		err := w.bus.DB().QueryRowContext(ctx,
			`SELECT cmd_id FROM commands WHERE status = 'NEW' AND cmd = 'state.resume' AND available_at <= ? ORDER BY available_at ASC, id ASC LIMIT 1`,
			w.bus.Now().Unix()).Scan(&resumeID)
		if err == sql.ErrNoRows {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("worker: find state.resume: %w", err)
		}
		cmd = &bus.Command{CmdID: resumeID, Cmd: "state.resume"}
	}

	w.dispatch(ctx, cmd)
	return true, nil
}

func (w *Worker) dispatch(ctx context.Context, cmd *bus.Command) {
	defer func() {
		if r := recover(); r != nil {
			w.fail(ctx, cmd, fmt.Errorf("panic: %v", r))
		}
	}()

	handler, ok := handlers[cmd.Cmd]
	if !ok {
		if err := w.bus.MarkError(ctx, cmd.CmdID, "unknown_command"); err != nil {
			log.Error().Err(err).Msg("worker: mark error for unknown command")
		}
		if _, err := w.bus.Emit(ctx, bus.LevelError, "command.rejected", map[string]any{"cmd": cmd.Cmd, "reason": "unknown_command"}); err != nil {
			log.Error().Err(err).Msg("worker: emit command.rejected")
		}
		return
	}

	if err := handler(w, ctx, cmd); err != nil {
		w.fail(ctx, cmd, err)
		return
	}

	if err := w.bus.MarkDone(ctx, cmd.CmdID); err != nil {
		log.Error().Err(err).Msg("worker: mark done")
	}
}

func (w *Worker) fail(ctx context.Context, cmd *bus.Command, err error) {
	if he, ok := err.(*HandlerError); ok {
		if markErr := w.bus.MarkError(ctx, cmd.CmdID, he.Kind); markErr != nil {
			log.Error().Err(markErr).Msg("worker: mark error (known)")
		}
		return
	}

	if markErr := w.bus.MarkError(ctx, cmd.CmdID, "handler.unexpected"); markErr != nil {
		log.Error().Err(markErr).Msg("worker: mark error (unexpected)")
	}
	if _, emitErr := w.bus.Emit(ctx, bus.LevelError, "handler.unexpected", map[string]any{"cmd": cmd.Cmd, "error": err.Error()}); emitErr != nil {
		log.Error().Err(emitErr).Msg("worker: emit handler.unexpected")
	}

	w.breaker.RecordFailure(breaker.CategoryUnexpected, err.Error())
	if w.breaker.ConsumeTrippedEvent() {
		if err := w.bus.SetState(ctx, "state", "PAUSED"); err != nil {
			log.Error().Err(err).Msg("worker: set state paused on trip")
		}
		if err := w.bus.SetState(ctx, "breaker_state", "tripped"); err != nil {
			log.Error().Err(err).Msg("worker: set breaker_state tripped")
		}
		if _, err := w.bus.Emit(ctx, bus.LevelError, "breaker.tripped", map[string]any{"recent_errors": w.breaker.RecentErrors()}); err != nil {
			log.Error().Err(err).Msg("worker: emit breaker.tripped")
		}
	}
}

type handlerFunc func(w *Worker, ctx context.Context, cmd *bus.Command) error

var handlers = map[string]handlerFunc{
	"state.pause":         (*Worker).handleStatePause,
	"state.resume":        (*Worker).handleStateResume,
	"state.stop":          (*Worker).handleStateStop,
	"mode.switch":         (*Worker).handleModeSwitch,
	"orders.confirm":      (*Worker).handleOrdersConfirm,
	"orders.reject":       (*Worker).handleOrdersReject,
	"orders.confirm_all":  (*Worker).handleOrdersConfirmAll,
	"orders.cancel":       (*Worker).handleOrdersCancel,
	"stop.now":            (*Worker).handleStopNow,
}

func (w *Worker) handleStatePause(ctx context.Context, cmd *bus.Command) error {
	if err := w.bus.SetState(ctx, "state", "PAUSED"); err != nil {
		return err
	}
	_, err := w.bus.Emit(ctx, bus.LevelInfo, "state.changed", map[string]any{"state": "PAUSED"})
	return err
}

func (w *Worker) handleStateResume(ctx context.Context, cmd *bus.Command) error {
	if err := w.bus.SetState(ctx, "state", "RUN"); err != nil {
		return err
	}
	if _, err := w.bus.Emit(ctx, bus.LevelInfo, "state.changed", map[string]any{"state": "RUN"}); err != nil {
		return err
	}
	if w.breaker.IsTripped() {
		w.breaker.Reset()
		if err := w.bus.SetState(ctx, "breaker_state", "ok"); err != nil {
			return err
		}
		if _, err := w.bus.Emit(ctx, bus.LevelOK, "breaker.reset", nil); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) handleStateStop(ctx context.Context, cmd *bus.Command) error {
	if err := w.bus.SetState(ctx, "state", "STOPPED"); err != nil {
		return err
	}
	_, err := w.bus.Emit(ctx, bus.LevelInfo, "state.changed", map[string]any{"state": "STOPPED"})
	return err
}

var validModes = map[string]bool{"paper": true, "live": true, "backtest": true, "replay": true, "control": true}

func (w *Worker) handleModeSwitch(ctx context.Context, cmd *bus.Command) error {
	target, _ := cmd.Args["target"].(string)
	if !validModes[target] {
		if _, err := w.bus.Emit(ctx, bus.LevelError, "command.rejected", map[string]any{"cmd": cmd.Cmd, "reason": "args_invalid"}); err != nil {
			return err
		}
		return known("args_invalid")
	}
	if err := w.bus.SetState(ctx, "mode", target); err != nil {
		return err
	}
	_, err := w.bus.Emit(ctx, bus.LevelInfo, "mode.changed", map[string]any{"mode": target})
	return err
}

func (w *Worker) handleOrdersConfirm(ctx context.Context, cmd *bus.Command) error {
	token, _ := cmd.Args["token"].(string)
	return w.confirmLike(ctx, cmd, token, orders.StateConfirmed, "orders.confirm")
}

func (w *Worker) handleOrdersReject(ctx context.Context, cmd *bus.Command) error {
	token, _ := cmd.Args["token"].(string)
	return w.confirmLike(ctx, cmd, token, orders.StateRejected, "orders.reject")
}

func (w *Worker) handleOrdersCancel(ctx context.Context, cmd *bus.Command) error {
	token, _ := cmd.Args["token"].(string)
	return w.confirmLike(ctx, cmd, token, orders.StateCanceled, "orders.cancel")
}

// confirmLike implements the shared confirm/reject/cancel shape: look up
// the ticket, offer dual-control approval keyed by token, and on
// fulfillment transition the ticket to targetState.
func (w *Worker) confirmLike(ctx context.Context, cmd *bus.Command, token string, targetState orders.State, verb string) error {
	if token == "" {
		if _, err := w.bus.Emit(ctx, bus.LevelError, "command.rejected", map[string]any{"cmd": cmd.Cmd, "reason": "args_invalid"}); err != nil {
			return err
		}
		return known("args_invalid")
	}

	ticket := w.orders.Get(token)
	if ticket == nil || ticket.State.IsTerminal() {
		if _, err := w.bus.Emit(ctx, bus.LevelError, verb+".unknown", map[string]any{"token": token}); err != nil {
			return err
		}
		return known("unknown_token")
	}

	class := policy.Classify(cmd.Cmd)
	decision, appr, err := w.ledger.OfferApproval(ctx, cmd.Cmd, token, class.RequiredApprovals, class.ApprovalWindowSec, cmd.Source, cmd.ActorID, w.cfg.DualControlStrict)
	if err != nil {
		return err
	}

	switch decision {
	case approval.DecisionPending:
		_, err := w.bus.Emit(ctx, bus.LevelInfo, verb+".pending", map[string]any{"token": token, "sources": appr.SourcesSeen})
		return err
	case approval.DecisionRejectedDuplicateSource:
		return nil // event already emitted by the ledger; no state change
	case approval.DecisionExpired:
		return nil
	case approval.DecisionFulfilled:
		if _, err := w.orders.Transition(token, targetState, string(cmd.Source), cmd.ActorID); err != nil {
			return err
		}
		_, err := w.bus.Emit(ctx, bus.LevelOK, verb+".ok", map[string]any{"token": token, "sources": appr.SourcesSeen})
		return err
	default:
		return fmt.Errorf("worker: unhandled approval decision %q", decision)
	}
}

// handleOrdersConfirmAll implements spec §9's resolved open question: a
// single bulk approval (identity confirmAllIdentity) that, once fulfilled,
// transitions every pending ticket and emits one orders.confirm.ok per
// token.
func (w *Worker) handleOrdersConfirmAll(ctx context.Context, cmd *bus.Command) error {
	class := policy.Classify(cmd.Cmd)
	decision, appr, err := w.ledger.OfferApproval(ctx, cmd.Cmd, confirmAllIdentity, class.RequiredApprovals, class.ApprovalWindowSec, cmd.Source, cmd.ActorID, w.cfg.DualControlStrict)
	if err != nil {
		return err
	}

	switch decision {
	case approval.DecisionPending:
		_, err := w.bus.Emit(ctx, bus.LevelInfo, "orders.confirm_all.pending", map[string]any{"sources": appr.SourcesSeen})
		return err
	case approval.DecisionRejectedDuplicateSource, approval.DecisionExpired:
		return nil
	case approval.DecisionFulfilled:
		for _, t := range w.orders.PendingOrConfirmedChat() {
			if _, err := w.orders.Transition(t.Token, orders.StateConfirmed, string(cmd.Source), cmd.ActorID); err != nil {
				continue // not a valid edge for this ticket; skip it
			}
			if _, err := w.bus.Emit(ctx, bus.LevelOK, "orders.confirm.ok", map[string]any{"token": t.Token, "sources": appr.SourcesSeen}); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("worker: unhandled approval decision %q", decision)
	}
}

// handleStopNow implements the critical kill-switch (spec §4.4): pause,
// mark the breaker killswitch, and bulk-cancel every PENDING and
// CONFIRMED_CHAT ticket. CONFIRMED tickets are left as they are.
func (w *Worker) handleStopNow(ctx context.Context, cmd *bus.Command) error {
	if err := w.bus.SetState(ctx, "state", "PAUSED"); err != nil {
		return err
	}
	if err := w.bus.SetState(ctx, "breaker_state", "killswitch"); err != nil {
		return err
	}

	for _, t := range w.orders.PendingOrConfirmedChat() {
		if _, err := w.orders.Transition(t.Token, orders.StateCanceled, string(cmd.Source), cmd.ActorID); err != nil {
			continue
		}
		if _, err := w.bus.Emit(ctx, bus.LevelWarn, "orders.cancel.ok", map[string]any{"token": t.Token, "reason": "killswitch"}); err != nil {
			return err
		}
	}

	_, err := w.bus.Emit(ctx, bus.LevelError, "stop.now", nil)
	return err
}
