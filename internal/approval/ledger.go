// Package approval implements the dual-control approval ledger (spec §4.3):
// tracking partial multi-source authorization of high-risk commands, with
// TTL-based expiry and replay protection. It shares the bus's SQLite file
// rather than keeping its own store, grounded on the teacher's
// approval.Store but restructured around the spec's (cmd_name, identity)
// keying instead of one row per approval request.
package approval

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/marketlab/ctlplane/internal/bus"
)

// Decision is the outcome of an OfferApproval call.
type Decision string

const (
	DecisionPending                 Decision = "pending"
	DecisionFulfilled               Decision = "fulfilled"
	DecisionRejectedDuplicateSource Decision = "rejected_duplicate_source"
	DecisionExpired                 Decision = "expired"
)

// Approval mirrors spec §3's Approval record, keyed by (cmd_name, identity).
type Approval struct {
	CmdName     string
	Identity    string
	Required    int
	WindowSec   int
	SourcesSeen []string
	ActorsSeen  []string
	CommandHash string
	CreatedAt   int64
	FulfilledAt *int64
	ExpiredAt   *int64
}

// IsTerminal reports whether the approval is fulfilled or expired.
func (a *Approval) IsTerminal() bool {
	return a.FulfilledAt != nil || a.ExpiredAt != nil
}

// Ledger is the approval ledger, backed by the bus's shared SQLite file.
type Ledger struct {
	bus *bus.Store
}

// New creates a Ledger over the given bus store's database.
func New(b *bus.Store) *Ledger {
	return &Ledger{bus: b}
}

// ComputeCommandHash derives the replay-protection hash for a
// (cmd_name, identity) pair, per SPEC_FULL.md §12.
func ComputeCommandHash(cmdName, identity string) string {
	sum := sha256.Sum256([]byte(cmdName + "|" + identity))
	return hex.EncodeToString(sum[:])
}

// OfferApproval implements spec §4.3's offer_approval. identity is the
// canonical key derived from the command's arguments (the order token for
// orders.confirm/reject, a reserved sentinel for orders.confirm_all).
// strictActors, when true, requires distinct actor_ids as well as distinct
// sources before fulfillment (DUAL_CONTROL_STRICT=1).
func (l *Ledger) OfferApproval(ctx context.Context, cmdName, identity string, required, windowSec int, source bus.Source, actorID string, strictActors bool) (Decision, *Approval, error) {
	if err := l.sweepOne(ctx, cmdName, identity); err != nil {
		return "", nil, err
	}

	existing, err := l.get(ctx, cmdName, identity)
	if err != nil {
		return "", nil, err
	}

	now := l.bus.Now().Unix()
	hash := ComputeCommandHash(cmdName, identity)

	if existing != nil && existing.IsTerminal() {
		// Terminal approvals are replaced by a fresh one for a new offer.
		// A stored command hash that does not match this command means the
		// record is stale and is reported instead of being replaced.
		if existing.CommandHash != hash {
			return "", nil, fmt.Errorf("approval: command hash mismatch for %s/%s: stale approval record", cmdName, identity)
		}
		if _, err := l.bus.DB().ExecContext(ctx,
			`DELETE FROM approvals WHERE cmd_name = ? AND identity = ?`, cmdName, identity); err != nil {
			return "", nil, fmt.Errorf("approval: replace %s/%s: %w", cmdName, identity, err)
		}
		existing = nil
	}

	if existing == nil {
		appr := &Approval{
			CmdName:     cmdName,
			Identity:    identity,
			Required:    required,
			WindowSec:   windowSec,
			SourcesSeen: []string{string(source)},
			ActorsSeen:  []string{actorID},
			CommandHash: hash,
			CreatedAt:   now,
		}
		if appr.Required <= len(appr.SourcesSeen) && (!strictActors || distinctCount(appr.ActorsSeen) >= appr.Required) {
			fulfilledAt := now
			appr.FulfilledAt = &fulfilledAt
			if err := l.insert(ctx, appr); err != nil {
				return "", nil, err
			}
			if err := l.emit(ctx, bus.LevelOK, "approval.fulfilled", approvalFields(appr)); err != nil {
				return "", nil, err
			}
			return DecisionFulfilled, appr, nil
		}
		if err := l.insert(ctx, appr); err != nil {
			return "", nil, err
		}
		if err := l.emit(ctx, bus.LevelInfo, "approval.pending", approvalFields(appr)); err != nil {
			return "", nil, err
		}
		return DecisionPending, appr, nil
	}

	if contains(existing.SourcesSeen, string(source)) {
		if err := l.emit(ctx, bus.LevelWarn, "approval.duplicate_source", approvalFields(existing)); err != nil {
			return "", nil, err
		}
		return DecisionRejectedDuplicateSource, existing, nil
	}

	existing.SourcesSeen = append(existing.SourcesSeen, string(source))
	existing.ActorsSeen = append(existing.ActorsSeen, actorID)

	if len(existing.SourcesSeen) >= existing.Required && (!strictActors || distinctCount(existing.ActorsSeen) >= existing.Required) {
		fulfilledAt := now
		existing.FulfilledAt = &fulfilledAt
		if err := l.update(ctx, existing); err != nil {
			return "", nil, err
		}
		if err := l.emit(ctx, bus.LevelOK, "approval.fulfilled", approvalFields(existing)); err != nil {
			return "", nil, err
		}
		return DecisionFulfilled, existing, nil
	}

	if err := l.update(ctx, existing); err != nil {
		return "", nil, err
	}
	return DecisionPending, existing, nil
}

// Get returns the current approval for (cmd_name, identity), sweeping
// expiry first. Returns nil if no approval has ever been offered.
func (l *Ledger) Get(ctx context.Context, cmdName, identity string) (*Approval, error) {
	if err := l.sweepOne(ctx, cmdName, identity); err != nil {
		return nil, err
	}
	return l.get(ctx, cmdName, identity)
}

// PendingSummary aggregates all non-terminal approvals for the projection
// API's pending-approvals snapshot (spec §4.6: count, max_age_sec).
type PendingSummary struct {
	Count      int
	MaxAgeSec  int64
}

// Pending sweeps all outstanding approvals for expiry, then summarizes
// what remains pending.
func (l *Ledger) Pending(ctx context.Context) (PendingSummary, error) {
	rows, err := l.bus.DB().QueryContext(ctx,
		`SELECT cmd_name, identity FROM approvals WHERE fulfilled_at IS NULL AND expired_at IS NULL`)
	if err != nil {
		return PendingSummary{}, fmt.Errorf("approval: list pending: %w", err)
	}
	var keys [][2]string
	for rows.Next() {
		var cmdName, identity string
		if err := rows.Scan(&cmdName, &identity); err != nil {
			rows.Close()
			return PendingSummary{}, fmt.Errorf("approval: scan pending: %w", err)
		}
		keys = append(keys, [2]string{cmdName, identity})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return PendingSummary{}, err
	}

	var summary PendingSummary
	now := l.bus.Now().Unix()
	for _, k := range keys {
		appr, err := l.Get(ctx, k[0], k[1])
		if err != nil {
			return PendingSummary{}, err
		}
		if appr == nil || appr.IsTerminal() {
			continue
		}
		summary.Count++
		age := now - appr.CreatedAt
		if age > summary.MaxAgeSec {
			summary.MaxAgeSec = age
		}
	}
	return summary, nil
}

// sweepOne expires a single (cmd_name, identity) approval if its window has
// elapsed without fulfillment (spec §4.3 rule 3).
func (l *Ledger) sweepOne(ctx context.Context, cmdName, identity string) error {
	appr, err := l.get(ctx, cmdName, identity)
	if err != nil || appr == nil || appr.IsTerminal() {
		return err
	}
	now := l.bus.Now().Unix()
	if now-appr.CreatedAt <= int64(appr.WindowSec) {
		return nil
	}
	expiredAt := now
	appr.ExpiredAt = &expiredAt
	if err := l.update(ctx, appr); err != nil {
		return err
	}
	return l.emit(ctx, bus.LevelWarn, "approval.expired", approvalFields(appr))
}

func (l *Ledger) get(ctx context.Context, cmdName, identity string) (*Approval, error) {
	row := l.bus.DB().QueryRowContext(ctx,
		`SELECT cmd_name, identity, required, window_sec, sources_seen, actors_seen, command_hash,
		        created_at, fulfilled_at, expired_at
		 FROM approvals WHERE cmd_name = ? AND identity = ?`,
		cmdName, identity,
	)
	var (
		a                        Approval
		sourcesJSON, actorsJSON  string
		fulfilledAt, expiredAt   sql.NullInt64
	)
	err := row.Scan(&a.CmdName, &a.Identity, &a.Required, &a.WindowSec, &sourcesJSON, &actorsJSON,
		&a.CommandHash, &a.CreatedAt, &fulfilledAt, &expiredAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("approval: get %s/%s: %w", cmdName, identity, err)
	}
	if err := json.Unmarshal([]byte(sourcesJSON), &a.SourcesSeen); err != nil {
		return nil, fmt.Errorf("approval: unmarshal sources: %w", err)
	}
	if err := json.Unmarshal([]byte(actorsJSON), &a.ActorsSeen); err != nil {
		return nil, fmt.Errorf("approval: unmarshal actors: %w", err)
	}
	if fulfilledAt.Valid {
		v := fulfilledAt.Int64
		a.FulfilledAt = &v
	}
	if expiredAt.Valid {
		v := expiredAt.Int64
		a.ExpiredAt = &v
	}
	return &a, nil
}

func (l *Ledger) insert(ctx context.Context, a *Approval) error {
	sourcesJSON, err := json.Marshal(a.SourcesSeen)
	if err != nil {
		return err
	}
	actorsJSON, err := json.Marshal(a.ActorsSeen)
	if err != nil {
		return err
	}
	_, err = l.bus.DB().ExecContext(ctx,
		`INSERT INTO approvals (cmd_name, identity, required, window_sec, sources_seen, actors_seen,
		                        command_hash, created_at, fulfilled_at, expired_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.CmdName, a.Identity, a.Required, a.WindowSec, string(sourcesJSON), string(actorsJSON),
		a.CommandHash, a.CreatedAt, nullableInt64(a.FulfilledAt), nullableInt64(a.ExpiredAt),
	)
	if err != nil {
		return fmt.Errorf("approval: insert %s/%s: %w", a.CmdName, a.Identity, err)
	}
	return nil
}

func (l *Ledger) update(ctx context.Context, a *Approval) error {
	sourcesJSON, err := json.Marshal(a.SourcesSeen)
	if err != nil {
		return err
	}
	actorsJSON, err := json.Marshal(a.ActorsSeen)
	if err != nil {
		return err
	}
	_, err = l.bus.DB().ExecContext(ctx,
		`UPDATE approvals SET sources_seen = ?, actors_seen = ?, fulfilled_at = ?, expired_at = ?
		 WHERE cmd_name = ? AND identity = ?`,
		string(sourcesJSON), string(actorsJSON), nullableInt64(a.FulfilledAt), nullableInt64(a.ExpiredAt),
		a.CmdName, a.Identity,
	)
	if err != nil {
		return fmt.Errorf("approval: update %s/%s: %w", a.CmdName, a.Identity, err)
	}
	return nil
}

func (l *Ledger) emit(ctx context.Context, level bus.Level, message string, fields map[string]any) error {
	_, err := l.bus.Emit(ctx, level, message, fields)
	return err
}

func approvalFields(a *Approval) map[string]any {
	return map[string]any{
		"cmd_name": a.CmdName,
		"identity": a.Identity,
		"sources":  a.SourcesSeen,
	}
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func contains(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}

func distinctCount(ss []string) int {
	seen := make(map[string]struct{}, len(ss))
	for _, s := range ss {
		seen[s] = struct{}{}
	}
	return len(seen)
}
