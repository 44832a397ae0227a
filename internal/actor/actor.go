// Package actor implements the per-conversation single-writer state machine
// (§4.8): the conversation actor owns epoch advancement, commit sequencing,
// member-roster transitions, and fan-out, processing one bounded inbound
// queue strictly in order so every state transition for a conversation is
// totally ordered. The registry (§4.9) spawns actors on demand and routes
// commands to the one already running for a conversation, never letting two
// actors own the same conversation concurrently.
package actor

import (
	"context"
	"log/slog"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/catbird-social/mls-ds/internal/dserr"
	"github.com/catbird-social/mls-ds/internal/eventstream"
	"github.com/catbird-social/mls-ds/internal/extcommit"
	"github.com/catbird-social/mls-ds/internal/keypackage"
	"github.com/catbird-social/mls-ds/internal/mailbox"
	"github.com/catbird-social/mls-ds/internal/outbox"
	"github.com/catbird-social/mls-ds/internal/receipt"
	"github.com/catbird-social/mls-ds/internal/welcome"
)

var groupIDPattern = regexp.MustCompile(`^[0-9a-f]+$`)

// ValidGroupID reports whether id satisfies the hex group-id check
// constraint the storage layer enforces (§6).
func ValidGroupID(id string) bool {
	return id != "" && groupIDPattern.MatchString(id)
}

// validPaddedSize reports whether n is in the discrete set §3/§6 require
// padded_size to be drawn from: {512, 1024, 2048, 4096, 8192, 8192*k <= 10MiB}.
func validPaddedSize(n int) bool {
	switch n {
	case 512, 1024, 2048, 4096, 8192:
		return true
	}
	const maxBytes = 10 << 20
	return n > 8192 && n%8192 == 0 && n <= maxBytes
}

// Deps bundles the shared collaborators every actor in a process needs.
// The registry constructs one Deps and hands it to every actor it spawns.
type Deps struct {
	Pool          *pgxpool.Pool
	Welcome       *welcome.Store
	KeyPackages   *keypackage.Pool
	ExternalAuth  *extcommit.Authorizer
	ReceiptSigner *receipt.Signer
	Receipts      *receipt.Store
	Events        *eventstream.Stream
	Mailbox       *mailbox.Mailbox
	Outbox        *outbox.Queue
	SelfDID       string
	Logger        *slog.Logger

	// InboxSize bounds each actor's command queue; a full inbox rejects new
	// commands with KindBusy rather than growing latency unboundedly (§5).
	InboxSize int
	// IdleTimeout is how long an actor may sit without processing a command
	// before the registry drains and evicts it (§4.9).
	IdleTimeout time.Duration
}

// state is the actor's in-memory cache of conversation-level fields that
// change on every committed transition, refreshed from storage on spawn and
// kept in sync as commands are applied.
type state struct {
	creator      string
	currentEpoch uint64
	cipherSuite  uint16
	sequencerDS  string
	isRemote     bool
	loaded       bool
}

// Actor is the single-writer state machine for one conversation.
type Actor struct {
	groupID string
	deps    Deps
	inbox   chan Command

	st state

	lastActivity time.Time
	done         chan struct{}
}

func newActor(groupID string, deps Deps) *Actor {
	if deps.InboxSize <= 0 {
		deps.InboxSize = 256
	}
	if deps.IdleTimeout <= 0 {
		deps.IdleTimeout = 10 * time.Minute
	}
	a := &Actor{
		groupID:      groupID,
		deps:         deps,
		inbox:        make(chan Command, deps.InboxSize),
		lastActivity: time.Now(),
		done:         make(chan struct{}),
	}
	go a.run()
	return a
}

// Send enqueues cmd and blocks until it has been processed, returning its
// Result. It never blocks indefinitely on a full inbox: a full queue answers
// immediately with KindBusy.
func (a *Actor) Send(ctx context.Context, kind CommandKind, args any) Result {
	reply := make(chan Result, 1)
	cmd := Command{Kind: kind, Args: args, Reply: reply}

	select {
	case a.inbox <- cmd:
	default:
		return Result{Err: dserr.New(dserr.KindBusy, "conversation actor inbox is full")}
	}

	select {
	case res := <-reply:
		return res
	case <-ctx.Done():
		return Result{Err: dserr.Wrap(dserr.KindTimeout, "command cancelled", ctx.Err())}
	}
}

// run drains the inbox strictly in order; this is the single writer that
// makes every transition within the conversation totally ordered (§5).
func (a *Actor) run() {
	ctx := context.Background()
	for cmd := range a.inbox {
		a.lastActivity = time.Now()
		if cmd.Kind == CmdShutdown {
			cmd.Reply <- Result{}
			close(a.done)
			return
		}
		res := a.dispatch(ctx, cmd)
		if e := dserr.As(res.Err); e != nil && dserr.FamilyOf(e.Kind) == dserr.FamilyInfra {
			a.reload(ctx)
		}
		cmd.Reply <- res
	}
}

func (a *Actor) dispatch(ctx context.Context, cmd Command) Result {
	if err := a.ensureLoaded(ctx); err != nil {
		return Result{Err: err}
	}

	switch cmd.Kind {
	case CmdSendApp:
		return a.handleSendApp(ctx, cmd.Args.(SendAppArgs))
	case CmdSubmitCommit:
		return a.handleSubmitCommit(ctx, cmd.Args.(SubmitCommitArgs))
	case CmdAddMembers:
		return a.handleAddMembers(ctx, cmd.Args.(AddMembersArgs))
	case CmdLeave:
		return a.handleLeave(ctx, cmd.Args.(LeaveArgs))
	case CmdPromoteDemote:
		return a.handlePromoteDemote(ctx, cmd.Args.(PromoteDemoteArgs))
	case CmdRejoin:
		return a.handleRejoin(ctx, cmd.Args.(RejoinArgs))
	case CmdExternalCommit:
		return a.handleExternalCommit(ctx, cmd.Args.(ExternalCommitArgs))
	default:
		return Result{Err: dserr.New(dserr.KindInternal, "unknown command kind")}
	}
}

// ensureLoaded populates the actor's in-memory cache from storage on first
// use. A storage failure here, or after any command, is recovered by
// reloading the affected slice rather than trusting stale memory (§4.8
// Failure model).
func (a *Actor) ensureLoaded(ctx context.Context) error {
	if a.st.loaded {
		return nil
	}
	st, err := loadConversationState(ctx, a.deps.Pool, a.groupID)
	if err != nil {
		return err
	}
	a.st = st
	a.st.loaded = true
	return nil
}

func (a *Actor) reload(ctx context.Context) {
	if st, err := loadConversationState(ctx, a.deps.Pool, a.groupID); err == nil {
		a.st = st
		a.st.loaded = true
	} else {
		a.st.loaded = false
	}
}

// IdleSince reports how long this actor has sat without processing a
// command, for the registry's eviction sweep.
func (a *Actor) IdleSince() time.Duration {
	return time.Since(a.lastActivity)
}
