// Package executor admits queued commands under a global concurrency cap
// and drives each through its lifecycle.
//
// Every transition is recorded in the tenant's audit chain before it takes
// effect. If the record cannot be written the transition does not happen:
// a command whose executing entry fails is never sent to its provider, and
// a command whose terminal entry fails stays in its prior state.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/animus-labs/ledger-go/internal/audit"
	"github.com/animus-labs/ledger-go/internal/credentials"
	"github.com/animus-labs/ledger-go/internal/domain"
	"github.com/animus-labs/ledger-go/internal/notify"
	apperrors "github.com/animus-labs/ledger-go/internal/platform/errors"
	"github.com/animus-labs/ledger-go/internal/provider"
	"github.com/animus-labs/ledger-go/internal/repo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

const (
	tracerName = "github.com/animus-labs/ledger-go/internal/executor"
	drainPoll  = 10 * time.Millisecond
)

// Auditor appends events to a tenant's audit chain.
type Auditor interface {
	Append(ctx context.Context, tenantID string, ev audit.Event) (domain.ChainEntry, error)
}

type Providers interface {
	Get(name string) (provider.Provider, bool)
}

type Deps struct {
	Chain     Auditor
	Commands  repo.CommandRepository
	Resolver  credentials.Resolver
	Providers Providers
	Notifier  notify.Notifier
	Logger    *slog.Logger
}

type SubmitResult struct {
	Command   domain.Command
	Duplicate bool
}

// Snapshot is a point-in-time view of admission state.
type Snapshot struct {
	Capacity int            `json:"capacity"`
	InFlight int            `json:"in_flight"`
	Queued   map[string]int `json:"queued"`
}

type Executor struct {
	cfg       Config
	chain     Auditor
	commands  repo.CommandRepository
	resolver  credentials.Resolver
	providers Providers
	notifier  notify.Notifier
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time

	slots *semaphore.Weighted
	wake  chan struct{}
	wg    sync.WaitGroup

	mu       sync.Mutex
	queues   map[string][]domain.Command
	ring     []string
	claims   map[string]struct{}
	inflight map[string]string
	draining map[string]struct{}
}

func New(cfg Config, deps Deps) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Chain == nil {
		return nil, errors.New("audit chain is required")
	}
	if deps.Commands == nil {
		return nil, errors.New("command repository is required")
	}
	if deps.Resolver == nil {
		return nil, errors.New("credential resolver is required")
	}
	if deps.Providers == nil {
		return nil, errors.New("provider registry is required")
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Executor{
		cfg:       cfg,
		chain:     deps.Chain,
		commands:  deps.Commands,
		resolver:  deps.Resolver,
		providers: deps.Providers,
		notifier:  deps.Notifier,
		logger:    deps.Logger,
		tracer:    otel.Tracer(tracerName),
		now:       time.Now,
		slots:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		wake:      make(chan struct{}, 1),
		queues:    make(map[string][]domain.Command),
		claims:    make(map[string]struct{}),
		inflight:  make(map[string]string),
		draining:  make(map[string]struct{}),
	}, nil
}

// Submit records and enqueues a pending command. Re-submitting a known
// command id returns the stored command unchanged.
func (e *Executor) Submit(ctx context.Context, cmd domain.Command) (SubmitResult, error) {
	now := e.now().UTC()
	cmd.ID = strings.TrimSpace(cmd.ID)
	cmd.TenantID = strings.TrimSpace(cmd.TenantID)
	if cmd.Status == "" {
		cmd.Status = domain.CommandStatusPending
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = now
	}
	cmd.Result = nil
	if err := cmd.Validate(); err != nil {
		return SubmitResult{}, apperrors.Wrap(apperrors.CodeInvalidCommand, "invalid command", err)
	}
	if _, ok := e.providers.Get(cmd.Provider); !ok {
		return SubmitResult{}, apperrors.WithMetadata(apperrors.CodeInvalidCommand, "unknown provider", map[string]string{"provider": cmd.Provider})
	}

	if !e.claim(cmd.ID) {
		return SubmitResult{}, apperrors.WithMetadata(apperrors.CodeSubmissionInProgress, "command submission in progress", map[string]string{"command_id": cmd.ID})
	}
	defer e.release(cmd.ID)
	if e.isDraining(cmd.TenantID) {
		return SubmitResult{}, apperrors.WithMetadata(apperrors.CodeTenantUnavailable, "tenant is being purged", map[string]string{"tenant_id": cmd.TenantID})
	}

	existing, err := e.commands.GetCommand(ctx, cmd.TenantID, cmd.ID)
	if err == nil {
		return SubmitResult{Command: existing, Duplicate: true}, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return SubmitResult{}, apperrors.Wrap(apperrors.CodeStorageUnavailable, "load command", err)
	}
	taken, err := e.commands.CommandExists(ctx, cmd.ID)
	if err != nil {
		return SubmitResult{}, apperrors.Wrap(apperrors.CodeStorageUnavailable, "check command id", err)
	}
	if taken {
		return SubmitResult{}, apperrors.New(apperrors.CodeInvalidCommand, "command_id already in use")
	}

	if cmd.ExpiredAt(now) {
		return e.submitExpired(ctx, cmd, now)
	}

	if _, err := e.appendAudit(ctx, cmd.TenantID, audit.Queued{
		CommandID:       cmd.ID,
		Provider:        cmd.Provider,
		SourcePrincipal: cmd.SourcePrincipal,
		ExpiresAt:       cmd.ExpiresAt,
		At:              now,
	}); err != nil {
		return SubmitResult{}, err
	}

	if err := e.commands.CreateCommand(ctx, cmd); err != nil {
		return SubmitResult{}, e.abandonQueued(ctx, cmd, err)
	}

	e.enqueue(cmd)
	e.logger.Info("command queued", "tenant_id", cmd.TenantID, "command_id", cmd.ID, "provider", cmd.Provider)
	return SubmitResult{Command: cmd}, nil
}

func (e *Executor) submitExpired(ctx context.Context, cmd domain.Command, now time.Time) (SubmitResult, error) {
	if _, err := e.appendAudit(ctx, cmd.TenantID, audit.Expired{
		CommandID: cmd.ID,
		ExpiresAt: cmd.ExpiresAt,
		At:        now,
	}); err != nil {
		return SubmitResult{}, err
	}
	cmd.Status = domain.CommandStatusExpired
	cmd.Result = &domain.Result{
		ErrorCode:   string(apperrors.CodeExpired),
		Error:       "expired before admission",
		CompletedAt: now,
	}
	if err := e.commands.CreateCommand(ctx, cmd); err != nil {
		e.logger.Error("store expired command failed", "tenant_id", cmd.TenantID, "command_id", cmd.ID, "error", err)
		if errors.Is(err, repo.ErrConflict) {
			return SubmitResult{}, apperrors.New(apperrors.CodeInvalidCommand, "command_id already in use")
		}
		return SubmitResult{}, apperrors.Wrap(apperrors.CodeStorageUnavailable, "store command", err)
	}
	e.notify(ctx, cmd)
	e.logger.Info("command expired", "tenant_id", cmd.TenantID, "command_id", cmd.ID)
	return SubmitResult{Command: cmd}, nil
}

// abandonQueued closes out a queued entry whose command could not be stored,
// so the chain still ends every command with a terminal entry.
func (e *Executor) abandonQueued(ctx context.Context, cmd domain.Command, cause error) error {
	code := apperrors.CodeStorageUnavailable
	message := "store command"
	if errors.Is(cause, repo.ErrConflict) {
		code = apperrors.CodeInvalidCommand
		message = "command_id already in use"
	}
	if _, err := e.appendAudit(ctx, cmd.TenantID, audit.Failed{
		CommandID: cmd.ID,
		ErrorCode: string(code),
		Error:     message,
		At:        e.now().UTC(),
	}); err != nil {
		e.logger.Error("close abandoned command failed", "tenant_id", cmd.TenantID, "command_id", cmd.ID, "error", err)
	}
	if code == apperrors.CodeInvalidCommand {
		return apperrors.New(code, message)
	}
	return apperrors.Wrap(code, message, cause)
}

// Recover re-enqueues pending commands and fails commands left executing
// by a previous process.
func (e *Executor) Recover(ctx context.Context, tenantIDs []string) error {
	for _, tenantID := range tenantIDs {
		pending, err := e.commands.ListCommands(ctx, repo.CommandFilter{TenantID: tenantID, Status: domain.CommandStatusPending})
		if err != nil {
			return fmt.Errorf("list pending commands for %s: %w", tenantID, err)
		}
		for _, cmd := range pending {
			e.enqueue(cmd)
		}

		executing, err := e.commands.ListCommands(ctx, repo.CommandFilter{TenantID: tenantID, Status: domain.CommandStatusExecuting})
		if err != nil {
			return fmt.Errorf("list executing commands for %s: %w", tenantID, err)
		}
		for _, cmd := range executing {
			e.finish(ctx, cmd, domain.CommandStatusExecuting, failure(apperrors.CodeExecutionError, "interrupted before completion", e.now()))
		}
		if len(pending)+len(executing) > 0 {
			e.logger.Info("commands recovered", "tenant_id", tenantID, "pending", len(pending), "interrupted", len(executing))
		}
	}
	return nil
}

// Run admits queued commands until ctx is cancelled, then waits for
// in-flight commands to finish.
func (e *Executor) Run(ctx context.Context) error {
	execCtx := context.WithoutCancel(ctx)
	defer e.wg.Wait()
	for {
		if err := e.slots.Acquire(ctx, 1); err != nil {
			return nil
		}
		cmd, ok := e.next()
		if !ok {
			e.slots.Release(1)
			select {
			case <-ctx.Done():
				return nil
			case <-e.wake:
			}
			continue
		}

		e.wg.Add(1)
		go func(cmd domain.Command) {
			defer e.wg.Done()
			defer e.slots.Release(1)
			defer e.done(cmd.ID)
			e.execute(execCtx, cmd)
		}(cmd)
	}
}

func (e *Executor) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	queued := make(map[string]int, len(e.queues))
	for tenantID, q := range e.queues {
		queued[tenantID] = len(q)
	}
	return Snapshot{
		Capacity: e.cfg.MaxConcurrent,
		InFlight: len(e.inflight),
		Queued:   queued,
	}
}

// Drop removes and returns a tenant's queued commands.
func (e *Executor) Drop(tenantID string) []domain.Command {
	e.mu.Lock()
	defer e.mu.Unlock()
	dropped := e.queues[tenantID]
	delete(e.queues, tenantID)
	for i, id := range e.ring {
		if id == tenantID {
			e.ring = append(e.ring[:i], e.ring[i+1:]...)
			break
		}
	}
	return dropped
}

// Drain stops admission for a tenant, drops its queue, and waits until none
// of its commands are in flight. The dropped commands are returned even on
// error so the caller can hand them back to Resume.
func (e *Executor) Drain(ctx context.Context, tenantID string) ([]domain.Command, error) {
	e.mu.Lock()
	e.draining[tenantID] = struct{}{}
	e.mu.Unlock()
	dropped := e.Drop(tenantID)

	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()
	for e.inFlightFor(tenantID) > 0 {
		select {
		case <-ctx.Done():
			return dropped, ctx.Err()
		case <-ticker.C:
		}
	}
	return dropped, nil
}

// Resume reopens admission for a tenant and re-enqueues requeue in order.
// After a completed purge requeue is nil.
func (e *Executor) Resume(tenantID string, requeue []domain.Command) {
	e.mu.Lock()
	delete(e.draining, tenantID)
	e.mu.Unlock()
	for _, cmd := range requeue {
		e.enqueue(cmd)
	}
	if len(requeue) > 0 {
		e.logger.Info("commands requeued", "tenant_id", tenantID, "count", len(requeue))
	}
}

func (e *Executor) isDraining(tenantID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.draining[tenantID]
	return ok
}

func (e *Executor) inFlightFor(tenantID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, owner := range e.inflight {
		if owner == tenantID {
			n++
		}
	}
	return n
}

func (e *Executor) claim(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.claims[id]; busy {
		return false
	}
	e.claims[id] = struct{}{}
	return true
}

func (e *Executor) release(id string) {
	e.mu.Lock()
	delete(e.claims, id)
	e.mu.Unlock()
}

func (e *Executor) enqueue(cmd domain.Command) {
	e.mu.Lock()
	if _, ok := e.draining[cmd.TenantID]; ok {
		e.mu.Unlock()
		return
	}
	q, active := e.queues[cmd.TenantID]
	e.queues[cmd.TenantID] = append(q, cmd)
	if !active {
		e.ring = append(e.ring, cmd.TenantID)
	}
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// next pops the head of the next tenant's queue, rotating through tenants.
func (e *Executor) next() (domain.Command, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for len(e.ring) > 0 {
		tenantID := e.ring[0]
		e.ring = e.ring[1:]
		q := e.queues[tenantID]
		if len(q) == 0 {
			delete(e.queues, tenantID)
			continue
		}
		cmd := q[0]
		if len(q) == 1 {
			delete(e.queues, tenantID)
		} else {
			e.queues[tenantID] = q[1:]
			e.ring = append(e.ring, tenantID)
		}
		e.inflight[cmd.ID] = cmd.TenantID
		return cmd, true
	}
	return domain.Command{}, false
}

func (e *Executor) done(id string) {
	e.mu.Lock()
	delete(e.inflight, id)
	e.mu.Unlock()
}

type outcome struct {
	status domain.CommandStatus
	result domain.Result
}

func failure(code apperrors.Code, message string, at time.Time) outcome {
	return outcome{
		status: domain.CommandStatusFailed,
		result: domain.Result{ErrorCode: string(code), Error: message, CompletedAt: at.UTC()},
	}
}

func (e *Executor) execute(ctx context.Context, cmd domain.Command) {
	ctx, span := e.tracer.Start(ctx, "executor.execute", trace.WithAttributes(
		attribute.String("tenant_id", cmd.TenantID),
		attribute.String("command_id", cmd.ID),
		attribute.String("provider", cmd.Provider),
	))
	defer span.End()

	now := e.now().UTC()
	if cmd.ExpiredAt(now) {
		e.expire(ctx, cmd, now)
		span.SetAttributes(attribute.String("status", string(domain.CommandStatusExpired)))
		return
	}

	if !e.allowed(cmd, cmd.Status, domain.CommandStatusExecuting) {
		return
	}
	if _, err := e.appendAudit(ctx, cmd.TenantID, audit.Executing{CommandID: cmd.ID, Provider: cmd.Provider, At: now}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "executing audit failed")
		e.finish(ctx, cmd, domain.CommandStatusPending, failure(apperrors.CodeAuditUnavailable, err.Error(), e.now()))
		return
	}
	if err := e.commands.UpdateCommandStatus(ctx, cmd.TenantID, cmd.ID, domain.CommandStatusPending, domain.CommandStatusExecuting, nil); err != nil {
		e.logger.Error("mark executing failed", "tenant_id", cmd.TenantID, "command_id", cmd.ID, "error", err)
		e.finish(ctx, cmd, domain.CommandStatusPending, failure(apperrors.CodeStorageUnavailable, err.Error(), e.now()))
		return
	}

	out := e.run(ctx, cmd)
	if out.status == domain.CommandStatusFailed {
		span.SetStatus(codes.Error, out.result.ErrorCode)
	}
	span.SetAttributes(attribute.String("status", string(out.status)))
	e.finish(ctx, cmd, domain.CommandStatusExecuting, out)
}

func (e *Executor) run(ctx context.Context, cmd domain.Command) outcome {
	p, ok := e.providers.Get(cmd.Provider)
	if !ok {
		return failure(apperrors.CodeExecutionError, "provider no longer registered", e.now())
	}

	resolveCtx, cancel := context.WithTimeout(ctx, e.cfg.ResolveTimeout)
	cred, err := e.resolver.Resolve(resolveCtx, cmd.TenantID, cmd.Provider)
	cancel()
	if err != nil {
		code := apperrors.CodeOf(err)
		if code == apperrors.CodeUnknown {
			code = apperrors.CodeCredentialMissing
		}
		e.logger.Warn("credential resolution failed", "tenant_id", cmd.TenantID, "command_id", cmd.ID, "code", string(code), "error", err)
		return failure(code, err.Error(), e.now())
	}

	output, err := e.call(ctx, p, provider.Request{
		CommandID:  cmd.ID,
		TenantID:   cmd.TenantID,
		Payload:    cmd.Payload,
		Credential: cred,
	})
	if err != nil {
		code := apperrors.CodeExecutionError
		if errors.Is(err, context.DeadlineExceeded) {
			code = apperrors.CodeExecutionTimeout
		}
		e.logger.Warn("provider call failed", "tenant_id", cmd.TenantID, "command_id", cmd.ID, "code", string(code), "error", err)
		return failure(code, err.Error(), e.now())
	}
	return outcome{
		status: domain.CommandStatusCompleted,
		result: domain.Result{Output: output, CompletedAt: e.now().UTC()},
	}
}

type callResult struct {
	output []byte
	err    error
}

// call runs the provider with the per-call timeout. A provider that ignores
// cancellation is abandoned when the deadline passes.
func (e *Executor) call(ctx context.Context, p provider.Provider, req provider.Request) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	ch := make(chan callResult, 1)
	go func() {
		defer func() {
			if v := recover(); v != nil {
				ch <- callResult{err: fmt.Errorf("provider panicked: %v", v)}
			}
		}()
		out, err := p.Execute(callCtx, req)
		ch <- callResult{output: out, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil && callCtx.Err() != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s: %w", p.Name(), context.DeadlineExceeded)
		}
		return res.output, res.err
	case <-callCtx.Done():
		return nil, fmt.Errorf("%s: %w", p.Name(), callCtx.Err())
	}
}

func (e *Executor) expire(ctx context.Context, cmd domain.Command, now time.Time) {
	if !e.allowed(cmd, cmd.Status, domain.CommandStatusExpired) {
		return
	}
	if _, err := e.appendAudit(ctx, cmd.TenantID, audit.Expired{CommandID: cmd.ID, ExpiresAt: cmd.ExpiresAt, At: now}); err != nil {
		e.logger.Error("expired audit failed; command left pending", "tenant_id", cmd.TenantID, "command_id", cmd.ID, "error", err)
		return
	}
	result := domain.Result{ErrorCode: string(apperrors.CodeExpired), Error: "expired before admission", CompletedAt: now}
	if err := e.commands.UpdateCommandStatus(ctx, cmd.TenantID, cmd.ID, domain.CommandStatusPending, domain.CommandStatusExpired, &result); err != nil {
		e.logger.Error("mark expired failed", "tenant_id", cmd.TenantID, "command_id", cmd.ID, "error", err)
	}
	cmd.Status = domain.CommandStatusExpired
	cmd.Result = &result
	e.notify(ctx, cmd)
}

// finish records the terminal entry, persists the terminal state, and
// notifies exactly once. Without a terminal entry nothing else happens.
func (e *Executor) finish(ctx context.Context, cmd domain.Command, from domain.CommandStatus, out outcome) {
	if !e.allowed(cmd, from, out.status) {
		return
	}
	var ev audit.Event
	if out.status == domain.CommandStatusCompleted {
		ev = audit.Completed{CommandID: cmd.ID, OutputSHA256: digest(out.result.Output), At: out.result.CompletedAt}
	} else {
		ev = audit.Failed{CommandID: cmd.ID, ErrorCode: out.result.ErrorCode, Error: out.result.Error, At: out.result.CompletedAt}
	}
	if _, err := e.appendAudit(ctx, cmd.TenantID, ev); err != nil {
		e.logger.Error("terminal audit failed; command left unresolved",
			"tenant_id", cmd.TenantID,
			"command_id", cmd.ID,
			"status", string(from),
			"error", err,
		)
		return
	}
	result := out.result
	if err := e.commands.UpdateCommandStatus(ctx, cmd.TenantID, cmd.ID, from, out.status, &result); err != nil {
		e.logger.Error("persist terminal state failed", "tenant_id", cmd.TenantID, "command_id", cmd.ID, "error", err)
	}
	cmd.Status = out.status
	cmd.Result = &result
	e.notify(ctx, cmd)
	e.logger.Info("command finished", "tenant_id", cmd.TenantID, "command_id", cmd.ID, "status", string(out.status), "error_code", result.ErrorCode)
}

// allowed rejects lifecycle edges before anything is recorded for them.
func (e *Executor) allowed(cmd domain.Command, from, to domain.CommandStatus) bool {
	if domain.CanTransition(from, to) {
		return true
	}
	e.logger.Error("invalid lifecycle transition",
		"tenant_id", cmd.TenantID,
		"command_id", cmd.ID,
		"from", string(from),
		"to", string(to),
	)
	return false
}

func (e *Executor) notify(ctx context.Context, cmd domain.Command) {
	n := notify.Notification{
		CommandID: cmd.ID,
		TenantID:  cmd.TenantID,
		Status:    cmd.Status,
		Result:    cmd.Result,
		Timestamp: e.now().UTC(),
	}
	if cmd.Result != nil {
		n.ErrorCode = cmd.Result.ErrorCode
		n.Error = cmd.Result.Error
	}
	e.notifier.Notify(ctx, n)
}

func (e *Executor) appendAudit(ctx context.Context, tenantID string, ev audit.Event) (domain.ChainEntry, error) {
	auditCtx, cancel := context.WithTimeout(ctx, e.cfg.AuditTimeout)
	defer cancel()
	entry, err := e.chain.Append(auditCtx, tenantID, ev)
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeAuditUnavailable) {
			return domain.ChainEntry{}, err
		}
		return domain.ChainEntry{}, apperrors.Wrap(apperrors.CodeAuditUnavailable, "append audit entry", err)
	}
	return entry, nil
}

func digest(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
