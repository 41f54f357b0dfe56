// Package session implements the session lifecycle controller: the
// per-session state machine, resource provisioning
// (mirror → worktree → token → container) and reaping, and
// disconnection handling, per spec.md §4.5.
//
// Grounded on the teacher's pkg/manager/manager.go Apply-and-unwrap
// pattern (generalized here to "apply a transition under the
// session's own lock" instead of "apply under the raft leader lock")
// and pkg/worker/health_monitor.go's per-entity
// goroutine+context.CancelFunc map, reused here to track one
// in-flight provisioning per session so `stop` can cancel it.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/agentctl/internal/containerfacade"
	"github.com/cuemby/agentctl/internal/domain"
	"github.com/cuemby/agentctl/internal/envelope"
	"github.com/cuemby/agentctl/internal/eventlog"
	"github.com/cuemby/agentctl/internal/hostfacade"
	"github.com/cuemby/agentctl/internal/log"
	"github.com/cuemby/agentctl/internal/metrics"
	"github.com/cuemby/agentctl/internal/registry"
	"github.com/cuemby/agentctl/internal/scfacade"
	"github.com/cuemby/agentctl/internal/store"
)

// Errors the router translates into the error codes spec.md §4.6
// names.
var (
	ErrRepoNotFound          = errors.New("session: repo not found")
	ErrDuplicateOrchestrator = errors.New("session: repo already has a non-terminal orchestrator session")
	ErrSessionNotFound       = errors.New("session: not found")
	ErrSessionNotWaiting     = errors.New("session: not waiting")
	ErrNoContainer           = errors.New("session: no sandbox connection")
)

const (
	defaultStopGraceSeconds = 10
	defaultStepTimeout      = 2 * time.Minute
)

// StartInput is the router's session.start command, unpacked.
type StartInput struct {
	RepoID       string
	Role         domain.Role
	BaseBranch   string
	GoalPrompt   string
	Model        string
}

// processExitedPayload is the runner's process.exited payload shape.
type processExitedPayload struct {
	ExitCode int `json:"exitCode"`
}

// Controller owns the state machine and resource lifecycle for every
// session. It is constructed once by the top-level orchestrator and
// passed explicitly to the ingest, router and transport components
// that need to drive transitions, per SPEC_FULL.md's note on avoiding
// incidental process-wide singletons.
type Controller struct {
	store     store.Store
	eventlog  *eventlog.Log
	registry  *registry.Registry
	sc        *scfacade.Facade
	host      *hostfacade.Facade
	container *containerfacade.Facade

	managerURL     string
	containerImage string

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	cancels map[string]context.CancelFunc
}

// New constructs a Controller. managerURL is the host-reachable
// address sandboxes use to reach this process back (derived from the
// container facade's host_url operation and the configured port).
func New(s store.Store, l *eventlog.Log, r *registry.Registry, sc *scfacade.Facade, host *hostfacade.Facade, container *containerfacade.Facade, managerURL, containerImage string) *Controller {
	return &Controller{
		store:          s,
		eventlog:       l,
		registry:       r,
		sc:             sc,
		host:           host,
		container:      container,
		managerURL:     managerURL,
		containerImage: containerImage,
		locks:          make(map[string]*sync.Mutex),
		cancels:        make(map[string]context.CancelFunc),
	}
}

func (c *Controller) lockFor(sessionID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[sessionID] = l
	}
	return l
}

func (c *Controller) setCancel(sessionID string, cancel context.CancelFunc) {
	c.mu.Lock()
	c.cancels[sessionID] = cancel
	c.mu.Unlock()
}

func (c *Controller) clearCancel(sessionID string) {
	c.mu.Lock()
	delete(c.cancels, sessionID)
	c.mu.Unlock()
}

func (c *Controller) cancelFor(sessionID string) (context.CancelFunc, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cancel, ok := c.cancels[sessionID]
	return cancel, ok
}

func must(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return raw
}

// shortID returns the first 8 characters of id, or all of it if
// shorter, per spec.md §8's branch-name boundary behavior.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// Start provisions a new session, per spec.md §4.5. The session row
// is inserted in `starting` state synchronously (with respect to the
// caller); mirror/worktree/token/container provisioning runs
// asynchronously in a goroutine this call spawns.
func (c *Controller) Start(in StartInput) (*domain.Session, error) {
	repo, err := c.store.FindRepoByID(in.RepoID)
	if err != nil {
		return nil, ErrRepoNotFound
	}

	if in.Role == domain.RoleOrchestrator {
		sessions, err := c.store.ListSessionsByRepo(in.RepoID)
		if err != nil {
			return nil, fmt.Errorf("checking existing orchestrators: %w", err)
		}
		for _, s := range sessions {
			if s.Role == domain.RoleOrchestrator && !s.Status.Terminal() {
				return nil, ErrDuplicateOrchestrator
			}
		}
	}

	baseBranch := in.BaseBranch
	if baseBranch == "" {
		baseBranch = repo.DefaultBranch
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	sess := &domain.Session{
		ID:         id,
		RepoID:     in.RepoID,
		Role:       in.Role,
		Status:     domain.SessionStarting,
		Branch:     fmt.Sprintf("agent/%s/%s", repo.Name, shortID(id)),
		BaseBranch: baseBranch,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := c.store.InsertSession(sess); err != nil {
		return nil, fmt.Errorf("inserting session: %w", err)
	}

	if _, err := c.eventlog.Append(&domain.Event{
		SessionID: id,
		Source:    domain.SourceManager,
		Kind:      domain.ManagerSessionStarted,
		Payload:   must(map[string]any{"role": in.Role, "branch": sess.Branch, "baseBranch": baseBranch}),
	}, domain.SessionPatch{}); err != nil {
		log.WithComponent("session").Warn().Err(err).Str("session_id", id).Msg("failed to record session-started event")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.setCancel(id, cancel)
	metrics.SessionsTotal.WithLabelValues(string(domain.SessionStarting)).Inc()
	go c.provision(ctx, repo, sess, in.GoalPrompt, in.Model)

	return sess, nil
}

// cancelled reports whether ctx was cancelled, distinguishing a
// caller-initiated `stop` from a deadline timeout: both unwind
// partial resources, but the former lands on `stopped` and the
// latter on `error` (spec.md §5).
func cancelled(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.Canceled)
}

func (c *Controller) provision(parent context.Context, repo *domain.Repository, sess *domain.Session, goalPrompt, model string) {
	defer c.clearCancel(sess.ID)
	timer := metrics.NewTimer()

	var worktreePath string
	var containerHandle string

	fail := func(stepErr error) {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), defaultStepTimeout)
		defer cancel()
		if containerHandle != "" {
			_ = c.container.Remove(cleanupCtx, containerHandle, true)
		}
		if worktreePath != "" {
			_ = c.sc.RemoveWorktree(cleanupCtx, repo.Owner, repo.Name, sess.ID)
		}

		status := domain.SessionError
		kind := domain.ManagerProvisioningFailed
		outcome := "error"
		if cancelled(parent) {
			status = domain.SessionStopped
			kind = domain.ManagerSessionStopped
			outcome = "stopped"
		}
		now := time.Now().UTC()
		if err := c.store.UpdateSessionFields(sess.ID, domain.SessionPatch{Status: &status, FinishedAt: &now}); err != nil {
			log.WithComponent("session").Error().Err(err).Str("session_id", sess.ID).Msg("failed to persist provisioning failure")
		}
		if _, err := c.eventlog.Append(&domain.Event{
			SessionID: sess.ID,
			Source:    domain.SourceManager,
			Kind:      kind,
			Payload:   must(map[string]string{"reason": stepErr.Error()}),
		}, domain.SessionPatch{}); err != nil {
			log.WithComponent("session").Error().Err(err).Msg("failed to record provisioning failure event")
		}
		metrics.SessionsTotal.WithLabelValues(string(domain.SessionStarting)).Dec()
		metrics.SessionsTotal.WithLabelValues(string(status)).Inc()
		timer.ObserveDurationVec(metrics.ProvisioningDuration, outcome)
	}

	checkCancelled := func() bool {
		select {
		case <-parent.Done():
			fail(parent.Err())
			return true
		default:
			return false
		}
	}

	if checkCancelled() {
		return
	}

	stepCtx, stepCancel := context.WithTimeout(parent, defaultStepTimeout)
	defaultBranch, err := c.sc.EnsureMirror(stepCtx, repo.Owner, repo.Name, remoteURL(repo.Owner, repo.Name))
	stepCancel()
	if err != nil {
		fail(fmt.Errorf("ensuring mirror: %w", err))
		return
	}
	if sess.BaseBranch == "" {
		sess.BaseBranch = defaultBranch
	}

	if checkCancelled() {
		return
	}

	stepCtx, stepCancel = context.WithTimeout(parent, defaultStepTimeout)
	worktreePath, err = c.sc.CreateWorktree(stepCtx, repo.Owner, repo.Name, sess.ID, sess.BaseBranch, sess.Branch)
	stepCancel()
	if err != nil {
		fail(fmt.Errorf("creating worktree: %w", err))
		return
	}

	if checkCancelled() {
		return
	}

	token := c.host.GetAccessToken()

	if checkCancelled() {
		return
	}

	stepCtx, stepCancel = context.WithTimeout(parent, defaultStepTimeout)
	goalPrompt = c.withRepoInstructions(stepCtx, repo, sess.BaseBranch, goalPrompt)
	stepCancel()

	if checkCancelled() {
		return
	}

	stepCtx, stepCancel = context.WithTimeout(parent, defaultStepTimeout)
	containerHandle, err = c.container.Start(stepCtx, containerfacade.StartInput{
		SessionID:    sess.ID,
		WorktreePath: worktreePath,
		Token:        token,
		ManagerURL:   c.managerURL,
		Image:        c.containerImage,
		Role:         string(sess.Role),
		Goal:         goalPrompt,
		Model:        model,
	})
	stepCancel()
	if err != nil {
		fail(fmt.Errorf("starting container: %w", err))
		return
	}

	if err := c.store.UpdateSessionFields(sess.ID, domain.SessionPatch{
		WorktreePath:  &worktreePath,
		SandboxHandle: &containerHandle,
	}); err != nil {
		log.WithComponent("session").Error().Err(err).Str("session_id", sess.ID).Msg("failed to persist provisioned resources")
	}
	timer.ObserveDurationVec(metrics.ProvisioningDuration, "ok")
}

func remoteURL(owner, name string) string {
	return fmt.Sprintf("https://github.com/%s/%s.git", owner, name)
}

// withRepoInstructions prepends the repository's own AGENTS.md, if
// the hosting service has one on baseBranch, to goalPrompt. A missing
// file or lookup failure leaves goalPrompt unchanged — the
// instructions file enriches the prompt, it isn't required.
func (c *Controller) withRepoInstructions(ctx context.Context, repo *domain.Repository, baseBranch, goalPrompt string) string {
	content, err := c.host.GetFile(ctx, repo.Owner, repo.Name, "AGENTS.md", baseBranch)
	if err != nil || content == nil {
		return goalPrompt
	}
	if goalPrompt == "" {
		return *content
	}
	return *content + "\n\n" + goalPrompt
}

// Stop implements spec.md §4.5's stop procedure, including the
// `starting`-state cancellation race (tie-break (a)) and double-stop
// idempotence (tie-break (b)).
func (c *Controller) Stop(sessionID string) error {
	lock := c.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := c.store.FindSessionByID(sessionID)
	if err != nil {
		return ErrSessionNotFound
	}
	if sess.Status.Terminal() {
		return nil
	}

	if sess.Status == domain.SessionStarting {
		if cancel, ok := c.cancelFor(sessionID); ok {
			cancel()
			// The in-flight provisioning goroutine completes the
			// transition to `stopped` and emits the synthetic event once
			// it observes cancellation between steps.
			return nil
		}
		// Provisioning already finished: stop the session like any
		// other non-terminal one.
	}

	if conn, ok := c.registry.SandboxFor(sessionID); ok {
		_ = conn.SendEnvelope(envelope.KindCommand, &sessionID, map[string]string{"type": "session.stop", "sessionId": sessionID})
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), defaultStepTimeout)
	defer cancel()
	if sess.SandboxHandle != nil {
		if err := c.container.Stop(stopCtx, *sess.SandboxHandle, defaultStopGraceSeconds); err != nil {
			log.WithComponent("session").Warn().Err(err).Str("session_id", sessionID).Msg("container stop failed, removing anyway")
		}
		if err := c.container.Remove(stopCtx, *sess.SandboxHandle, true); err != nil {
			log.WithComponent("session").Warn().Err(err).Str("session_id", sessionID).Msg("container remove failed")
		}
	}

	now := time.Now().UTC()
	status := domain.SessionStopped
	if err := c.store.UpdateSessionFields(sessionID, domain.SessionPatch{Status: &status, FinishedAt: &now}); err != nil {
		return fmt.Errorf("persisting stop: %w", err)
	}
	if _, err := c.eventlog.Append(&domain.Event{
		SessionID: sessionID,
		Source:    domain.SourceManager,
		Kind:      domain.ManagerSessionStopped,
		Payload:   must(map[string]string{"reason": "requested"}),
	}, domain.SessionPatch{}); err != nil {
		log.WithComponent("session").Error().Err(err).Msg("failed to record session-stopped event")
	}
	metrics.SessionsTotal.WithLabelValues(string(sess.Status)).Dec()
	metrics.SessionsTotal.WithLabelValues(string(status)).Inc()
	return nil
}

// HandleProcessStarted implements the `starting → running` transition
// triggered by the sandbox's own `process.started` runner event.
func (c *Controller) HandleProcessStarted(sessionID string) {
	lock := c.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := c.store.FindSessionByID(sessionID)
	if err != nil || sess.Status != domain.SessionStarting {
		return
	}
	status := domain.SessionRunning
	if err := c.store.UpdateSessionFields(sessionID, domain.SessionPatch{Status: &status}); err != nil {
		log.WithComponent("session").Error().Err(err).Str("session_id", sessionID).Msg("failed to persist running transition")
		return
	}
	metrics.SessionsTotal.WithLabelValues(string(domain.SessionStarting)).Dec()
	metrics.SessionsTotal.WithLabelValues(string(status)).Inc()
}

// HandleIdleEvent implements the `running → waiting` transition on a
// `session.idle` runner event, suppressed (idempotent) if the session
// is not currently `running`, per spec.md §4.4.
func (c *Controller) HandleIdleEvent(sessionID string) {
	lock := c.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := c.store.FindSessionByID(sessionID)
	if err != nil || sess.Status != domain.SessionRunning {
		return
	}
	status := domain.SessionWaiting
	if err := c.store.UpdateSessionFields(sessionID, domain.SessionPatch{Status: &status}); err != nil {
		log.WithComponent("session").Error().Err(err).Str("session_id", sessionID).Msg("failed to persist waiting transition")
		return
	}
	metrics.SessionsTotal.WithLabelValues(string(domain.SessionRunning)).Dec()
	metrics.SessionsTotal.WithLabelValues(string(status)).Inc()
	c.refreshGitHubMetadata(sessionID)
}

// refreshGitHubMetadata resolves the worktree branch's current head
// revision and any open pull request for it, caching both on the
// session row (spec.md §3's "cached head revision, cached
// pull-request link"). It runs in its own goroutine, since a slow
// hosting-service call must never block the event that triggered it.
func (c *Controller) refreshGitHubMetadata(sessionID string) {
	go func() {
		sess, err := c.store.FindSessionByID(sessionID)
		if err != nil {
			return
		}
		repo, err := c.store.FindRepoByID(sess.RepoID)
		if err != nil {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), defaultStepTimeout)
		defer cancel()

		patch := domain.SessionPatch{}
		if rev, err := c.sc.HeadRevisionOf(ctx, repo.Owner, repo.Name, sess.Branch); err == nil {
			patch.HeadRevision = &rev
		}

		prURL := ""
		if prs, err := c.host.FindPRsForBranch(ctx, repo.Owner, repo.Name, sess.Branch); err == nil && len(prs) > 0 {
			prURL = prs[0].URL
		} else {
			prURL = c.host.URLsFor(repo.Owner, repo.Name, sess.Branch, sess.BaseBranch).NewPR
		}
		if prURL != "" {
			patch.PullRequestURL = &prURL
		}

		if patch.HeadRevision == nil && patch.PullRequestURL == nil {
			return
		}
		if err := c.store.UpdateSessionFields(sessionID, patch); err != nil {
			log.WithComponent("session").Warn().Err(err).Str("session_id", sessionID).Msg("failed to cache head revision/pull request link")
		}
	}()
}

// SendMessage implements session.send_message (spec.md §4.6): it
// transitions the session to `running`, persists a
// `manager.user.message` event, and forwards a `user_message` command
// envelope on the sandbox connection.
func (c *Controller) SendMessage(sessionID, text string, force bool) error {
	lock := c.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := c.store.FindSessionByID(sessionID)
	if err != nil {
		return ErrSessionNotFound
	}
	if sess.Status == domain.SessionRunning && !force {
		return ErrSessionNotWaiting
	}
	if sess.Status != domain.SessionRunning && sess.Status != domain.SessionWaiting {
		return ErrSessionNotWaiting
	}

	conn, ok := c.registry.SandboxFor(sessionID)
	if !ok {
		return ErrNoContainer
	}

	if sess.Status != domain.SessionRunning {
		status := domain.SessionRunning
		if err := c.store.UpdateSessionFields(sessionID, domain.SessionPatch{Status: &status}); err != nil {
			return fmt.Errorf("persisting running transition: %w", err)
		}
		metrics.SessionsTotal.WithLabelValues(string(sess.Status)).Dec()
		metrics.SessionsTotal.WithLabelValues(string(status)).Inc()
	}

	if _, err := c.eventlog.Append(&domain.Event{
		SessionID: sessionID,
		Source:    domain.SourceManager,
		Kind:      domain.ManagerUserMessage,
		Payload:   must(map[string]string{"message": text}),
	}, domain.SessionPatch{}); err != nil {
		log.WithComponent("session").Error().Err(err).Msg("failed to record user-message event")
	}

	return conn.SendEnvelope(envelope.KindCommand, &sessionID, map[string]string{"type": "user_message", "sessionId": sessionID, "message": text})
}

// HandleDisconnect implements spec.md §4.5's disconnection handling:
// a forgotten sandbox connection drives its bound session to `error`
// unless a clean `process.exited` runner event already precedes it,
// in which case the session lands on `finished`.
func (c *Controller) HandleDisconnect(sessionID string) {
	lock := c.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := c.store.FindSessionByID(sessionID)
	if err != nil || sess.Status.Terminal() {
		return
	}

	status := domain.SessionError
	reason := "connection_lost"
	runnerSource := domain.SourceRunner
	exitKind := domain.RunnerProcessExited
	events, err := c.store.ListEventsBySession(sessionID, store.EventFilter{
		Source: &runnerSource,
		Kind:   &exitKind,
		Order:  store.OrderDesc,
		Limit:  1,
	})
	if err == nil && len(events) > 0 {
		var payload processExitedPayload
		if jsonErr := json.Unmarshal(events[0].Payload, &payload); jsonErr == nil && payload.ExitCode == 0 {
			status = domain.SessionFinished
			reason = "clean_exit"
		}
	}
	if status == domain.SessionFinished {
		c.refreshGitHubMetadata(sessionID)
	}

	now := time.Now().UTC()
	if err := c.store.UpdateSessionFields(sessionID, domain.SessionPatch{Status: &status, FinishedAt: &now}); err != nil {
		log.WithComponent("session").Error().Err(err).Str("session_id", sessionID).Msg("failed to persist disconnect transition")
		return
	}
	if _, err := c.eventlog.Append(&domain.Event{
		SessionID: sessionID,
		Source:    domain.SourceManager,
		Kind:      domain.ManagerContainerDisconnected,
		Payload:   must(map[string]string{"reason": reason}),
	}, domain.SessionPatch{}); err != nil {
		log.WithComponent("session").Error().Err(err).Msg("failed to record disconnect event")
	}
	metrics.SessionsTotal.WithLabelValues(string(sess.Status)).Dec()
	metrics.SessionsTotal.WithLabelValues(string(status)).Inc()
}

// ReconcileOnBoot transitions every non-terminal session without a
// live sandbox connection to `error`, per spec.md §5's crash-safety
// requirement. isLive reports whether a session currently has a
// registered sandbox connection (always false at boot, before any
// sandbox has reconnected, but accepted as a parameter to keep this
// method testable without a live registry).
func (c *Controller) ReconcileOnBoot(isLive func(sessionID string) bool) (int, error) {
	sessions, err := c.store.ListNonTerminalSessions()
	if err != nil {
		return 0, fmt.Errorf("listing non-terminal sessions: %w", err)
	}

	reconciled := 0
	for _, sess := range sessions {
		if isLive(sess.ID) {
			continue
		}
		status := domain.SessionError
		now := time.Now().UTC()
		if err := c.store.UpdateSessionFields(sess.ID, domain.SessionPatch{Status: &status, FinishedAt: &now}); err != nil {
			log.WithComponent("session").Error().Err(err).Str("session_id", sess.ID).Msg("failed to reconcile orphaned session")
			continue
		}
		if _, err := c.eventlog.Append(&domain.Event{
			SessionID: sess.ID,
			Source:    domain.SourceManager,
			Kind:      domain.ManagerReconciledOnBoot,
			Payload:   must(map[string]string{"reason": "no live sandbox connection at startup"}),
		}, domain.SessionPatch{}); err != nil {
			log.WithComponent("session").Error().Err(err).Msg("failed to record reconciliation event")
		}
		metrics.ReconciledSessionsTotal.Inc()
		reconciled++
	}
	return reconciled, nil
}
