// Package router implements the command router (spec.md §4.6):
// validating, authorizing and dispatching observer commands, and
// answering every command with an ack or error envelope.
//
// Grounded on the teacher's pkg/api/server.go RPC-handler-per-command
// shape, with the raft-leader guard generalized to the per-session
// lock the session controller already owns.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/agentctl/internal/broker"
	"github.com/cuemby/agentctl/internal/domain"
	"github.com/cuemby/agentctl/internal/envelope"
	"github.com/cuemby/agentctl/internal/hostfacade"
	"github.com/cuemby/agentctl/internal/log"
	"github.com/cuemby/agentctl/internal/registry"
	"github.com/cuemby/agentctl/internal/scfacade"
	"github.com/cuemby/agentctl/internal/session"
	"github.com/cuemby/agentctl/internal/snapshot"
	"github.com/cuemby/agentctl/internal/store"
)

// Router dispatches observer command envelopes.
type Router struct {
	store    store.Store
	session  *session.Controller
	broker   *broker.Broker
	registry *registry.Registry
	snapshot *snapshot.Service
	host     *hostfacade.Facade
	sc       *scfacade.Facade
}

// New constructs a Router. host and sc back the repo.add registration
// flow (spec.md §8's step 0, every scenario's presumed starting
// point).
func New(s store.Store, sess *session.Controller, b *broker.Broker, r *registry.Registry, snap *snapshot.Service, host *hostfacade.Facade, sc *scfacade.Facade) *Router {
	return &Router{store: s, session: sess, broker: b, registry: r, snapshot: snap, host: host, sc: sc}
}

type commandEnvelope struct {
	Type           string  `json:"type"`
	Owner          string  `json:"owner"`
	Name           string  `json:"name"`
	RepoID         string  `json:"repoId"`
	Role           string  `json:"role"`
	BaseBranch     string  `json:"baseBranch"`
	GoalPrompt     string  `json:"goalPrompt"`
	Model          string  `json:"model"`
	SessionID      string  `json:"sessionId"`
	Message        string  `json:"message"`
	Force          bool    `json:"force"`
	SubscriptionID string  `json:"subscriptionId"`
	Target         string  `json:"target"`
	AfterEventID   *uint64 `json:"afterEventId"`
	Limit          int     `json:"limit"`
}

// Dispatch handles one command/subscribe/snapshot envelope from conn
// and returns the ack payload to send back, or an error payload.
func (r *Router) Dispatch(conn *registry.Connection, env envelope.Envelope) (envelope.AckPayload, *envelope.ErrorPayload) {
	var cmd commandEnvelope
	if err := json.Unmarshal(env.Payload, &cmd); err != nil {
		return envelope.AckPayload{}, &envelope.ErrorPayload{Code: envelope.CodeInvalidMessage, Message: "malformed command payload: " + err.Error()}
	}

	switch cmd.Type {
	case "repo.add":
		return r.repoAdd(cmd)
	case "repo.discover":
		return r.repoDiscover(cmd)
	case "session.start":
		return r.sessionStart(cmd)
	case "session.stop":
		return r.sessionStop(cmd)
	case "session.send_message":
		return r.sendMessage(cmd)
	case "subscribe.repo_list":
		return r.subscribeRepoList(conn)
	case "subscribe.repo":
		return r.subscribeRepo(conn, cmd)
	case "subscribe.session":
		return r.subscribeSession(conn, cmd)
	case "unsubscribe":
		return r.unsubscribe(conn, cmd)
	case "snapshot.request":
		return r.snapshotRequest(cmd)
	default:
		return envelope.AckPayload{}, &envelope.ErrorPayload{Code: envelope.CodeUnknownCommand, Message: "unknown command type: " + cmd.Type}
	}
}

// repoAdd implements spec.md §8's unstated step 0: verify the
// hosting-service token can see owner/name, mirror it locally, and
// register it so session.start can find it by id.
func (r *Router) repoAdd(cmd commandEnvelope) (envelope.AckPayload, *envelope.ErrorPayload) {
	logger := log.WithComponent("router")
	ctx := context.Background()

	if existing, err := r.store.FindRepoByOwnerName(cmd.Owner, cmd.Name); err == nil && existing != nil {
		return envelope.AckPayload{Success: true, Data: existing}, nil
	}

	if auth := r.host.CheckAuth(ctx); !auth.OK {
		logger.Warn().Str("reason", auth.Error).Msg("repo.add: hosting-service auth check failed")
		return envelope.AckPayload{}, &envelope.ErrorPayload{Code: envelope.CodeInternalError, Message: "hosting-service auth check failed: " + auth.Error}
	}

	ghRepo, err := r.host.GetRepo(ctx, cmd.Owner, cmd.Name)
	if err != nil {
		logger.Error().Err(err).Str("owner", cmd.Owner).Str("name", cmd.Name).Msg("repo.add: get_repo failed")
		return envelope.AckPayload{}, &envelope.ErrorPayload{Code: envelope.CodeInternalError, Message: "internal error"}
	}
	if ghRepo == nil {
		return envelope.AckPayload{}, &envelope.ErrorPayload{Code: envelope.CodeRepoNotFound, Message: fmt.Sprintf("%s/%s not found", cmd.Owner, cmd.Name)}
	}

	remoteURL := fmt.Sprintf("https://github.com/%s/%s.git", cmd.Owner, cmd.Name)
	defaultBranch, err := r.sc.EnsureMirror(ctx, cmd.Owner, cmd.Name, remoteURL)
	if err != nil {
		logger.Error().Err(err).Str("owner", cmd.Owner).Str("name", cmd.Name).Msg("repo.add: ensure_mirror failed")
		return envelope.AckPayload{}, &envelope.ErrorPayload{Code: envelope.CodeInternalError, Message: "internal error"}
	}
	if defaultBranch == "" {
		defaultBranch = ghRepo.DefaultBranch
	}

	now := time.Now().UTC()
	repo := &domain.Repository{
		ID:            uuid.NewString(),
		Owner:         cmd.Owner,
		Name:          cmd.Name,
		DefaultBranch: defaultBranch,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := r.store.InsertRepo(repo); err != nil {
		logger.Error().Err(err).Msg("repo.add: insert_repo failed")
		return envelope.AckPayload{}, &envelope.ErrorPayload{Code: envelope.CodeInternalError, Message: "internal error"}
	}
	return envelope.AckPayload{Success: true, Data: repo}, nil
}

// repoDiscover lists repositories the configured hosting-service
// token can see, as candidates for repo.add (owner narrows the list
// to repos owned by a given user or org; empty lists everything the
// token's user can see).
func (r *Router) repoDiscover(cmd commandEnvelope) (envelope.AckPayload, *envelope.ErrorPayload) {
	limit := cmd.Limit
	if limit <= 0 {
		limit = 50
	}
	repos, err := r.host.ListRepos(context.Background(), limit, cmd.Owner, "")
	if err != nil {
		log.WithComponent("router").Error().Err(err).Msg("repo.discover: list_repos failed")
		return envelope.AckPayload{}, &envelope.ErrorPayload{Code: envelope.CodeInternalError, Message: "internal error"}
	}
	return envelope.AckPayload{Success: true, Data: repos}, nil
}

func (r *Router) sessionStart(cmd commandEnvelope) (envelope.AckPayload, *envelope.ErrorPayload) {
	sess, err := r.session.Start(session.StartInput{
		RepoID:     cmd.RepoID,
		Role:       domain.Role(cmd.Role),
		BaseBranch: cmd.BaseBranch,
		GoalPrompt: cmd.GoalPrompt,
		Model:      cmd.Model,
	})
	if err != nil {
		switch {
		case errors.Is(err, session.ErrRepoNotFound):
			return envelope.AckPayload{}, &envelope.ErrorPayload{Code: envelope.CodeRepoNotFound, Message: err.Error()}
		case errors.Is(err, session.ErrDuplicateOrchestrator):
			return envelope.AckPayload{}, &envelope.ErrorPayload{Code: envelope.CodeDuplicateOrchestrator, Message: err.Error()}
		default:
			log.WithComponent("router").Error().Err(err).Msg("session.start failed")
			return envelope.AckPayload{}, &envelope.ErrorPayload{Code: envelope.CodeInternalError, Message: "internal error"}
		}
	}
	return envelope.AckPayload{Success: true, Data: sess}, nil
}

func (r *Router) sessionStop(cmd commandEnvelope) (envelope.AckPayload, *envelope.ErrorPayload) {
	if err := r.session.Stop(cmd.SessionID); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return envelope.AckPayload{}, &envelope.ErrorPayload{Code: envelope.CodeSessionNotFound, Message: err.Error()}
		}
		log.WithComponent("router").Error().Err(err).Msg("session.stop failed")
		return envelope.AckPayload{}, &envelope.ErrorPayload{Code: envelope.CodeInternalError, Message: "internal error"}
	}
	return envelope.AckPayload{Success: true}, nil
}

func (r *Router) sendMessage(cmd commandEnvelope) (envelope.AckPayload, *envelope.ErrorPayload) {
	if err := r.session.SendMessage(cmd.SessionID, cmd.Message, cmd.Force); err != nil {
		switch {
		case errors.Is(err, session.ErrSessionNotFound):
			return envelope.AckPayload{}, &envelope.ErrorPayload{Code: envelope.CodeSessionNotFound, Message: err.Error()}
		case errors.Is(err, session.ErrSessionNotWaiting):
			return envelope.AckPayload{}, &envelope.ErrorPayload{Code: envelope.CodeSessionNotWaiting, Message: err.Error()}
		case errors.Is(err, session.ErrNoContainer):
			return envelope.AckPayload{}, &envelope.ErrorPayload{Code: envelope.CodeNoContainer, Message: err.Error()}
		default:
			log.WithComponent("router").Error().Err(err).Msg("session.send_message failed")
			return envelope.AckPayload{}, &envelope.ErrorPayload{Code: envelope.CodeInternalError, Message: "internal error"}
		}
	}
	return envelope.AckPayload{Success: true}, nil
}

func (r *Router) subscribeRepoList(conn *registry.Connection) (envelope.AckPayload, *envelope.ErrorPayload) {
	const topic = "repo_list"
	r.broker.Subscribe(topic, conn.ID, conn.Transport)
	r.registry.AddSubscription(conn.ID, topic)
	data, err := r.snapshot.RepoList()
	if err != nil {
		log.WithComponent("router").Error().Err(err).Msg("repo_list snapshot failed")
		return envelope.AckPayload{}, &envelope.ErrorPayload{Code: envelope.CodeInternalError, Message: "internal error"}
	}
	return envelope.AckPayload{Success: true, Data: map[string]any{"subscriptionId": topic, "snapshot": data}}, nil
}

func (r *Router) subscribeRepo(conn *registry.Connection, cmd commandEnvelope) (envelope.AckPayload, *envelope.ErrorPayload) {
	topic := "repo:" + cmd.RepoID
	r.broker.Subscribe(topic, conn.ID, conn.Transport)
	r.registry.AddSubscription(conn.ID, topic)
	data, err := r.snapshot.RepoView(cmd.RepoID)
	if err != nil {
		log.WithComponent("router").Error().Err(err).Msg("repo snapshot failed")
		return envelope.AckPayload{}, &envelope.ErrorPayload{Code: envelope.CodeInternalError, Message: "internal error"}
	}
	return envelope.AckPayload{Success: true, Data: map[string]any{"subscriptionId": topic, "snapshot": data}}, nil
}

func (r *Router) subscribeSession(conn *registry.Connection, cmd commandEnvelope) (envelope.AckPayload, *envelope.ErrorPayload) {
	topic := "session:" + cmd.SessionID
	r.broker.Subscribe(topic, conn.ID, conn.Transport)
	r.registry.AddSubscription(conn.ID, topic)
	data, err := r.snapshot.SessionEvents(cmd.SessionID, nil, 0)
	if err != nil {
		log.WithComponent("router").Error().Err(err).Msg("session snapshot failed")
		return envelope.AckPayload{}, &envelope.ErrorPayload{Code: envelope.CodeInternalError, Message: "internal error"}
	}
	return envelope.AckPayload{Success: true, Data: map[string]any{"subscriptionId": topic, "snapshot": data}}, nil
}

func (r *Router) unsubscribe(conn *registry.Connection, cmd commandEnvelope) (envelope.AckPayload, *envelope.ErrorPayload) {
	r.broker.Unsubscribe(cmd.SubscriptionID, conn.ID)
	r.registry.RemoveSubscription(conn.ID, cmd.SubscriptionID)
	return envelope.AckPayload{Success: true}, nil
}

func (r *Router) snapshotRequest(cmd commandEnvelope) (envelope.AckPayload, *envelope.ErrorPayload) {
	switch cmd.Target {
	case "repos":
		data, err := r.snapshot.RepoList()
		if err != nil {
			return envelope.AckPayload{}, &envelope.ErrorPayload{Code: envelope.CodeInternalError, Message: "internal error"}
		}
		return envelope.AckPayload{Success: true, Data: data}, nil
	case "sessions":
		data, err := r.snapshot.RepoView(cmd.RepoID)
		if err != nil {
			return envelope.AckPayload{}, &envelope.ErrorPayload{Code: envelope.CodeInternalError, Message: "internal error"}
		}
		return envelope.AckPayload{Success: true, Data: data}, nil
	case "events":
		data, err := r.snapshot.SessionEvents(cmd.SessionID, cmd.AfterEventID, cmd.Limit)
		if err != nil {
			return envelope.AckPayload{}, &envelope.ErrorPayload{Code: envelope.CodeInternalError, Message: "internal error"}
		}
		return envelope.AckPayload{Success: true, Data: data}, nil
	default:
		return envelope.AckPayload{}, &envelope.ErrorPayload{Code: envelope.CodeInvalidMessage, Message: "unknown snapshot target: " + cmd.Target}
	}
}
