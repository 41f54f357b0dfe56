package main

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/cuemby/agentctl/internal/envelope"
)

// repo/session subcommands are a CLI convenience path onto the same
// command router a connected observer speaks to: each dials the
// running `serve` instance's WebSocket endpoint, sends one command
// envelope, and prints the ack's data. They are not a second
// implementation of the router's logic.

var flagServerAddr string

func init() {
	rootCmd.PersistentFlags().StringVar(&flagServerAddr, "addr", "127.0.0.1:8080", "host:port of a running 'agentctl serve' instance")

	repoCmd.AddCommand(repoAddCmd, repoListCmd, repoDiscoverCmd)
	sessionCmd.AddCommand(sessionStartCmd, sessionStopCmd)
	rootCmd.AddCommand(repoCmd, sessionCmd)
}

var repoCmd = &cobra.Command{
	Use:   "repo",
	Short: "Manage registered repositories",
}

var repoAddCmd = &cobra.Command{
	Use:   "add <owner> <name>",
	Short: "Register a GitHub repository with the orchestrator",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendAndPrint(map[string]any{
			"type":  "repo.add",
			"owner": args[0],
			"name":  args[1],
		})
	},
}

var repoListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered repositories and their session counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendAndPrint(map[string]any{"type": "snapshot.request", "target": "repos"})
	},
}

var flagDiscoverOwner string

var repoDiscoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List repositories visible to the configured hosting-service token, as candidates for 'repo add'",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendAndPrint(map[string]any{"type": "repo.discover", "owner": flagDiscoverOwner})
	},
}

func init() {
	repoDiscoverCmd.Flags().StringVar(&flagDiscoverOwner, "owner", "", "restrict to repositories owned by this user or org")
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Start and stop agent sessions",
}

var (
	flagSessionRepoID     string
	flagSessionRole       string
	flagSessionBaseBranch string
	flagSessionGoal       string
	flagSessionModel      string
)

var sessionStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a new agent session against a registered repository",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendAndPrint(map[string]any{
			"type":       "session.start",
			"repoId":     flagSessionRepoID,
			"role":       flagSessionRole,
			"baseBranch": flagSessionBaseBranch,
			"goalPrompt": flagSessionGoal,
			"model":      flagSessionModel,
		})
	},
}

var sessionStopCmd = &cobra.Command{
	Use:   "stop <session-id>",
	Short: "Stop a running agent session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendAndPrint(map[string]any{"type": "session.stop", "sessionId": args[0]})
	},
}

func init() {
	sessionStartCmd.Flags().StringVar(&flagSessionRepoID, "repo", "", "id of a registered repository (required)")
	sessionStartCmd.Flags().StringVar(&flagSessionRole, "role", "implementer", "session role (implementer or orchestrator)")
	sessionStartCmd.Flags().StringVar(&flagSessionBaseBranch, "base-branch", "", "branch to base the session's worktree on (defaults to the repo's default branch)")
	sessionStartCmd.Flags().StringVar(&flagSessionGoal, "goal", "", "goal prompt handed to the agent")
	sessionStartCmd.Flags().StringVar(&flagSessionModel, "model", "", "model identifier to run the agent with")
	_ = sessionStartCmd.MarkFlagRequired("repo")
}

// sendAndPrint dials the configured server, sends cmd as a single
// command envelope, and prints the ack's data as indented JSON, or
// returns the router's error payload as an error.
func sendAndPrint(cmd map[string]any) error {
	ack, err := sendCommand(flagServerAddr, cmd)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(ack.Data, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

func sendCommand(addr string, cmd map[string]any) (envelope.AckPayload, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/ws"}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return envelope.AckPayload{}, fmt.Errorf("connecting to %s: %w", u.String(), err)
	}
	defer conn.Close()

	env, err := envelope.New(envelope.KindCommand, nil, 1, cmd)
	if err != nil {
		return envelope.AckPayload{}, err
	}
	raw, err := envelope.Encode(env)
	if err != nil {
		return envelope.AckPayload{}, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return envelope.AckPayload{}, fmt.Errorf("sending command: %w", err)
	}

	_, reply, err := conn.ReadMessage()
	if err != nil {
		return envelope.AckPayload{}, fmt.Errorf("reading reply: %w", err)
	}
	got, err := envelope.Decode(reply)
	if err != nil {
		return envelope.AckPayload{}, fmt.Errorf("decoding reply: %w", err)
	}

	if got.Kind == envelope.KindError {
		var errPayload envelope.ErrorPayload
		if err := json.Unmarshal(got.Payload, &errPayload); err != nil {
			return envelope.AckPayload{}, fmt.Errorf("command failed: %s", string(got.Payload))
		}
		return envelope.AckPayload{}, fmt.Errorf("%s: %s", errPayload.Code, errPayload.Message)
	}

	var ack envelope.AckPayload
	if err := json.Unmarshal(got.Payload, &ack); err != nil {
		return envelope.AckPayload{}, fmt.Errorf("decoding ack: %w", err)
	}
	return ack, nil
}
