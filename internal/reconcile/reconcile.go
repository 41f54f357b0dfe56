// Package reconcile implements the crash-safety boot pass spec.md §5
// requires: every session found `starting`, `running` or `waiting`
// without a live sandbox connection is transitioned to `error` with a
// synthetic event.
//
// Narrowed from the teacher's pkg/reconciler/reconciler.go ticker
// structure to a single one-shot boot pass: spec.md §5 only requires
// this at startup, not continuously. The continuous per-entity health
// reconciliation the teacher does is superseded here by
// internal/supervisor, which is the per-session equivalent spec.md
// §4.8 actually calls for.
package reconcile

import (
	"github.com/cuemby/agentctl/internal/log"
	"github.com/cuemby/agentctl/internal/metrics"
	"github.com/cuemby/agentctl/internal/session"
)

// Run performs the one-shot startup reconciliation pass against ctrl,
// returning the number of sessions transitioned to error. isLive
// should always report false for every session id at process start
// (no sandbox has reconnected yet); it is accepted so this pass can
// be driven from a registry snapshot if one is ever available before
// the WebSocket listener starts accepting connections.
func Run(ctrl *session.Controller, isLive func(sessionID string) bool) int {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconciliationDuration)

	logger := log.WithComponent("reconcile")
	n, err := ctrl.ReconcileOnBoot(isLive)
	if err != nil {
		logger.Error().Err(err).Msg("startup reconciliation failed")
		return 0
	}
	if n > 0 {
		logger.Warn().Int("count", n).Msg("transitioned orphaned sessions to error on startup")
	} else {
		logger.Info().Msg("startup reconciliation found no orphaned sessions")
	}
	return n
}
