package domain

// Runner event kinds, verbatim strings the sandbox's runner process
// emits (spec.md §4.4 step 2: "for runner events, use the
// runner-declared type verbatim").
const (
	RunnerProcessStarted = "process.started"
	RunnerProcessExited  = "process.exited"
	RunnerSessionIdle    = "session.idle"
)

// Manager-source synthetic event kinds, emitted by the core itself
// rather than relayed from a sandbox (spec.md §4.4 step 1).
const (
	ManagerSessionStarted      = "manager.session.started"
	ManagerSessionStopped      = "manager.session.stopped"
	ManagerUserMessage         = "manager.user.message"
	ManagerContainerDisconnected = "manager.container.disconnected"
	ManagerProvisioningFailed  = "manager.provisioning.failed"
	ManagerReconciledOnBoot    = "manager.reconciled.startup"
)

// FallbackClaudeKind is used when an inbound agent message carries no
// recognizable inner "type" field (spec.md §4.4 step 2).
const FallbackClaudeKind = "claude.message"
