// Package containerfacade implements the container facade (spec.md
// §6): check/start/stop/remove/info/host_url, backed by a direct
// containerd client connection. Adapted from the teacher's
// pkg/runtime/containerd.go, which this package follows closely:
// namespace-scoped client, OCI spec construction via containerd's
// oci.SpecOpts, and the SIGTERM-then-SIGKILL stop sequence.
package containerfacade

import (
	"context"
	"fmt"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/agentctl/internal/log"
)

const namespace = "agentctl"

// StartInput is the fixed set of inputs spec.md §6's start operation
// takes.
type StartInput struct {
	SessionID    string
	WorktreePath string
	Token        string
	ManagerURL   string
	Image        string
	Role         string
	Goal         string
	Model        string
	ExtraEnv     map[string]string
}

// Info is info(handle)'s return shape.
type Info struct {
	Status   string
	ExitCode *int
}

// Facade implements the container operations spec.md §6 names.
type Facade struct {
	client *containerd.Client
}

// New connects to containerd at socketPath.
func New(socketPath string) (*Facade, error) {
	client, err := containerd.New(socketPath, containerd.WithDefaultNamespace(namespace))
	if err != nil {
		return nil, fmt.Errorf("connecting to containerd at %s: %w", socketPath, err)
	}
	return &Facade{client: client}, nil
}

func (f *Facade) Close() error {
	return f.client.Close()
}

// Check reports whether containerd is reachable and, if so, its
// version.
func (f *Facade) Check(ctx context.Context) (ok bool, version string, checkErr error) {
	ctx = namespaces.WithNamespace(ctx, namespace)
	v, err := f.client.Version(ctx)
	if err != nil {
		return false, "", err
	}
	return true, v.Version, nil
}

// Start pulls in.Image if needed, creates a container bind-mounting
// the worktree and injecting the sandbox's required environment, and
// starts its task. The returned handle is the containerd container
// id, opaque to the caller.
func (f *Facade) Start(ctx context.Context, in StartInput) (handle string, err error) {
	ctx = namespaces.WithNamespace(ctx, namespace)
	logger := log.WithComponent("containerfacade").With().Str("session_id", in.SessionID).Logger()

	image, err := f.client.Pull(ctx, in.Image, containerd.WithPullUnpack)
	if err != nil {
		return "", fmt.Errorf("pulling image %s: %w", in.Image, err)
	}

	id := "agentctl-" + in.SessionID
	env := []string{
		"AGENTCTL_SESSION_ID=" + in.SessionID,
		"AGENTCTL_TOKEN=" + in.Token,
		"AGENTCTL_MANAGER_URL=" + in.ManagerURL,
		"AGENTCTL_ROLE=" + in.Role,
		"AGENTCTL_GOAL=" + in.Goal,
		"AGENTCTL_MODEL=" + in.Model,
	}
	for k, v := range in.ExtraEnv {
		env = append(env, k+"="+v)
	}

	mounts := []specs.Mount{
		{
			Type:        "bind",
			Source:      in.WorktreePath,
			Destination: "/workspace",
			Options:     []string{"rbind", "rw"},
		},
	}

	container, err := f.client.NewContainer(ctx, id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			oci.WithEnv(env),
			oci.WithMounts(mounts),
		),
	)
	if err != nil {
		return "", fmt.Errorf("creating container %s: %w", id, err)
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		_ = container.Delete(ctx, containerd.WithSnapshotCleanup)
		return "", fmt.Errorf("creating task for %s: %w", id, err)
	}

	if err := task.Start(ctx); err != nil {
		_, _ = task.Delete(ctx)
		_ = container.Delete(ctx, containerd.WithSnapshotCleanup)
		return "", fmt.Errorf("starting task for %s: %w", id, err)
	}

	logger.Info().Str("container_id", id).Msg("container started")
	return id, nil
}

// Stop signals the container's task with SIGTERM, waits up to
// graceSeconds, then force-kills with SIGKILL. Idempotent: stopping an
// already-stopped or already-gone container returns success, per
// spec.md §5's collaborator-idempotence expectation.
func (f *Facade) Stop(ctx context.Context, handle string, graceSeconds int) error {
	ctx = namespaces.WithNamespace(ctx, namespace)

	container, err := f.client.LoadContainer(ctx, handle)
	if err != nil {
		return nil // already gone
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil // no task, nothing to stop
	}

	status, err := task.Status(ctx)
	if err == nil && status.Status != containerd.Running {
		return nil
	}

	exitCh, err := task.Wait(ctx)
	if err != nil {
		return fmt.Errorf("waiting on task %s: %w", handle, err)
	}

	if err := task.Kill(ctx, 15); err != nil { // SIGTERM
		log.WithComponent("containerfacade").Debug().Err(err).Msg("SIGTERM delivery failed, proceeding to grace wait")
	}

	grace := time.Duration(graceSeconds) * time.Second
	if grace <= 0 {
		grace = 10 * time.Second
	}

	select {
	case <-exitCh:
	case <-time.After(grace):
		if err := task.Kill(ctx, 9); err != nil { // SIGKILL
			log.WithComponent("containerfacade").Warn().Err(err).Msg("SIGKILL delivery failed")
		}
		<-exitCh
	}

	_, err = task.Delete(ctx)
	return err
}

// Remove stops (if force) and deletes the container and its
// snapshot.
func (f *Facade) Remove(ctx context.Context, handle string, force bool) error {
	ctx = namespaces.WithNamespace(ctx, namespace)

	if force {
		if err := f.Stop(ctx, handle, 5); err != nil {
			return err
		}
	}

	container, err := f.client.LoadContainer(ctx, handle)
	if err != nil {
		return nil // already gone
	}
	return container.Delete(ctx, containerd.WithSnapshotCleanup)
}

// Info reports the container's current status and, if exited, its
// exit code.
func (f *Facade) Info(ctx context.Context, handle string) (*Info, error) {
	ctx = namespaces.WithNamespace(ctx, namespace)

	container, err := f.client.LoadContainer(ctx, handle)
	if err != nil {
		return nil, nil
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return &Info{Status: "created"}, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting task status for %s: %w", handle, err)
	}

	info := &Info{Status: string(status.Status)}
	if status.Status == containerd.Stopped {
		code := int(status.ExitStatus)
		info.ExitCode = &code
	}
	return info, nil
}

// HostURL maps a container-internal port to the host-reachable URL
// the manager embeds in its outbound start payload. With a direct
// containerd runtime (no published port mapping layer), the sandbox
// reaches the manager through the host.containers.internal hostname,
// since both run on the same host by construction of this local
// control plane.
func (f *Facade) HostURL(port int) string {
	return fmt.Sprintf("http://host.containers.internal:%d", port)
}
