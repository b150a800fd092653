package lifecycle

import (
	"context"
	"fmt"
	"maps"
	"path"
	"slices"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/config"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/log"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/remote"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/retry"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/types"
)

// Workspace prepares a user's account and home directory on a new instance
// and starts the notebook server there
type Workspace struct {
	cfg       *config.Config
	connector remote.Connector
	exec      *retry.Executor
	logger    zerolog.Logger
}

// NewWorkspace creates a workspace preparer
func NewWorkspace(cfg *config.Config, connector remote.Connector, exec *retry.Executor) *Workspace {
	return &Workspace{
		cfg:       cfg,
		connector: connector,
		exec:      exec,
		logger:    log.WithComponent("workspace"),
	}
}

// SetupCommands returns the privileged commands that prepare user's home on
// the persistent volume, in the order they run. It returns nothing for the
// service account, whose home is part of the image.
func (w *Workspace) SetupCommands(user string, sel types.VolumeSelection) []string {
	ws := w.cfg.Workspace
	if user == ws.WorkerUsername {
		return nil
	}

	home := path.Join("/home", user)
	userDir := path.Join(ws.MountPoint, user)
	skeleton := path.Join("/home", ws.WorkerUsername)
	fstabLine := fmt.Sprintf("%s %s xfs defaults 1 1", ws.Device, ws.MountPoint)

	var cmds []string
	if sel.Fresh() && ws.FormatNewVolumes {
		cmds = append(cmds, remote.Command("mkfs.xfs", ws.Device))
	}
	cmds = append(cmds,
		remote.Command("mkdir", "-p", ws.MountPoint),
		fmt.Sprintf("grep -qs %s /etc/fstab || echo %s >> /etc/fstab",
			remote.Command("^"+ws.Device+" "), remote.Command(fstabLine)),
		"mount -a",
		fmt.Sprintf("id -u %s >/dev/null 2>&1 || %s",
			remote.Command(user), remote.Command("useradd", "-d", home, "-s", "/bin/bash", user)),
		fmt.Sprintf("test -e %s || %s",
			remote.Command(userDir), remote.Command("cp", "-R", skeleton, userDir)),
		remote.Command("ln", "-sfn", userDir, home),
		remote.Command("chown", "-R", user, home, userDir),
		fmt.Sprintf("echo %s > %s",
			remote.Command(user+" ALL=(ALL) NOPASSWD:ALL"), remote.Command(path.Join("/etc/sudoers.d", user))),
	)
	return cmds
}

// Setup runs SetupCommands on host. Every command goes through the retry
// executor; the first one to exhaust aborts the setup.
func (w *Workspace) Setup(ctx context.Context, user, host string, sel types.VolumeSelection) error {
	cmds := w.SetupCommands(user, sel)
	if len(cmds) == 0 {
		w.logger.Debug().Str("user", user).Msg("Skipping workspace setup for service account")
		return nil
	}

	for i, cmd := range cmds {
		if _, err := retry.Do(ctx, w.exec, "workspace-setup", func(ctx context.Context) (string, error) {
			return remote.Exec(ctx, w.connector, host, cmd, true)
		}).Unwrap(); err != nil {
			w.logger.Error().Err(err).Str("user", user).Str("host", host).Int("step", i+1).Msg("Workspace setup failed")
			return types.Unavailable("workspace setup for %s failed at step %d", user, i+1)
		}
	}

	w.logger.Info().
		Str("user", user).
		Str("host", host).
		Bool("formatted", sel.Fresh() && w.cfg.Workspace.FormatNewVolumes).
		Msg("Prepared workspace")
	return nil
}

// NotebookCommand builds the detached command line that starts user's
// notebook server. HOME and SHELL always point at the user's account.
func (w *Workspace) NotebookCommand(user string, env map[string]string) string {
	nb := w.cfg.Notebook

	vars := maps.Clone(env)
	if vars == nil {
		vars = make(map[string]string, 2)
	}
	vars["HOME"] = path.Join("/home", user)
	vars["SHELL"] = "/bin/bash"

	args := []string{"env"}
	for _, k := range slices.Sorted(maps.Keys(vars)) {
		args = append(args, k+"="+vars[k])
	}
	args = append(args, nb.Command)
	args = append(args, nb.Args...)
	args = append(args,
		"--port="+strconv.Itoa(nb.Port),
		"--user="+user,
		"--notebook-dir=/",
	)

	var b strings.Builder
	b.WriteString("nohup ")
	b.WriteString(remote.Command(args...))
	b.WriteString(" > ")
	b.WriteString(remote.Command(nb.LogPath))
	b.WriteString(" 2>&1 &")
	return b.String()
}

// LaunchNotebook starts the notebook server on host without waiting for it
func (w *Workspace) LaunchNotebook(ctx context.Context, user, host string, env map[string]string) error {
	cmd := w.NotebookCommand(user, env)
	if _, err := retry.Do(ctx, w.exec, "notebook-launch", func(ctx context.Context) (string, error) {
		return remote.Exec(ctx, w.connector, host, cmd, true)
	}).Unwrap(); err != nil {
		w.logger.Error().Err(err).Str("user", user).Str("host", host).Msg("Failed to launch notebook")
		return types.Unavailable("could not launch notebook for %s", user)
	}

	w.logger.Info().Str("user", user).Str("host", host).Int("port", w.cfg.Notebook.Port).Msg("Launched notebook")
	return nil
}
