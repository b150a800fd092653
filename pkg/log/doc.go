/*
Package log provides structured logging for the spawner using zerolog.

The package wraps a single global zerolog.Logger and hands out child loggers
carrying a component, user, or instance field. Every lifecycle component keeps
its own component logger so that a single start request can be followed across
the retry executor, remote sessions, the provisioner and the orchestrator.

# Configuration

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

JSONOutput selects machine-readable output for production; the console writer
is used otherwise. Level filters globally via zerolog.SetGlobalLevel.

# Component Loggers

	logger := log.WithComponent("lifecycle")
	logger.Info().
		Str("user", "alice").
		Str("instance_id", "i-0abc").
		Msg("Resuming stopped instance")

WithUser and WithInstanceID narrow a component logger to one user or instance:

	logger := log.WithInstanceID(log.WithUser(o.logger, user), inst.ID)

# Log Levels

  - Debug: per-attempt retry detail, remote command text
  - Info: lifecycle transitions (provisioned, started, stopped, terminated)
  - Warn: best-effort steps that failed (instance type change, role association)
  - Error: exhausted retries, provisioning failures

Retry exhaustion is logged exactly once by the retry package; callers add the
user context when they convert the exhausted result into an error.
*/
package log
