/*
Package lifecycle drives a user's notebook instance through start, stop,
terminate and poll.

Nothing is cached between calls. Each operation reads the user's record from
the registry, describes the recorded instance, and picks the next step from
what the provider reports:

	no record, or instance gone    provision, set up workspace, launch notebook
	terminated                     provision again, reusing the known volume
	running                        hang check, then make sure the notebook runs
	stopped/stopping/pending/...   optional type change, start, launch notebook
	anything else                  ErrTransientUnavailable

A record whose instance the provider no longer knows is removed as soon as it
is found, so the next attempt starts clean. Losing a concurrent insert for
the same user is reported as ErrTransientUnavailable; the registry's unique
keys keep the user at one record.

Workspace holds the remote commands run on a new instance: the filesystem on
a freshly created volume, the user account and home directory, and the
detached notebook server.
*/
package lifecycle
