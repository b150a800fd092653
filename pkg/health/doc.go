/*
Package health judges whether a user's instance is usable.

Checkers follow one interface, Check(ctx) Result, and are built per target by
a Monitor:

  - Hang: an instance up for longer than the hang threshold (180s by default)
    must accept a no-op remote command within a few attempts. Below the
    threshold nothing is probed and the instance counts as healthy, since
    an instance that is still booting is expected to be unreachable.
  - Service: lists remote processes and looks for the notebook signature
    together with its port, retrying with a fixed delay up to a given number
    of attempts. Poll uses a single attempt so that login is never delayed
    by the probe.
  - Reachable: the no-op command alone, used while waiting for a new or
    resumed instance to accept sessions.

All remote calls go through the retry executor.
*/
package health
