// Package remote runs shell commands on user instances.
//
// A Connector binds a fixed account and key to any host address; Exec opens
// a Session, runs a single command and closes it, which is what the retry
// executor wraps. Failures are typed: ConnectionError while the host is not
// reachable, AuthError while the key is not installed yet, CommandError for
// non-zero exits. No retrying happens here.
package remote
