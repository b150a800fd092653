/*
Package types defines the data model shared by every spawner component.

# Durable State

InstanceRecord and RoleBinding live in the registry (see pkg/registry) and are
the only state that outlives a request:

	InstanceRecord{UserID, ResourceID, VolumeID, RoleName, CreatedAt}
	RoleBinding{UserID, RoleName, RoleIdentifier, StorageBucket}

UserID, ResourceID and VolumeID are each unique across all records. The
spawner reads records and asks the registry to mutate them; it never keeps a
copy across requests.

# Observed State

Instance is fetched from the cloud on every orchestration step and is treated
as the truth about whether a resource really exists:

	pending -> running -> stopping -> stopped
	                 \-> shutting-down -> terminated

Stopped, stopping, pending and shutting-down instances are resumable;
terminated instances are never resumed and force re-provisioning.

# Errors

ErrResourceNotFound, ErrTransientUnavailable, ConfigurationError and
ProvisioningError form the error taxonomy surfaced by the lifecycle
orchestrator. Transient remote failures never appear here: they are absorbed
by pkg/retry and come back as an exhausted result.
*/
package types
