// Package provisioner launches a user's compute resource, records it in the
// registry and binds the user's persistent volume to it.
package provisioner
