/*
Package reconciler periodically polls every user in the registry.

The hub normally polls users itself, but only while they have a session. The
reconciler covers the rest: each cycle lists the registry and polls every
user through the same path the API uses, which stops hung instances and
drops records whose instance has disappeared. The per-status counts are
exported as spawner_instances_by_status.
*/
package reconciler
