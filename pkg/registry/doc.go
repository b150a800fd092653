/*
Package registry stores which compute resource and volume belong to which
user, plus each user's role binding.

Two backends implement Registry:

  - BoltRegistry (default): a single BoltDB file. Records live in a bucket
    keyed by user; two index buckets map resource and volume ids back to the
    user. PutRecord checks all three keys and writes all three buckets in one
    transaction.
  - SQLRegistry: GORM over Postgres or SQLite. The servers table has a
    primary key on user_id and unique indexes on resource_id and volume_id;
    constraint violations map to ErrAlreadyExists.

Both give the lifecycle code the same guarantee: of several concurrent
inserts for one user, exactly one succeeds.
*/
package registry
