package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/types"
)

var (
	// ErrNotFound means no record exists for the key. It matches
	// types.ErrResourceNotFound with errors.Is.
	ErrNotFound = fmt.Errorf("registry: %w", types.ErrResourceNotFound)

	// ErrAlreadyExists means a write would break a uniqueness constraint on
	// user, resource or volume id
	ErrAlreadyExists = errors.New("registry: record already exists")
)

// Registry is the durable user to resource mapping. Implementations enforce
// uniqueness of UserID, ResourceID and VolumeID atomically; callers do no
// locking of their own.
type Registry interface {
	// GetRecord returns the user's record or ErrNotFound
	GetRecord(ctx context.Context, userID string) (*types.InstanceRecord, error)

	// PutRecord inserts a record. It fails with ErrAlreadyExists when any of
	// the unique keys is already taken, including by the same user.
	PutRecord(ctx context.Context, rec *types.InstanceRecord) error

	// DeleteRecord removes the record holding resourceID. Deleting an
	// unknown resource is not an error.
	DeleteRecord(ctx context.Context, resourceID string) error

	CountRecords(ctx context.Context) (int, error)
	ListRecords(ctx context.Context) ([]*types.InstanceRecord, error)

	// GetRole returns the user's role binding or ErrNotFound
	GetRole(ctx context.Context, userID string) (*types.RoleBinding, error)

	// PutRole creates or replaces the user's role binding
	PutRole(ctx context.Context, role *types.RoleBinding) error

	ListRoles(ctx context.Context) ([]*types.RoleBinding, error)

	Close() error
}

// Config selects and locates a backend
type Config struct {
	Driver string
	Path   string
	DSN    string
}

// Open creates the backend named by cfg.Driver
func Open(cfg Config) (Registry, error) {
	switch cfg.Driver {
	case "", "bolt":
		return NewBoltRegistry(cfg.Path)
	case "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = cfg.Path
		}
		return NewSQLiteRegistry(dsn)
	case "postgres":
		return NewPostgresRegistry(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown registry driver %q", cfg.Driver)
	}
}

func validateRecord(rec *types.InstanceRecord) error {
	if rec == nil || rec.UserID == "" || rec.ResourceID == "" || rec.VolumeID == "" {
		return errors.New("registry: record requires user, resource and volume ids")
	}
	return nil
}
