package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/types"
)

var (
	// Bucket names
	bucketRecords    = []byte("records")
	bucketByResource = []byte("records_by_resource")
	bucketByVolume   = []byte("records_by_volume")
	bucketRoles      = []byte("roles")
	bucketRoleNames  = []byte("roles_by_name")
)

// BoltRegistry implements Registry using BoltDB. Records are keyed by user;
// the index buckets map resource and volume ids back to the user and are
// written in the same transaction, so a uniqueness check and the insert are
// one atomic step.
type BoltRegistry struct {
	db *bolt.DB
}

// NewBoltRegistry opens or creates the database file at path
func NewBoltRegistry(path string) (*BoltRegistry, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create registry directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRecords, bucketByResource, bucketByVolume, bucketRoles, bucketRoleNames} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltRegistry{db: db}, nil
}

// Close closes the database
func (r *BoltRegistry) Close() error {
	return r.db.Close()
}

// GetRecord returns userID's record or ErrNotFound
func (r *BoltRegistry) GetRecord(_ context.Context, userID string) (*types.InstanceRecord, error) {
	var rec types.InstanceRecord
	err := r.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRecords).Get([]byte(userID))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// PutRecord inserts rec in one transaction, returning ErrAlreadyExists if
// the user, resource or volume is already recorded
func (r *BoltRegistry) PutRecord(_ context.Context, rec *types.InstanceRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		byResource := tx.Bucket(bucketByResource)
		byVolume := tx.Bucket(bucketByVolume)

		if records.Get([]byte(rec.UserID)) != nil {
			return fmt.Errorf("%w: user %s", ErrAlreadyExists, rec.UserID)
		}
		if byResource.Get([]byte(rec.ResourceID)) != nil {
			return fmt.Errorf("%w: resource %s", ErrAlreadyExists, rec.ResourceID)
		}
		if byVolume.Get([]byte(rec.VolumeID)) != nil {
			return fmt.Errorf("%w: volume %s", ErrAlreadyExists, rec.VolumeID)
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := records.Put([]byte(rec.UserID), data); err != nil {
			return err
		}
		if err := byResource.Put([]byte(rec.ResourceID), []byte(rec.UserID)); err != nil {
			return err
		}
		return byVolume.Put([]byte(rec.VolumeID), []byte(rec.UserID))
	})
}

// DeleteRecord removes the record for resourceID and its index entries.
// Deleting an unknown resource is not an error.
func (r *BoltRegistry) DeleteRecord(_ context.Context, resourceID string) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		byResource := tx.Bucket(bucketByResource)
		user := byResource.Get([]byte(resourceID))
		if user == nil {
			return nil
		}
		user = append([]byte(nil), user...)

		records := tx.Bucket(bucketRecords)
		if data := records.Get(user); data != nil {
			var rec types.InstanceRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
			if err := tx.Bucket(bucketByVolume).Delete([]byte(rec.VolumeID)); err != nil {
				return err
			}
			if err := records.Delete(user); err != nil {
				return err
			}
		}
		return byResource.Delete([]byte(resourceID))
	})
}

// CountRecords returns the number of records
func (r *BoltRegistry) CountRecords(_ context.Context) (int, error) {
	var n int
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEach(func(_, _ []byte) error {
			n++
			return nil
		})
	})
	return n, err
}

// ListRecords returns every record in user order
func (r *BoltRegistry) ListRecords(_ context.Context) ([]*types.InstanceRecord, error) {
	var records []*types.InstanceRecord
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEach(func(k, v []byte) error {
			var rec types.InstanceRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			records = append(records, &rec)
			return nil
		})
	})
	return records, err
}

// GetRole returns userID's role binding or ErrNotFound
func (r *BoltRegistry) GetRole(_ context.Context, userID string) (*types.RoleBinding, error) {
	var role types.RoleBinding
	err := r.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRoles).Get([]byte(userID))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &role)
	})
	if err != nil {
		return nil, err
	}
	return &role, nil
}

// PutRole creates or replaces the user's role binding. A role name already
// bound to another user is ErrAlreadyExists.
func (r *BoltRegistry) PutRole(_ context.Context, role *types.RoleBinding) error {
	if role == nil || role.UserID == "" || role.RoleName == "" {
		return fmt.Errorf("registry: role requires user and role name")
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		roles := tx.Bucket(bucketRoles)
		names := tx.Bucket(bucketRoleNames)

		if owner := names.Get([]byte(role.RoleName)); owner != nil && string(owner) != role.UserID {
			return fmt.Errorf("%w: role %s", ErrAlreadyExists, role.RoleName)
		}

		if data := roles.Get([]byte(role.UserID)); data != nil {
			var prev types.RoleBinding
			if err := json.Unmarshal(data, &prev); err != nil {
				return err
			}
			if err := names.Delete([]byte(prev.RoleName)); err != nil {
				return err
			}
		}

		data, err := json.Marshal(role)
		if err != nil {
			return err
		}
		if err := roles.Put([]byte(role.UserID), data); err != nil {
			return err
		}
		return names.Put([]byte(role.RoleName), []byte(role.UserID))
	})
}

// ListRoles returns every role binding in user order
func (r *BoltRegistry) ListRoles(_ context.Context) ([]*types.RoleBinding, error) {
	var roles []*types.RoleBinding
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRoles).ForEach(func(k, v []byte) error {
			var role types.RoleBinding
			if err := json.Unmarshal(v, &role); err != nil {
				return err
			}
			roles = append(roles, &role)
			return nil
		})
	})
	return roles, err
}
