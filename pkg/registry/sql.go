package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/types"
)

// InstanceRecordModel is the GORM row for an InstanceRecord
type InstanceRecordModel struct {
	UserID     string    `gorm:"column:user_id;primaryKey"`
	ResourceID string    `gorm:"column:resource_id;uniqueIndex"`
	VolumeID   string    `gorm:"column:volume_id;uniqueIndex"`
	RoleName   string    `gorm:"column:role_name"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

func (InstanceRecordModel) TableName() string { return "servers" }

// RoleBindingModel is the GORM row for a RoleBinding
type RoleBindingModel struct {
	UserID         string `gorm:"column:user_id;primaryKey"`
	RoleName       string `gorm:"column:role_name;uniqueIndex"`
	RoleIdentifier string `gorm:"column:role_arn"`
	StorageBucket  string `gorm:"column:s3_bucket"`
}

func (RoleBindingModel) TableName() string { return "roles" }

// SQLRegistry implements Registry on any GORM dialect. Uniqueness is
// enforced by the table's primary key and unique indexes.
type SQLRegistry struct {
	db *gorm.DB
}

// NewPostgresRegistry connects to Postgres and migrates the schema
func NewPostgresRegistry(dsn string) (*SQLRegistry, error) {
	return newSQLRegistry(postgres.Open(dsn))
}

// NewSQLiteRegistry opens a SQLite database and migrates the schema. Use
// "file::memory:" for a throwaway in-memory database.
func NewSQLiteRegistry(dsn string) (*SQLRegistry, error) {
	r, err := newSQLRegistry(sqlite.Open(dsn))
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; a single connection also keeps an in-memory
	// database alive for the registry's lifetime.
	sqlDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return r, nil
}

func newSQLRegistry(dialector gorm.Dialector) (*SQLRegistry, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
		Logger:  logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open registry database: %w", err)
	}
	if err := db.AutoMigrate(&InstanceRecordModel{}, &RoleBindingModel{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}
	return &SQLRegistry{db: db}, nil
}

// Close closes the underlying connection pool
func (r *SQLRegistry) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r *SQLRegistry) GetRecord(ctx context.Context, userID string) (*types.InstanceRecord, error) {
	var m InstanceRecordModel
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&m).Error; err != nil {
		return nil, mapDBError(err)
	}
	return recordFromModel(&m), nil
}

func (r *SQLRegistry) PutRecord(ctx context.Context, rec *types.InstanceRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	m := recordToModel(rec)
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	return mapDBError(r.db.WithContext(ctx).Create(m).Error)
}

func (r *SQLRegistry) DeleteRecord(ctx context.Context, resourceID string) error {
	return mapDBError(r.db.WithContext(ctx).Where("resource_id = ?", resourceID).Delete(&InstanceRecordModel{}).Error)
}

func (r *SQLRegistry) CountRecords(ctx context.Context) (int, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&InstanceRecordModel{}).Count(&n).Error; err != nil {
		return 0, mapDBError(err)
	}
	return int(n), nil
}

func (r *SQLRegistry) ListRecords(ctx context.Context) ([]*types.InstanceRecord, error) {
	var models []InstanceRecordModel
	if err := r.db.WithContext(ctx).Order("user_id").Find(&models).Error; err != nil {
		return nil, mapDBError(err)
	}
	out := make([]*types.InstanceRecord, 0, len(models))
	for i := range models {
		out = append(out, recordFromModel(&models[i]))
	}
	return out, nil
}

func (r *SQLRegistry) GetRole(ctx context.Context, userID string) (*types.RoleBinding, error) {
	var m RoleBindingModel
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&m).Error; err != nil {
		return nil, mapDBError(err)
	}
	return roleFromModel(&m), nil
}

func (r *SQLRegistry) PutRole(ctx context.Context, role *types.RoleBinding) error {
	if role == nil || role.UserID == "" || role.RoleName == "" {
		return errors.New("registry: role requires user and role name")
	}
	return mapDBError(r.db.WithContext(ctx).Save(roleToModel(role)).Error)
}

func (r *SQLRegistry) ListRoles(ctx context.Context) ([]*types.RoleBinding, error) {
	var models []RoleBindingModel
	if err := r.db.WithContext(ctx).Order("user_id").Find(&models).Error; err != nil {
		return nil, mapDBError(err)
	}
	out := make([]*types.RoleBinding, 0, len(models))
	for i := range models {
		out = append(out, roleFromModel(&models[i]))
	}
	return out, nil
}

// mapDBError converts GORM, Postgres and SQLite errors to registry sentinels
func mapDBError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %v", ErrAlreadyExists, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, pgErr.ConstraintName)
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %v", ErrAlreadyExists, err)
	}
	return err
}

func recordToModel(rec *types.InstanceRecord) *InstanceRecordModel {
	return &InstanceRecordModel{
		UserID:     rec.UserID,
		ResourceID: rec.ResourceID,
		VolumeID:   rec.VolumeID,
		RoleName:   rec.RoleName,
		CreatedAt:  rec.CreatedAt,
	}
}

func recordFromModel(m *InstanceRecordModel) *types.InstanceRecord {
	return &types.InstanceRecord{
		UserID:     m.UserID,
		ResourceID: m.ResourceID,
		VolumeID:   m.VolumeID,
		RoleName:   m.RoleName,
		CreatedAt:  m.CreatedAt,
	}
}

func roleToModel(role *types.RoleBinding) *RoleBindingModel {
	return &RoleBindingModel{
		UserID:         role.UserID,
		RoleName:       role.RoleName,
		RoleIdentifier: role.RoleIdentifier,
		StorageBucket:  role.StorageBucket,
	}
}

func roleFromModel(m *RoleBindingModel) *types.RoleBinding {
	return &types.RoleBinding{
		UserID:         m.UserID,
		RoleName:       m.RoleName,
		RoleIdentifier: m.RoleIdentifier,
		StorageBucket:  m.StorageBucket,
	}
}
