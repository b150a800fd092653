package types

import (
	"errors"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

var optionsValidate = validator.New()

// usernamePattern matches names useradd accepts with its default policy
var usernamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_-]*[$]?$`)

const maxUsernameLength = 32

// ValidateUsername checks that name can be used as a login on an instance
func ValidateUsername(name string) error {
	switch {
	case name == "":
		return &ConfigurationError{Field: "user", Reason: "must not be empty"}
	case len(name) > maxUsernameLength:
		return &ConfigurationError{Field: "user", Reason: "longer than " + strconv.Itoa(maxUsernameLength) + " characters"}
	case !usernamePattern.MatchString(name):
		return &ConfigurationError{Field: "user", Reason: "not a valid login name: " + strconv.Quote(name)}
	}
	return nil
}

// UserOptions is the per-request configuration a user picks at launch.
// Exactly one of ExistingVolumeID, VolumeSize and SnapshotID decides where
// the user's persistent volume comes from when the registry has none.
type UserOptions struct {
	InstanceType     string            `json:"instance_type" yaml:"instance_type" validate:"required"`
	ExistingVolumeID string            `json:"existing_volume_id,omitempty" yaml:"existing_volume_id,omitempty"`
	VolumeSize       int               `json:"volume_size,omitempty" yaml:"volume_size,omitempty" validate:"gte=0,lte=16384"`
	SnapshotID       string            `json:"snapshot_id,omitempty" yaml:"snapshot_id,omitempty"`
	Env              map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// HasVolumeSource reports whether the options name any way to obtain a volume
func (o UserOptions) HasVolumeSource() bool {
	return o.ExistingVolumeID != "" || o.VolumeSize > 0 || o.SnapshotID != ""
}

// Validate checks the options against the set of recognized instance types
func (o UserOptions) Validate(allowedTypes []string) error {
	if err := optionsValidate.Struct(o); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &ConfigurationError{
				Field:  fieldName(fe.Field()),
				Reason: "failed " + fe.Tag() + " validation",
			}
		}
		return &ConfigurationError{Reason: err.Error()}
	}
	if len(allowedTypes) > 0 && !slices.Contains(allowedTypes, o.InstanceType) {
		return &ConfigurationError{Field: "instance_type", Reason: "unrecognized instance type " + strconv.Quote(o.InstanceType)}
	}
	return nil
}

// ParseOptionsForm reads the options form posted by the hub. Missing fields
// are treated as empty; a non-numeric volume size is a configuration error.
func ParseOptionsForm(form url.Values) (UserOptions, error) {
	opts := UserOptions{
		InstanceType:     strings.TrimSpace(form.Get("instance_type")),
		ExistingVolumeID: strings.TrimSpace(form.Get("ebs_vol_id")),
		SnapshotID:       strings.TrimSpace(form.Get("ebs_snap_id")),
	}

	if size := strings.TrimSpace(form.Get("ebs_vol_size")); size != "" {
		n, err := strconv.Atoi(size)
		if err != nil {
			return UserOptions{}, &ConfigurationError{Field: "volume_size", Reason: "not an integer: " + strconv.Quote(size)}
		}
		if n < 0 {
			return UserOptions{}, &ConfigurationError{Field: "volume_size", Reason: "must not be negative"}
		}
		opts.VolumeSize = n
	}

	return opts, nil
}

func fieldName(goName string) string {
	switch goName {
	case "InstanceType":
		return "instance_type"
	case "VolumeSize":
		return "volume_size"
	default:
		return strings.ToLower(goName)
	}
}
