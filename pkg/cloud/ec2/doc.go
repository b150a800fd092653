// Package ec2 implements cloud.Provider with the AWS SDK for Go v2.
//
// Every call passes through a shared token bucket so a burst of logins
// cannot trip EC2 request throttling. InvalidInstanceID.NotFound and
// InvalidVolume.NotFound map to cloud.ErrNotFound; responses missing the
// identifiers a caller depends on map to cloud.ErrMalformedResponse.
package ec2
