// Package cloud defines the control-plane operations the spawner needs from
// a cloud provider. Package ec2 implements them against AWS; package
// cloudtest implements them in memory for tests.
package cloud
