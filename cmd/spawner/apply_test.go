package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/types"
)

func TestParseManifests(t *testing.T) {
	data := []byte(`
kind: Notebook
metadata:
  user: alice
spec:
  instance_type: t3.medium
  volume_size: 20
  env:
    COURSE: stats101
---
kind: Role
metadata:
  user: alice
spec:
  name: notebook-s3
  arn: arn:aws:iam::123456789012:instance-profile/notebook-s3
`)

	manifests, err := parseManifests(data)
	require.NoError(t, err)
	require.Len(t, manifests, 2)

	assert.Equal(t, "Notebook", manifests[0].Kind)
	var opts types.UserOptions
	require.NoError(t, manifests[0].Spec.Decode(&opts))
	assert.Equal(t, types.UserOptions{
		InstanceType: "t3.medium",
		VolumeSize:   20,
		Env:          map[string]string{"COURSE": "stats101"},
	}, opts)

	var role RoleSpec
	require.NoError(t, manifests[1].Spec.Decode(&role))
	assert.Equal(t, "notebook-s3", role.Name)
}

func TestParseManifestsRejectsBadUser(t *testing.T) {
	_, err := parseManifests([]byte("kind: Notebook\nmetadata:\n  user: Alice\n"))
	require.Error(t, err)
	assert.True(t, types.IsConfigurationError(err))
}

func TestParseEnv(t *testing.T) {
	env, err := parseEnv([]string{"A=1", "B=x=y"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "1", "B": "x=y"}, env)

	_, err = parseEnv([]string{"novalue"})
	assert.Error(t, err)

	env, err = parseEnv(nil)
	require.NoError(t, err)
	assert.Nil(t, env)
}
