package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/client"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/types"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a manifest file",
	Long: `Apply notebooks and role bindings from a YAML file. A file may hold several
documents separated by "---".

Examples:
  # Start notebooks for a course
  spawner apply -f notebooks.yaml

Notebook documents are started through the daemon; Role documents are
written to the registry directly.`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	_ = applyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(applyCmd)
}

// Manifest is one document of an apply file
type Manifest struct {
	Kind     string           `yaml:"kind"`
	Metadata ManifestMetadata `yaml:"metadata"`
	Spec     yaml.Node        `yaml:"spec"`
}

type ManifestMetadata struct {
	User string `yaml:"user"`
}

// RoleSpec is the spec of a Role document
type RoleSpec struct {
	Name          string `yaml:"name"`
	ARN           string `yaml:"arn"`
	StorageBucket string `yaml:"storage_bucket,omitempty"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	manifests, err := parseManifests(data)
	if err != nil {
		return err
	}

	var c *client.Client
	for _, m := range manifests {
		switch m.Kind {
		case "Notebook":
			if c == nil {
				if c, err = newClient(cmd); err != nil {
					return err
				}
				defer c.Close()
			}
			if err := applyNotebook(cmd, c, m); err != nil {
				return err
			}
		case "Role":
			if err := applyRole(cmd, m); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unsupported manifest kind: %q", m.Kind)
		}
	}
	return nil
}

// parseManifests decodes every document in data and checks the user names
func parseManifests(data []byte) ([]Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))

	var manifests []Manifest
	for {
		var m Manifest
		if err := dec.Decode(&m); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
		if m.Kind == "" {
			continue
		}
		if err := types.ValidateUsername(m.Metadata.User); err != nil {
			return nil, fmt.Errorf("%s manifest: %w", m.Kind, err)
		}
		manifests = append(manifests, m)
	}
	return manifests, nil
}

func applyNotebook(cmd *cobra.Command, c *client.Client, m Manifest) error {
	var opts types.UserOptions
	if err := m.Spec.Decode(&opts); err != nil {
		return fmt.Errorf("invalid Notebook spec for %s: %w", m.Metadata.User, err)
	}

	fmt.Printf("Starting notebook: %s\n", m.Metadata.User)
	ep, err := c.Start(cmd.Context(), m.Metadata.User, opts)
	if err != nil {
		return fmt.Errorf("failed to start notebook for %s: %w", m.Metadata.User, err)
	}
	fmt.Printf("✓ Notebook running: %s (%s)\n", m.Metadata.User, ep)
	return nil
}

func applyRole(cmd *cobra.Command, m Manifest) error {
	var spec RoleSpec
	if err := m.Spec.Decode(&spec); err != nil {
		return fmt.Errorf("invalid Role spec for %s: %w", m.Metadata.User, err)
	}
	if spec.Name == "" || spec.ARN == "" {
		return fmt.Errorf("role name and arn are required for %s", m.Metadata.User)
	}

	reg, err := openRegistry(cmd)
	if err != nil {
		return err
	}
	defer reg.Close()

	if err := reg.PutRole(cmd.Context(), &types.RoleBinding{
		UserID:         m.Metadata.User,
		RoleName:       spec.Name,
		RoleIdentifier: spec.ARN,
		StorageBucket:  spec.StorageBucket,
	}); err != nil {
		return fmt.Errorf("failed to save role for %s: %w", m.Metadata.User, err)
	}
	fmt.Printf("✓ Role bound: %s (%s)\n", m.Metadata.User, spec.Name)
	return nil
}
