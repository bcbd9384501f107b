package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"

	"github.com/marmos91/wanfs/pkg/config"
)

var schemaCmd = &cobra.Command{
	Use:   "schema [output]",
	Short: "write the JSON schema of the configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := configSchema()
		if err != nil {
			return err
		}
		if len(args) == 0 {
			_, err := cmd.OutOrStdout().Write(append(data, '\n'))
			return err
		}
		if err := os.WriteFile(args[0], data, 0644); err != nil {
			return fmt.Errorf("failed to write schema: %w", err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "JSON schema written to %s\n", args[0])
		return nil
	},
}

// configSchema reflects config.Config into a JSON schema keyed like the
// YAML file.
func configSchema() ([]byte, error) {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
		FieldNameTag:              "yaml",
	}
	schema := reflector.Reflect(&config.Config{})
	schema.Title = "wanfs configuration"
	schema.Description = "Configuration schema for the wanfs gateway"

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return data, nil
}
