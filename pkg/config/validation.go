package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// Log level normalization is handled in ApplyDefaults, not here.
// Validation accepts both uppercase and lowercase log levels.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	if cfg.Gateway.BlockSize&(cfg.Gateway.BlockSize-1) != 0 {
		return fmt.Errorf("gateway.block_size: %d is not a power of two", cfg.Gateway.BlockSize)
	}

	// host ids and the gateway id share one namespace of block locations
	ids := map[uint64]string{cfg.Gateway.GatewayID: "gateway.gateway_id"}
	for i, host := range cfg.Replication.Hosts {
		field := fmt.Sprintf("replication.hosts[%d]", i)
		if other, ok := ids[host.ID]; ok {
			return fmt.Errorf("%s: id %d is already used by %s", field, host.ID, other)
		}
		ids[host.ID] = field

		if host.Type == "s3" && len(host.S3) == 0 {
			return fmt.Errorf("%s: type is s3 but the s3 section is empty", field)
		}
	}

	if cfg.GC.DryRun && !cfg.GC.Enabled {
		return fmt.Errorf("gc: dry_run requires enabled")
	}
	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
