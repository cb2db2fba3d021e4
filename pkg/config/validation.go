package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/marmos91/dittovfs/pkg/uri"
)

// validate is the singleton validator instance
var validate = validator.New()

// Validate validates the configuration using struct tags and custom rules.
//
// Provider-specific sections are validated when the provider is created,
// after they are decoded into the provider's own config struct.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	if len(cfg.Providers) == 0 {
		return fmt.Errorf("providers: at least one provider must be configured")
	}

	schemes := make(map[string]bool)
	for i, p := range cfg.Providers {
		if !uri.ValidScheme(p.Scheme) {
			return fmt.Errorf("providers[%d]: invalid scheme %q", i, p.Scheme)
		}
		if schemes[p.Scheme] {
			return fmt.Errorf("providers[%d]: duplicate scheme %q", i, p.Scheme)
		}
		schemes[p.Scheme] = true
	}
	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
