package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers governor-specific validation rules.
// Must be called before validating GovernorConfig.
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("duration", validateDuration); err != nil {
		return fmt.Errorf("failed to register duration validator: %w", err)
	}
	return nil
}

// validateDuration accepts non-negative Go durations such as "500ms" or "5m".
func validateDuration(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	return err == nil && d >= 0
}

// Validate validates the GovernorConfig using struct tags and cross-field rules.
// Returns an error if validation fails, with actionable error messages.
func (c *GovernorConfig) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateLedgerBackend(); err != nil {
		return err
	}
	if err := c.validateReplayBackend(); err != nil {
		return err
	}
	return nil
}

// validateLedgerBackend ensures the selected store has its location configured.
func (c *GovernorConfig) validateLedgerBackend() error {
	switch c.Ledger.Backend {
	case BackendFile, BackendSQLite:
		if c.Ledger.Path == "" {
			return fmt.Errorf("ledger: backend %s requires path", c.Ledger.Backend)
		}
	case BackendPostgres:
		if c.Ledger.DSN == "" {
			return errors.New("ledger: backend postgres requires dsn")
		}
		if !strings.HasPrefix(c.Ledger.DSN, "postgres://") &&
			!strings.HasPrefix(c.Ledger.DSN, "postgresql://") &&
			!strings.Contains(c.Ledger.DSN, "=") {
			return errors.New("ledger: dsn must be a postgres URL or key=value connection string")
		}
	}
	return nil
}

// validateReplayBackend ensures shared nonce stores are reachable by address or path.
// Outside dev mode a durable ledger outlives any one process, so its nonces must too.
func (c *GovernorConfig) validateReplayBackend() error {
	switch c.Replay.Backend {
	case BackendMemory:
		if !c.DevMode && c.Ledger.Backend != BackendMemory {
			return fmt.Errorf("replay: backend memory cannot guard the durable %s ledger across processes; use sqlite or redis", c.Ledger.Backend)
		}
	case BackendRedis:
		if c.Replay.RedisAddr == "" {
			return errors.New("replay: backend redis requires redis_addr")
		}
	case BackendSQLite:
		if c.Replay.SQLitePath == "" {
			return errors.New("replay: backend sqlite requires sqlite_path")
		}
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "duration":
		return fmt.Sprintf("%s must be a duration such as \"30s\" or \"5m\"", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
