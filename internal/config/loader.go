package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Load reads configuration from environment variables.
// It applies defaults for unset values and validates the result.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := loadStruct(reflect.ValueOf(cfg).Elem(), os.Getenv); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// loadStruct recursively populates struct fields using getenv.
func loadStruct(v reflect.Value, getenv func(string) string) error {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		if !fieldVal.CanSet() {
			continue
		}

		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Time{}) {
			if err := loadStruct(fieldVal, getenv); err != nil {
				return err
			}
			continue
		}

		envName := field.Tag.Get("env")
		if envName == "" {
			continue
		}

		value := getenv(envName)
		if value == "" {
			if alt := field.Tag.Get("envAlt"); alt != "" {
				value = getenv(alt)
			}
		}

		if value == "" {
			if field.Tag.Get("required") == "true" {
				return fmt.Errorf("required environment variable %s is not set", envName)
			}
			value = field.Tag.Get("default")
		}

		if value == "" {
			continue
		}

		if err := setField(fieldVal, value); err != nil {
			return fmt.Errorf("invalid value for %s=%q: %w", envName, value, err)
		}
	}

	return nil
}

// setField sets a reflect.Value from a string based on its type.
func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			field.Set(reflect.ValueOf(d))
			return nil
		}
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer: %w", err)
		}
		field.SetInt(i)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type: %s", field.Type().Elem().Kind())
		}
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				result = append(result, p)
			}
		}
		field.Set(reflect.ValueOf(result))

	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}

	return nil
}

// Validate checks that the configuration is consistent.
// Every problem is reported, not only the first one.
func (c *Config) Validate() error {
	var errs []string

	switch strings.ToLower(c.Database.Driver) {
	case "sqlite":
		if c.Database.URL == "" {
			errs = append(errs, "DATABASE_URL must name the sqlite file")
		}
	case "postgres":
		if !strings.HasPrefix(c.Database.URL, "postgres://") && !strings.HasPrefix(c.Database.URL, "postgresql://") {
			errs = append(errs, "DATABASE_URL must be a postgres:// connection string when DATABASE_DRIVER=postgres")
		}
		if c.Database.MaxConns <= 0 {
			errs = append(errs, "DB_MAX_CONNS must be positive")
		}
		if c.Database.MinConns < 0 {
			errs = append(errs, "DB_MIN_CONNS must be non-negative")
		}
		if c.Database.MaxConns < c.Database.MinConns {
			errs = append(errs, fmt.Sprintf("DB_MAX_CONNS (%d) must be >= DB_MIN_CONNS (%d)",
				c.Database.MaxConns, c.Database.MinConns))
		}
	default:
		errs = append(errs, fmt.Sprintf("DATABASE_DRIVER (%q) must be one of: sqlite, postgres", c.Database.Driver))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT (%d) must be 1-65535", c.Server.Port))
	}
	if c.Server.ReadTimeout < 0 {
		errs = append(errs, "SERVER_READ_TIMEOUT must be non-negative")
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, "SERVER_SHUTDOWN_TIMEOUT must be positive")
	}
	if c.Server.MaxBodyBytes <= 0 {
		errs = append(errs, "SERVER_MAX_BODY_BYTES must be positive")
	}

	if c.Data.SchemaFile == "" {
		errs = append(errs, "DATA_SCHEMA is required")
	}
	for name, dir := range map[string]string{
		"DATA_SEED_DIR":   c.Data.SeedDir,
		"DATA_IMPORT_DIR": c.Data.ImportDir,
		"DATA_BACKUP_DIR": c.Data.BackupDir,
	} {
		if dir == "" {
			errs = append(errs, name+" must not be empty")
		}
	}

	switch c.Import.Mode {
	case "replace", "merge", "skip_conflicts":
	default:
		errs = append(errs, fmt.Sprintf("IMPORT_MODE (%q) must be one of: replace, merge, skip_conflicts", c.Import.Mode))
	}
	if c.Import.AcceptQL < 0 || c.Import.AcceptQL > 31 {
		errs = append(errs, fmt.Sprintf("IMPORT_ACCEPT_QL (%d) must be a bit mask between 0 and 31", c.Import.AcceptQL))
	}
	if c.Import.ReportLimit <= 0 {
		errs = append(errs, "IMPORT_REPORT_LIMIT must be positive")
	}
	if c.Import.MaxConcurrent <= 0 {
		errs = append(errs, "IMPORT_MAX_CONCURRENT must be positive")
	}
	if c.Import.OperationWait <= 0 {
		errs = append(errs, "IMPORT_OPERATION_WAIT must be positive")
	}
	if c.Import.RunHistory <= 0 {
		errs = append(errs, "IMPORT_RUN_HISTORY must be positive")
	}

	if c.Media.Dir == "" {
		errs = append(errs, "MEDIA_DIR must not be empty")
	}
	if c.Media.Timeout <= 0 {
		errs = append(errs, "MEDIA_TIMEOUT must be positive")
	}
	if c.Media.MaxBytes <= 0 {
		errs = append(errs, "MEDIA_MAX_BYTES must be positive")
	}

	if c.Backup.Interval < 0 {
		errs = append(errs, "BACKUP_INTERVAL must be non-negative")
	} else if c.Backup.Interval > 0 && c.Backup.Interval < time.Minute {
		errs = append(errs, "BACKUP_INTERVAL must be at least 1m when set")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Sprintf("LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// String returns a representation safe for logging. The database URL is
// masked and API keys are reported by count only.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config{")
	fmt.Fprintf(&b, "Server: {Host: %q, Port: %d}, ", c.Server.Host, c.Server.Port)
	fmt.Fprintf(&b, "Database: {Driver: %q, URL: [MASKED], MaxConns: %d}, ", c.Database.Driver, c.Database.MaxConns)
	fmt.Fprintf(&b, "Data: {Schema: %q, Seed: %q, Import: %q, Backup: %q}, ",
		c.Data.SchemaFile, c.Data.SeedDir, c.Data.ImportDir, c.Data.BackupDir)
	fmt.Fprintf(&b, "Import: {Mode: %q, AcceptQL: %d, MaxConcurrent: %d}, ",
		c.Import.Mode, c.Import.AcceptQL, c.Import.MaxConcurrent)
	fmt.Fprintf(&b, "Media: {Dir: %q, MaxBytes: %d}, ", c.Media.Dir, c.Media.MaxBytes)
	fmt.Fprintf(&b, "Backup: {Interval: %s}, ", c.Backup.Interval)
	fmt.Fprintf(&b, "Security: {APIKeys: %d}, ", len(c.Security.APIKeys))
	fmt.Fprintf(&b, "Logging: {Level: %q, Format: %q}", c.Logging.Level, c.Logging.Format)
	b.WriteString("}")
	return b.String()
}
