package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"
)

// LoadConfig loads configuration from file using viper.
// CLI flags > environment > config file > defaults precedence.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	// Bind environment variables with PTU_ prefix
	v.SetEnvPrefix("PTU")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Load config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Credentials must be environment-only per 12-factor principles
		if err := validateNoSecretsInConfig(configPath); err != nil {
			return nil, err
		}
	}

	cfg := &Config{
		Database: DatabaseConfig{
			URL: v.GetString("database.url"),
		},
		Engine: EngineConfig{
			NamespaceURI:       v.GetString("engine.namespace_uri"),
			Prefix:             v.GetString("engine.prefix"),
			RotationScope:      v.GetString("engine.rotation_scope"),
			BoundaryDateFields: v.GetStringSlice("engine.boundary_date_fields"),
		},
		Batch: BatchConfig{
			MaxErrors:     v.GetInt("batch.max_errors"),
			FileTimeout:   v.GetDuration("batch.file_timeout"),
			Workers:       v.GetInt("batch.workers"),
			OutputDir:     v.GetString("batch.output_dir"),
			SkipProcessed: v.GetBool("batch.skip_processed"),
			MetricsFile:   v.GetString("batch.metrics_file"),
		},
		Glosa: GlosaConfig{
			GuideTags:         v.GetStringSlice("glosa.guide_tags"),
			GuideIDPath:       v.GetString("glosa.guide_id_path"),
			DeclaredTotalPath: v.GetString("glosa.declared_total_path"),
			ItemTag:           v.GetString("glosa.item_tag"),
		},
		RuleConfig: RuleConfigConfig{
			JournalPath: v.GetString("ruleconfig.journal_path"),
			BackupDir:   v.GetString("ruleconfig.backup_dir"),
		},
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can resolve it.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("database.url", d.Database.URL)

	v.SetDefault("engine.namespace_uri", d.Engine.NamespaceURI)
	v.SetDefault("engine.prefix", d.Engine.Prefix)
	v.SetDefault("engine.rotation_scope", d.Engine.RotationScope)
	v.SetDefault("engine.boundary_date_fields", d.Engine.BoundaryDateFields)

	v.SetDefault("batch.max_errors", d.Batch.MaxErrors)
	v.SetDefault("batch.file_timeout", d.Batch.FileTimeout.String())
	v.SetDefault("batch.workers", d.Batch.Workers)
	v.SetDefault("batch.output_dir", d.Batch.OutputDir)
	v.SetDefault("batch.skip_processed", d.Batch.SkipProcessed)
	v.SetDefault("batch.metrics_file", d.Batch.MetricsFile)

	v.SetDefault("glosa.guide_tags", d.Glosa.GuideTags)
	v.SetDefault("glosa.guide_id_path", d.Glosa.GuideIDPath)
	v.SetDefault("glosa.declared_total_path", d.Glosa.DeclaredTotalPath)
	v.SetDefault("glosa.item_tag", d.Glosa.ItemTag)

	v.SetDefault("ruleconfig.journal_path", d.RuleConfig.JournalPath)
	v.SetDefault("ruleconfig.backup_dir", d.RuleConfig.BackupDir)
}

// validateConfig checks engine scope, positive batch limits and required paths.
func validateConfig(cfg *Config) error {
	if cfg.Engine.NamespaceURI == "" {
		return fmt.Errorf("engine.namespace_uri must not be empty")
	}
	if cfg.Engine.Prefix == "" {
		return fmt.Errorf("engine.prefix must not be empty")
	}
	switch cfg.Engine.RotationScope {
	case "global", "document":
	default:
		return fmt.Errorf("engine.rotation_scope must be global or document, got %q", cfg.Engine.RotationScope)
	}
	if cfg.Batch.MaxErrors <= 0 {
		return fmt.Errorf("batch.max_errors must be positive, got %d", cfg.Batch.MaxErrors)
	}
	if cfg.Batch.FileTimeout <= 0 {
		return fmt.Errorf("batch.file_timeout must be positive, got %v", cfg.Batch.FileTimeout)
	}
	if cfg.Batch.Workers <= 0 {
		return fmt.Errorf("batch.workers must be positive, got %d", cfg.Batch.Workers)
	}
	if len(cfg.Glosa.GuideTags) == 0 {
		return fmt.Errorf("glosa.guide_tags must not be empty")
	}
	if cfg.Glosa.ItemTag == "" {
		return fmt.Errorf("glosa.item_tag must not be empty")
	}
	if cfg.RuleConfig.JournalPath == "" {
		return fmt.Errorf("ruleconfig.journal_path must not be empty")
	}
	return nil
}

// validateNoSecretsInConfig rejects a database URL carrying a password in the
// config file itself. The file is read without environment overrides.
func validateNoSecretsInConfig(configPath string) error {
	fv := viper.New()
	fv.SetConfigFile(configPath)
	if err := fv.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	raw := fv.GetString("database.url")
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("database.url: %w", err)
	}
	if _, hasPassword := u.User.Password(); hasPassword {
		return fmt.Errorf("database credentials not allowed in config files (use PTU_DATABASE_URL environment variable)")
	}
	return nil
}
