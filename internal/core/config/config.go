// Package config provides configuration management for ptufix.
package config

import (
	"time"
)

// Default PTU schema namespace and prefix used by rule paths.
const (
	DefaultNamespaceURI = "http://ptu.unimed.coop.br/schemas/V3_0"
	DefaultPrefix       = "ptu"
)

// Config is the full ptufix configuration.
type Config struct {
	Database   DatabaseConfig
	Engine     EngineConfig
	Batch      BatchConfig
	Glosa      GlosaConfig
	RuleConfig RuleConfigConfig
}

// DatabaseConfig locates the catalog database.
type DatabaseConfig struct {
	// URL is sqlite://path or postgres://... Credentials belong in
	// PTU_DATABASE_URL or --db-url, never in a config file.
	URL string
}

// EngineConfig holds rule engine settings.
type EngineConfig struct {
	NamespaceURI       string
	Prefix             string
	RotationScope      string // global or document
	BoundaryDateFields []string
}

// BatchConfig holds batch processor settings.
type BatchConfig struct {
	MaxErrors     int
	FileTimeout   time.Duration
	Workers       int
	OutputDir     string // empty writes in place
	SkipProcessed bool
	MetricsFile   string // empty disables the textfile export
}

// GlosaConfig locates guides, items and money fields in documents.
type GlosaConfig struct {
	GuideTags         []string
	GuideIDPath       string
	DeclaredTotalPath string
	ItemTag           string
}

// RuleConfigConfig holds rule-file management settings.
type RuleConfigConfig struct {
	JournalPath string
	BackupDir   string // empty keeps snapshots beside the rule file
}

// DefaultConfig returns configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			NamespaceURI:       DefaultNamespaceURI,
			Prefix:             DefaultPrefix,
			RotationScope:      "global",
			BoundaryDateFields: []string{"dt_Internacao", "dt_Alta", "dt_InicioFaturamento", "dt_FimFaturamento"},
		},
		Batch: BatchConfig{
			MaxErrors:   10,
			FileTimeout: 30 * time.Second,
			Workers:     1,
		},
		Glosa: GlosaConfig{
			GuideTags:         []string{"guiaInternacao", "guiaSADT", "guiaHonorarios", "guiaConsulta", "guiaResumoInternacao"},
			GuideIDPath:       ".//ptu:nr_GuiaPrestador",
			DeclaredTotalPath: "./ptu:valoresGuia/ptu:vl_TotalGeral",
			ItemTag:           "procedimentosExecutados",
		},
		RuleConfig: RuleConfigConfig{
			JournalPath: "./data/rule-config-audit.jsonl",
		},
	}
}
