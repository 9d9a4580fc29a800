package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EnforcementConfig is the hot-reloadable policy configuration read from enforcement.yml.
type EnforcementConfig struct {
	SuspendAfterGraceDays  int                `mapstructure:"suspendAfterGraceDays"`
	DefaultGraceWindowDays int                `mapstructure:"defaultGraceWindowDays"`
	DefaultTrialDays       int                `mapstructure:"defaultTrialDays"`
	BillingCASRetries      int                `mapstructure:"billingCasRetries"`
	EntitlementCacheTTL    time.Duration      `mapstructure:"entitlementCacheTtl"`
	CostWeights            map[string]float64 `mapstructure:"costWeights"`
	// MeterCapabilities maps a usage event type to the write capability it requires.
	MeterCapabilities map[string]string `mapstructure:"meterCapabilities"`
	DefaultPlan       PlanTemplate      `mapstructure:"defaultPlan"`
	Anomaly           AnomalyConfig     `mapstructure:"anomaly"`
}

type PlanTemplate struct {
	Key          string               `mapstructure:"key"`
	Name         string               `mapstructure:"name"`
	Tier         int                  `mapstructure:"tier"`
	Capabilities map[string]bool      `mapstructure:"capabilities"`
	QuotaLimits  []QuotaLimitTemplate `mapstructure:"quotaLimits"`
}

type QuotaLimitTemplate struct {
	MeterKey  string `mapstructure:"meterKey"`
	Limit     int64  `mapstructure:"limit"`
	Period    string `mapstructure:"period"`
	HardLimit bool   `mapstructure:"hardLimit"`
}

type AnomalyConfig struct {
	SpikeMultiplier          float64       `mapstructure:"spikeMultiplier"`
	MinSampleThreshold       float64       `mapstructure:"minSampleThreshold"`
	HistoryDays              int           `mapstructure:"historyDays"`
	RepeatedWarningThreshold int           `mapstructure:"repeatedWarningThreshold"`
	RepeatedWarningWindow    time.Duration `mapstructure:"repeatedWarningWindow"`
}

func DefaultEnforcementConfig() EnforcementConfig {
	return EnforcementConfig{
		SuspendAfterGraceDays:  7,
		DefaultGraceWindowDays: 3,
		DefaultTrialDays:       14,
		BillingCASRetries:      5,
		EntitlementCacheTTL:    30 * time.Second,
		CostWeights: map[string]float64{
			"job_submit":   1.0,
			"job_complete": 1.5,
		},
		MeterCapabilities: map[string]string{
			"job_submit":      "submit_jobs",
			"proof_generate":  "generate_proofs",
			"artifact_upload": "upload_artifacts",
			"webhook_create":  "manage_webhooks",
		},
		DefaultPlan: PlanTemplate{
			Key:  "free",
			Name: "Free",
			Tier: 0,
			Capabilities: map[string]bool{
				"submit_jobs":      true,
				"generate_proofs":  false,
				"upload_artifacts": true,
				"manage_webhooks":  false,
				"export_audit":     false,
			},
			QuotaLimits: []QuotaLimitTemplate{
				{MeterKey: "job_submit", Limit: 100, Period: "monthly", HardLimit: true},
				{MeterKey: "artifact_upload", Limit: 50, Period: "monthly", HardLimit: false},
			},
		},
		Anomaly: AnomalyConfig{
			SpikeMultiplier:          10,
			MinSampleThreshold:       5,
			HistoryDays:              7,
			RepeatedWarningThreshold: 20,
			RepeatedWarningWindow:    72 * time.Hour,
		},
	}
}

type EnforcementConfigHolder struct {
	current atomic.Value // holds EnforcementConfig
}

// NewEnforcementConfigHolder loads enforcement.yml from the standard locations and watches it.
func NewEnforcementConfigHolder(log *zap.Logger) (*EnforcementConfigHolder, error) {
	return LoadEnforcementConfig(log, "/etc/gatekeeper", "/var/lib/gatekeeper/config", ".")
}

func LoadEnforcementConfig(log *zap.Logger, paths ...string) (*EnforcementConfigHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.enforcement")

	v := viper.New()
	v.SetConfigName("enforcement")
	v.SetConfigType("yml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix("GATEKEEPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	found := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		found = false
	}

	cfg, err := decodeEnforcement(v, found)
	if err != nil {
		return nil, err
	}

	holder := NewStaticEnforcementConfig(cfg)
	if !found {
		log.Info("enforcement config file not found, using defaults")
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeEnforcement(v, true)
		if err != nil {
			log.Warn("enforcement config reload ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("enforcement config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

// NewStaticEnforcementConfig wraps a fixed configuration without file watching.
func NewStaticEnforcementConfig(cfg EnforcementConfig) *EnforcementConfigHolder {
	holder := &EnforcementConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *EnforcementConfigHolder) Get() EnforcementConfig {
	return h.current.Load().(EnforcementConfig)
}

// Set replaces the active configuration.
func (h *EnforcementConfigHolder) Set(cfg EnforcementConfig) error {
	if err := ValidateEnforcementConfig(cfg); err != nil {
		return err
	}
	h.current.Store(cfg)
	return nil
}

func decodeEnforcement(v *viper.Viper, found bool) (EnforcementConfig, error) {
	cfg := DefaultEnforcementConfig()
	if found && v.IsSet("enforcement") {
		// Explicit maps replace the defaults instead of merging into them.
		if v.IsSet("enforcement.costWeights") {
			cfg.CostWeights = nil
		}
		if v.IsSet("enforcement.meterCapabilities") {
			cfg.MeterCapabilities = nil
		}
		if v.IsSet("enforcement.defaultPlan") {
			cfg.DefaultPlan = PlanTemplate{}
		}
		if err := v.UnmarshalKey("enforcement", &cfg); err != nil {
			return EnforcementConfig{}, err
		}
	}
	if err := ValidateEnforcementConfig(cfg); err != nil {
		return EnforcementConfig{}, err
	}
	return cfg, nil
}

func ValidateEnforcementConfig(cfg EnforcementConfig) error {
	if cfg.SuspendAfterGraceDays < 0 {
		return errors.New("enforcement.suspendAfterGraceDays must not be negative")
	}
	if cfg.DefaultGraceWindowDays < 0 {
		return errors.New("enforcement.defaultGraceWindowDays must not be negative")
	}
	if cfg.BillingCASRetries <= 0 {
		return errors.New("enforcement.billingCasRetries must be positive")
	}
	if strings.TrimSpace(cfg.DefaultPlan.Key) == "" {
		return errors.New("enforcement.defaultPlan.key is required")
	}
	for _, limit := range cfg.DefaultPlan.QuotaLimits {
		if strings.TrimSpace(limit.MeterKey) == "" {
			return errors.New("enforcement.defaultPlan.quotaLimits: meterKey is required")
		}
		if limit.Limit < 0 {
			return fmt.Errorf("enforcement.defaultPlan.quotaLimits[%s]: limit must not be negative", limit.MeterKey)
		}
		switch limit.Period {
		case "daily", "weekly", "monthly":
		default:
			return fmt.Errorf("enforcement.defaultPlan.quotaLimits[%s]: unsupported period %q", limit.MeterKey, limit.Period)
		}
	}
	for key, weight := range cfg.CostWeights {
		if weight < 0 {
			return fmt.Errorf("enforcement.costWeights[%s] must not be negative", key)
		}
	}
	if cfg.Anomaly.SpikeMultiplier <= 0 {
		return errors.New("enforcement.anomaly.spikeMultiplier must be positive")
	}
	if cfg.Anomaly.HistoryDays <= 0 {
		return errors.New("enforcement.anomaly.historyDays must be positive")
	}
	return nil
}
