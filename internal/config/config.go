// Package config defines the single configuration surface every engine
// and strategy shares, loaded from a YAML file with environment-variable
// overrides via viper, generalized into one injectable
// record instead of package-level flag globals.
package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// decimalDecodeHook lets viper populate decimal.Decimal fields from plain
// YAML/env scalars (numbers or strings) instead of requiring a custom type.
func decimalDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(decimal.Decimal{}) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return decimal.NewFromString(v)
		case float64:
			return decimal.NewFromFloat(v), nil
		case int:
			return decimal.NewFromInt(int64(v)), nil
		default:
			return data, nil
		}
	}
}

// RegimeConfig configures the regime engine.
type RegimeConfig struct {
	ProxyInstrumentPerRegion map[string]string `mapstructure:"proxy_instrument_per_region"`
	WindowDays               int               `mapstructure:"window_days"`
	NumRegimeModelID         string            `mapstructure:"num_regime_model_id"`
	PrototypesPath           string            `mapstructure:"prototypes_path"`
	Temperature              float64           `mapstructure:"temperature"`
	HysteresisDays           int               `mapstructure:"hysteresis_days"`
}

// StabilityConfig configures the stability engine.
type StabilityConfig struct {
	PersistenceDays       map[string]int `mapstructure:"persistence_days"` // by class name
	ConfirmationMinDims   int            `mapstructure:"confirmation_min_dims"`
	STIThresholds         [4]float64     `mapstructure:"sti_thresholds"` // Watch, Fragile, Targetable, Breaker lower bounds
	ForecastHorizonSteps  int            `mapstructure:"forecast_horizon_steps"`
}

// AssessmentConfig configures the assessment engine.
type AssessmentConfig struct {
	Backend             string             `mapstructure:"backend"` // "basic" | "context"
	HorizonDays         int                `mapstructure:"horizon_days"`
	TauBuy              float64            `mapstructure:"tau_buy"`
	TauSell             float64            `mapstructure:"tau_sell"`
	FragilityPenalty    map[string]float64 `mapstructure:"fragility_penalty"` // by SoftTargetClass
	Strict              bool               `mapstructure:"strict"`
}

// UniverseConfig configures the universe engine.
type UniverseConfig struct {
	MinPrice           decimal.Decimal `mapstructure:"min_price"`
	MinLiquidityADV    decimal.Decimal `mapstructure:"min_liquidity_adv"`
	MaxUniverseSize    int             `mapstructure:"max_universe_size"`
	MaxNamesPerSector  int             `mapstructure:"max_names_per_sector"`
	WStab              float64         `mapstructure:"w_stab"`
	WLambda            float64         `mapstructure:"w_lambda"`
	DropBreaker        bool            `mapstructure:"drop_breaker"`
	DropWeakFragile    bool            `mapstructure:"drop_weak_fragile"`
	// WeakFragileRiskThreshold is the state_change_risk.risk_score above
	// which a FRAGILE candidate counts as "weak profile" for DropWeakFragile.
	WeakFragileRiskThreshold float64 `mapstructure:"weak_fragile_risk_threshold"`
}

// PortfolioConfig configures the portfolio engine.
type PortfolioConfig struct {
	CapName         decimal.Decimal `mapstructure:"cap_name"`
	GrossCap        decimal.Decimal `mapstructure:"gross_cap"`
	Gamma           float64         `mapstructure:"gamma"`
	ScenarioSetIDs  []string        `mapstructure:"scenario_set_ids"`
	// BookNotional translates a target weight into an order quantity
	// (notional = weight * BookNotional, quantity = notional / price) for
	// the execution bridge; the pipeline has no other source of book size.
	BookNotional decimal.Decimal `mapstructure:"book_notional"`
}

// StrategyRiskConfig configures the risk service for one strategy.
type StrategyRiskConfig struct {
	PerNameCap          decimal.Decimal            `mapstructure:"per_name_cap"`
	GrossCap            decimal.Decimal            `mapstructure:"gross_cap"`
	MaxLeverage         decimal.Decimal            `mapstructure:"max_leverage"`
	SectorCaps          map[string]decimal.Decimal `mapstructure:"sector_caps"`
	BannedCategories    map[string]bool            `mapstructure:"banned_categories"`
	CorrelationGroups   map[string][]string        `mapstructure:"correlation_groups"`
	MaxCorrelatedExposure decimal.Decimal          `mapstructure:"max_correlated_exposure"`
}

// ExecutionConfig configures the execution bridge.
type ExecutionConfig struct {
	Mode                string          `mapstructure:"mode"` // BACKTEST | PAPER | LIVE
	SlippageBps         decimal.Decimal `mapstructure:"slippage_bps"`
	ExecRiskEnabled     bool            `mapstructure:"exec_risk_enabled"`
	MaxOrderNotional    decimal.Decimal `mapstructure:"max_order_notional"`
	MaxPositionNotional decimal.Decimal `mapstructure:"max_position_notional"`
	MaxLeverage         decimal.Decimal `mapstructure:"max_leverage"`
	RetryAttempts       int             `mapstructure:"retry_attempts"`
	RetryBaseDelay      time.Duration   `mapstructure:"retry_base_delay"`
}

// StateMachineConfig configures per-phase timeouts for the engine-run state machine.
type StateMachineConfig struct {
	PhaseTimeoutSeconds map[string]int `mapstructure:"phase_timeout_seconds"`
}

// PhaseTimeout returns the configured timeout for a phase name, defaulting
// to 5 minutes if unset.
func (s StateMachineConfig) PhaseTimeout(phase string) time.Duration {
	if secs, ok := s.PhaseTimeoutSeconds[phase]; ok {
		return time.Duration(secs) * time.Second
	}
	return 5 * time.Minute
}

// StoreConfig configures the Postgres-backed persistence layer and the
// Redis-backed cache/lock used by the embedding cache and the engine-run
// state machine.
type StoreConfig struct {
	HistoricalDSN string `mapstructure:"historical_dsn"`
	RuntimeDSN    string `mapstructure:"runtime_dsn"`
	RedisAddr     string `mapstructure:"redis_addr"`
}

// APIConfig configures the HTTP/WebSocket control-plane surface.
type APIConfig struct {
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	WebSocketPath string        `mapstructure:"websocket_path"`
}

// Config is the single configuration object every engine receives at
// construction time, passed in explicitly rather than read globally.
type Config struct {
	Region2Market map[string][]string `mapstructure:"region_to_market"`

	Regime     RegimeConfig        `mapstructure:"regime"`
	Stability  StabilityConfig     `mapstructure:"stability"`
	Assessment AssessmentConfig    `mapstructure:"assessment"`
	Universe   UniverseConfig      `mapstructure:"universe"`
	Portfolio  PortfolioConfig     `mapstructure:"portfolio"`
	Risk       StrategyRiskConfig  `mapstructure:"risk"`
	Execution  ExecutionConfig     `mapstructure:"execution"`
	StateMachine StateMachineConfig `mapstructure:"state_machine"`
	Store      StoreConfig         `mapstructure:"store"`
	API        APIConfig           `mapstructure:"api"`

	LogLevel string `mapstructure:"log_level"`
}

// Default returns the baseline configuration for a fresh deployment.
func Default() *Config {
	return &Config{
		Region2Market: map[string][]string{},
		Regime: RegimeConfig{
			ProxyInstrumentPerRegion: map[string]string{},
			WindowDays:               63,
			NumRegimeModelID:         "num-regime-core-v1",
			Temperature:              1.0,
			HysteresisDays:           3,
		},
		Stability: StabilityConfig{
			PersistenceDays: map[string]int{
				"Watch": 1, "Fragile": 2, "Targetable": 3, "Breaker": 3,
			},
			ConfirmationMinDims: 2,
			STIThresholds:       [4]float64{30, 45, 60, 75},
			ForecastHorizonSteps: 5,
		},
		Assessment: AssessmentConfig{
			Backend:     "basic",
			HorizonDays: 21,
			TauBuy:      0.2,
			TauSell:     0.2,
			FragilityPenalty: map[string]float64{
				"Stable": 1.0, "Watch": 1.0, "Fragile": 0.7, "Targetable": 0.3, "Breaker": 0.0,
			},
		},
		Universe: UniverseConfig{
			MinPrice:                 decimal.NewFromInt(1),
			MinLiquidityADV:          decimal.NewFromInt(100000),
			MaxUniverseSize:          500,
			MaxNamesPerSector:        50,
			WStab:                    0.5,
			WLambda:                  0.2,
			DropBreaker:              true,
			DropWeakFragile:          false,
			WeakFragileRiskThreshold: 0.5,
		},
		Portfolio: PortfolioConfig{
			CapName:      decimal.NewFromFloat(0.05),
			GrossCap:     decimal.NewFromFloat(1.0),
			Gamma:        1.0,
			BookNotional: decimal.NewFromInt(10000000),
		},
		Risk: StrategyRiskConfig{
			PerNameCap:  decimal.NewFromFloat(0.05),
			GrossCap:    decimal.NewFromFloat(1.0),
			MaxLeverage: decimal.NewFromFloat(1.0),
		},
		Execution: ExecutionConfig{
			Mode:                "BACKTEST",
			SlippageBps:         decimal.NewFromFloat(5),
			ExecRiskEnabled:     true,
			MaxOrderNotional:    decimal.NewFromInt(1000000),
			MaxPositionNotional: decimal.NewFromInt(5000000),
			MaxLeverage:         decimal.NewFromFloat(1.0),
			RetryAttempts:       3,
			RetryBaseDelay:      200 * time.Millisecond,
		},
		StateMachine: StateMachineConfig{
			PhaseTimeoutSeconds: map[string]int{
				"SIGNALS_RUNNING":   300,
				"UNIVERSES_RUNNING": 120,
				"BOOKS_RUNNING":     180,
			},
		},
		API: APIConfig{
			Host:          "0.0.0.0",
			Port:          8080,
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
			WebSocketPath: "/api/v1/stream",
		},
		LogLevel: "info",
	}
}

// Load reads a YAML config file (if present) plus environment overrides
// under the PROM2_ prefix, loading a local .env first the way
// AlejandroRuiz99-polybot's CLI does for developer credentials.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // best-effort; absence of .env is not an error

	v := viper.New()
	v.SetEnvPrefix("PROM2")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()
	v.SetConfigType("yaml")
	setDefaultsFromStruct(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	err := v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		decimalDecodeHook(),
	)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, nil
}

func setDefaultsFromStruct(v *viper.Viper, cfg *Config) {
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("regime.window_days", cfg.Regime.WindowDays)
	v.SetDefault("regime.num_regime_model_id", cfg.Regime.NumRegimeModelID)
	v.SetDefault("regime.temperature", cfg.Regime.Temperature)
	v.SetDefault("regime.hysteresis_days", cfg.Regime.HysteresisDays)
	v.SetDefault("stability.confirmation_min_dims", cfg.Stability.ConfirmationMinDims)
	v.SetDefault("stability.forecast_horizon_steps", cfg.Stability.ForecastHorizonSteps)
	v.SetDefault("assessment.backend", cfg.Assessment.Backend)
	v.SetDefault("assessment.horizon_days", cfg.Assessment.HorizonDays)
	v.SetDefault("assessment.tau_buy", cfg.Assessment.TauBuy)
	v.SetDefault("assessment.tau_sell", cfg.Assessment.TauSell)
	v.SetDefault("universe.max_universe_size", cfg.Universe.MaxUniverseSize)
	v.SetDefault("universe.max_names_per_sector", cfg.Universe.MaxNamesPerSector)
	v.SetDefault("universe.w_stab", cfg.Universe.WStab)
	v.SetDefault("universe.w_lambda", cfg.Universe.WLambda)
	v.SetDefault("portfolio.gamma", cfg.Portfolio.Gamma)
	v.SetDefault("execution.mode", cfg.Execution.Mode)
	v.SetDefault("execution.retry_attempts", cfg.Execution.RetryAttempts)
	v.SetDefault("api.host", cfg.API.Host)
	v.SetDefault("api.port", cfg.API.Port)
	v.SetDefault("api.websocket_path", cfg.API.WebSocketPath)
}
