// Package config loads the host's environment-variable configuration
// once at startup, normalizing and defaulting fields the way the
// teacher's own Dice.Config / JsInit loading does.
package config

import (
	"os"
	"strconv"
)

// Config is the full set of environment-variable driven settings the
// core recognizes.
type Config struct {
	DataDir string

	MarketURL              string
	OfficialPublicKeyB64   string
	MarketBootstrapOnStart bool
	MarketForceUpdate      bool
	MarketSyncSchedule     string

	AllowUnsignedPlugins bool

	UseSeedBuiltinPlugins     bool
	DisableSeedBuiltinPlugins bool

	APIToken string

	OneBotURL       string
	AdminListenAddr string
}

// Load reads every NBOT_* variable from the process environment and
// applies defaults for anything unset.
func Load() Config {
	c := Config{
		DataDir:                getenv("NBOT_DATA_DIR", "data"),
		MarketURL:              os.Getenv("NBOT_MARKET_URL"),
		OfficialPublicKeyB64:   os.Getenv("NBOT_OFFICIAL_PUBLIC_KEY_B64"),
		MarketBootstrapOnStart: getbool("NBOT_MARKET_BOOTSTRAP_OFFICIAL_PLUGINS", true),
		MarketForceUpdate:      getbool("NBOT_MARKET_FORCE_UPDATE", false),
		MarketSyncSchedule:     getenv("NBOT_MARKET_SYNC_SCHEDULE", "@every 1h"),
		AllowUnsignedPlugins:   getbool("NBOT_ALLOW_UNSIGNED_PLUGINS", false),
		APIToken:               os.Getenv("NBOT_API_TOKEN"),
		OneBotURL:              getenv("NBOT_ONEBOT_URL", "ws://127.0.0.1:6700"),
		AdminListenAddr:        getenv("NBOT_ADMIN_LISTEN_ADDR", ":8765"),
	}

	c.UseSeedBuiltinPlugins = getbool("NBOT_USE_SEED_BUILTIN_PLUGINS", c.MarketURL == "")
	c.DisableSeedBuiltinPlugins = getbool("NBOT_DISABLE_SEED_BUILTIN_PLUGINS", false)
	if c.DisableSeedBuiltinPlugins {
		c.UseSeedBuiltinPlugins = false
	}
	return c
}

// SeedBuiltinPlugins reports whether the host image's bundled seed
// plugins should be installed into the registry on first start. A
// configured market URL makes the market the source of truth, so seed
// plugins are skipped unless explicitly re-enabled.
func (c Config) SeedBuiltinPlugins() bool {
	return c.UseSeedBuiltinPlugins && !c.DisableSeedBuiltinPlugins
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getbool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
