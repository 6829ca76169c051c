package config

import (
	"flag"
	"os"
)

// Flags holds parsed command-line values and which were explicitly set.
type Flags struct {
	Addr   string
	DB     string
	Config string
	Set    map[string]bool
}

// ParseFlags parses the standard service flags.
func ParseFlags() Flags {
	addrPtr := flag.String("addr", ":8080", "HTTP listen address")
	dbPtr := flag.String("db", "./.database", "Pebble DB path")
	cfgPtr := flag.String("config", "./config.yaml", "Path to config file")
	flag.Parse()
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return Flags{Addr: *addrPtr, DB: *dbPtr, Config: *cfgPtr, Set: set}
}

// Effective is the merged configuration the app runs with, plus where the
// decisive values came from.
type Effective struct {
	Config *Config
	Addr   string
	DBPath string
	Source string // "flags", "config", "env" or "defaults"
}

// LoadEffective merges config file, environment and flags. Missing config
// files are not an error; flags win over env which wins over the file.
func LoadEffective(flags Flags) (Effective, error) {
	cfg := &Config{}
	source := "defaults"

	path := flags.Config
	if env := os.Getenv("SUCHAK_CONFIG"); env != "" && !flags.Set["config"] {
		path = env
	}
	if loaded, err := Load(path); err == nil {
		cfg = loaded
		source = "config"
	} else if !os.IsNotExist(err) {
		return Effective{}, err
	}

	if ApplyEnv(cfg) {
		source = "env"
	}

	eff := Effective{Config: cfg, Source: source}
	if flags.Set["addr"] {
		eff.Addr = flags.Addr
		eff.Source = "flags"
	} else {
		eff.Addr = cfg.Addr()
	}
	if flags.Set["db"] {
		eff.DBPath = flags.DB
		eff.Source = "flags"
	} else if cfg.Storage.DBPath != "" {
		eff.DBPath = cfg.Storage.DBPath
	} else {
		eff.DBPath = flags.DB
	}
	return eff, nil
}
