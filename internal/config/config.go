package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

type Vendor struct {
	BaseURL            string `yaml:"base_url"`
	APIKey             string `yaml:"api_key"`
	TimeoutSeconds     int    `yaml:"timeout_seconds"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
}

type Cache struct {
	Capacity int `yaml:"capacity"`
}

type Fetch struct {
	Budget       int `yaml:"budget"` // calls per trailing 60s
	ChunkSize    int `yaml:"chunk_size"`
	ChunkDelayMs int `yaml:"chunk_delay_ms"`
}

type Store struct {
	Backend  string `yaml:"backend"` // file | postgres
	FilePath string `yaml:"file_path"`
	Postgres string `yaml:"postgres"` // connection string
}

type Root struct {
	ListenAddr       string   `yaml:"listen_addr"`
	Watchlist        []string `yaml:"watchlist"`
	SyntheticSymbols []string `yaml:"synthetic_symbols"`
	Vendor           Vendor   `yaml:"vendor"`
	Cache            Cache    `yaml:"cache"`
	Fetch            Fetch    `yaml:"fetch"`
	Store            Store    `yaml:"store"`
}

func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}

	if c.ListenAddr == "" {
		c.ListenAddr = ":8090"
	}
	if c.Vendor.TimeoutSeconds == 0 {
		c.Vendor.TimeoutSeconds = 10
	}
	if c.Vendor.RateLimitPerMinute == 0 {
		c.Vendor.RateLimitPerMinute = 60
	}
	if c.Cache.Capacity == 0 {
		c.Cache.Capacity = 500
	}
	if c.Fetch.Budget == 0 {
		c.Fetch.Budget = 60
	}
	if c.Fetch.ChunkSize == 0 {
		c.Fetch.ChunkSize = 10
	}
	if c.Fetch.ChunkDelayMs == 0 {
		c.Fetch.ChunkDelayMs = 200
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "file"
	}
	if c.Store.FilePath == "" {
		c.Store.FilePath = "data/quotes.json"
	}

	return c, nil
}
