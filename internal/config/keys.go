package config

import (
	"fmt"
	"strings"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	secret  bool
	extract func(cfg Config) any
}

var specs = []keySpec{
	{key: "server.port", typ: kInt, extract: func(cfg Config) any { return cfg.Server.Port }},
	{key: "server.api_token", secret: true, extract: func(cfg Config) any { return cfg.Server.APIToken }},
	{key: "storage.backend", extract: func(cfg Config) any { return cfg.Storage.Backend }},
	{key: "storage.data_dir", extract: func(cfg Config) any { return cfg.Storage.DataDir }},
	{key: "storage.postgres_dsn", secret: true, extract: func(cfg Config) any { return cfg.Storage.PostgresDSN }},
	{key: "storage.cache_dir", extract: func(cfg Config) any { return cfg.Storage.CacheDir }},
	{key: "pipeline.output_dir", extract: func(cfg Config) any { return cfg.Pipeline.OutputDir }},
	{key: "pipeline.runner_cmd", extract: func(cfg Config) any { return cfg.Pipeline.RunnerCmd }},
	{key: "pipeline.validator_cmd", extract: func(cfg Config) any { return cfg.Pipeline.ValidatorCmd }},
	{key: "pipeline.factchecker_cmd", extract: func(cfg Config) any { return cfg.Pipeline.FactCheckerCmd }},
	{key: "pipeline.pmid_cmd", extract: func(cfg Config) any { return cfg.Pipeline.PMIDCmd }},
	{key: "pipeline.visualizer_cmd", extract: func(cfg Config) any { return cfg.Pipeline.VisualizerCmd }},
	{key: "pipeline.interactor_rounds", typ: kInt, extract: func(cfg Config) any { return cfg.Pipeline.InteractorRounds }},
	{key: "pipeline.function_rounds", typ: kInt, extract: func(cfg Config) any { return cfg.Pipeline.FunctionRounds }},
	{key: "pipeline.poll_interval", typ: kDuration, extract: func(cfg Config) any { return cfg.Pipeline.PollInterval }},
	{key: "log.level", extract: func(cfg Config) any { return cfg.Log.Level }},
}

// EnvVar returns the environment variable that overrides key.
func EnvVar(key string) string {
	return envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func lookup(key string) (keySpec, error) {
	for _, s := range specs {
		if s.key == key {
			return s, nil
		}
	}
	return keySpec{}, fmt.Errorf("unknown config key: %q", key)
}
