// Package config loads flowgraph configuration.
//
// LoadConfig uses Viper to read a YAML file from the standard locations,
// loads a .env file with godotenv and binds environment variables onto
// nested keys, so EXECUTOR_MAX_CONCURRENCY=20 sets executor.max_concurrency.
//
//	var cfg config.EngineConfig
//	if err := config.LoadConfig("flowctl", &cfg, config.WithConfigFile(path)); err != nil {
//	    return err
//	}
//	cfg.ApplyDefaults()
//	if err := cfg.Validate(); err != nil {
//	    return err
//	}
package config
