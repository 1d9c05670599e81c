// Package config loads txexec settings with viper.
//
// Precedence, lowest first: DefaultConfig, the optional YAML file passed as
// LoadOptions.ConfigFilePath, then TXEXEC_* environment variables. Nested
// keys use underscores in the environment, so retry.max_retries is
// TXEXEC_RETRY_MAX_RETRIES. Load validates the result; the typed accessors
// (SpillOptions, RetryPolicy, Visibility, MinLevel, HeaderMatcher) convert
// it into what the engine packages take.
package config
