package config

import "errors"

// Validation errors
var (
	// ErrMissingDatabase indicates no database DSN was configured.
	ErrMissingDatabase = errors.New("database url is required")

	// ErrMissingRedis indicates no Redis URL was configured.
	ErrMissingRedis = errors.New("redis url is required")

	// ErrInvalidPartitions indicates a partition count below one.
	ErrInvalidPartitions = errors.New("partitions must be at least 1")

	// ErrInvalidBatchSize indicates a batch size below one.
	ErrInvalidBatchSize = errors.New("max batch size must be at least 1")

	// ErrInvalidInterval indicates a non-positive duration setting.
	ErrInvalidInterval = errors.New("durations must be positive")

	// ErrInvalidLogLevel indicates a level zerolog does not know.
	ErrInvalidLogLevel = errors.New("invalid log level")

	// ErrInvalidLogFormat indicates a log format other than json, console or auto.
	ErrInvalidLogFormat = errors.New("log format must be json, console or auto")

	// ErrMissingServerURL indicates an agent with no control plane address.
	ErrMissingServerURL = errors.New("agent server url is required")

	// ErrInvalidClientID indicates an agent client id that is not 32 hex digits.
	ErrInvalidClientID = errors.New("agent client id must be 32 hex digits")
)
