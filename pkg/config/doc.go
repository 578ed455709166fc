// Package config loads application configuration from environment variables
// into tagged structs.
//
// It is a thin composition of github.com/caarlos0/env for struct parsing and
// github.com/joho/godotenv for optional .env files during local development.
// Every component in this repository declares its own Config struct with env
// tags and defaults; main wires them together with MustLoad.
package config
