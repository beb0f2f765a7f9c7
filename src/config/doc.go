// Package config defines the configuration of a Tempo node, the default
// values, and the root logger that all components write through.
package config
