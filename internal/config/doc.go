// Package config loads the escrowd JSON configuration and fills in defaults
// for everything an operator leaves out.
package config
