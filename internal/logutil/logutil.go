// Package logutil configures the go-log loggers shared by every sedes
// package.
package logutil

import (
	"fmt"
	"strings"

	logging "github.com/ipfs/go-log/v2"
)

const DefaultLevel = "info"

// Setup applies level to all loggers. An empty level selects info.
func Setup(level string) error {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" {
		level = DefaultLevel
	}
	if err := logging.SetLogLevel("*", level); err != nil {
		return fmt.Errorf("log level %q: %w", level, err)
	}
	return nil
}
