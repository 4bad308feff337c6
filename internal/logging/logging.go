// Package logging provides component-tagged loggers over the standard
// library's log package, matching the prefix-per-component style the rest
// of this codebase's ancestry uses ("firecracker:", "quota:", "config:").
package logging

import (
	"log"
	"os"
)

// New returns a *log.Logger that prefixes every line with "tag: ".
func New(tag string) *log.Logger {
	return log.New(os.Stderr, tag+": ", log.LstdFlags)
}
