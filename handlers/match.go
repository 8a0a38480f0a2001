// Package handlers holds the request handlers collaborating with the
// listeners: the static content handler and the proxy dispatcher.
package handlers

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Match tells whether the request path matches the glob pattern.
// Leading slashes are ignored on both, so "/app/**" and "app/**" are the same.
func Match(pattern, name string) bool {
	pattern = strings.TrimPrefix(pattern, "/")
	name = strings.TrimPrefix(name, "/")
	ok, err := doublestar.Match(pattern, name)
	return err == nil && ok
}
