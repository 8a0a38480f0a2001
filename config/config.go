// Package config discovers, validates and normalizes the static serving
// configuration.
//
// The configuration is a JSON document (allowing "//" comments) read from the
// first of these files found in the served directory:
//
//   serve.json      the document itself
//   now.json        the document under "static" (deprecated)
//   package.json    the document under "now.static" (deprecated)
//
// An explicit file given on the command line is tried before all of them.
// The document is validated against the static deployment schema:
//
//   {
//      "public" : "dist",
//      "rewrites" : [ { "source" : "app/**", "destination" : "/index.html" } ],
//      "headers" : [ { "source" : "**/*.js", "headers" : [ { "key" : "Cache-Control", "value" : "max-age=3600" } ] } ],
//      "cleanUrls" : true,
//      "symlinks" : false
//   }
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
)

// ConfigError marks errors caused by the configuration rather than the environment.
type ConfigError error

// WrapError marks the error as a configuration error.
func WrapError(wrapped error) ConfigError {
	return ConfigError(errors.Wrap(wrapped, "Config error"))
}

// Rewrite maps request paths matching the Source glob to Destination.
// Also used for proxy rules where Destination is an URL.
type Rewrite struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

// Redirect answers requests matching Source with a redirect to Destination.
type Redirect struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Type        int    `json:"type,omitempty"`
}

// Header is a single response header.
type Header struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// HeaderRule adds Headers to responses for paths matching Source.
type HeaderRule struct {
	Source  string   `json:"source"`
	Headers []Header `json:"headers"`
}

// PathToggle is a setting which is either a plain boolean or a list of
// path globs for which it is enabled.
type PathToggle struct {
	Set   bool // false when absent from the document
	All   bool
	Paths []string
}

// UnmarshalJSON accepts a boolean or an array of strings.
func (t *PathToggle) UnmarshalJSON(b []byte) error {
	var all bool
	if err := json.Unmarshal(b, &all); err == nil {
		*t = PathToggle{Set: true, All: all}
		return nil
	}
	var paths []string
	if err := json.Unmarshal(b, &paths); err != nil {
		return err
	}
	*t = PathToggle{Set: true, Paths: paths}
	return nil
}

// Enabled tells whether the toggle applies to the given path.
// match is the glob matcher used for path lists. def is returned when
// the toggle was not set.
func (t PathToggle) Enabled(path string, def bool, match func(pattern, path string) bool) bool {
	if !t.Set {
		return def
	}
	if t.Paths == nil {
		return t.All
	}
	for _, p := range t.Paths {
		if match(p, path) {
			return true
		}
	}
	return false
}

// Resolved is the final configuration shared by all listeners.
// It must not be modified after Resolve returned it.
type Resolved struct {
	Public           string
	Rewrites         []Rewrite
	Redirects        []Redirect
	Headers          []HeaderRule
	CleanURLs        PathToggle
	TrailingSlash    *bool
	DirectoryListing PathToggle
	Unlisted         []string
	RenderSingle     bool
	Symlinks         bool
	ETag             bool
	Proxy            []Rewrite

	// Extra holds schema-accepted fields not known to this package. The
	// current schema rejects unknown fields, so it stays empty until a
	// schema revision adds fields this package does not decode.
	Extra map[string]interface{}

	// Source is the file the configuration was read from, "" if none.
	Source string

	doc map[string]interface{}
}

// the typed view of the document
type document struct {
	Public           string       `json:"public"`
	Rewrites         []Rewrite    `json:"rewrites"`
	Redirects        []Redirect   `json:"redirects"`
	Headers          []HeaderRule `json:"headers"`
	CleanURLs        PathToggle   `json:"cleanUrls"`
	TrailingSlash    *bool        `json:"trailingSlash"`
	DirectoryListing PathToggle   `json:"directoryListing"`
	Unlisted         []string     `json:"unlisted"`
	RenderSingle     bool         `json:"renderSingle"`
	Symlinks         bool         `json:"symlinks"`
	ETag             bool         `json:"etag"`
	Proxy            []Rewrite    `json:"proxy"`
}

var knownFields = map[string]bool{
	"public":           true,
	"rewrites":         true,
	"redirects":        true,
	"headers":          true,
	"cleanUrls":        true,
	"trailingSlash":    true,
	"directoryListing": true,
	"unlisted":         true,
	"renderSingle":     true,
	"symlinks":         true,
	"etag":             true,
	"proxy":            true,
}

func newResolved(source string, doc map[string]interface{}) (*Resolved, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var d document
	if err = json.Unmarshal(b, &d); err != nil {
		return nil, err
	}

	extra := make(map[string]interface{})
	for k, v := range doc {
		if !knownFields[k] {
			extra[k] = v
		}
	}

	return &Resolved{
		Public:           d.Public,
		Rewrites:         d.Rewrites,
		Redirects:        d.Redirects,
		Headers:          d.Headers,
		CleanURLs:        d.CleanURLs,
		TrailingSlash:    d.TrailingSlash,
		DirectoryListing: d.DirectoryListing,
		Unlisted:         d.Unlisted,
		RenderSingle:     d.RenderSingle,
		Symlinks:         d.Symlinks,
		ETag:             d.ETag,
		Proxy:            d.Proxy,
		Extra:            extra,
		Source:           source,
		doc:              doc,
	}, nil
}

// Document returns a copy of the complete validated configuration document
// as forwarded to the request handlers.
func (cfg *Resolved) Document() map[string]interface{} {
	out := make(map[string]interface{})
	b, err := json.Marshal(cfg.doc)
	if err != nil {
		return out
	}
	_ = json.Unmarshal(b, &out)
	return out
}

// Dump serializes the resolved configuration document to dest.
func (cfg *Resolved) Dump(dest io.Writer) {

	var out bytes.Buffer
	b, err := json.Marshal(cfg.doc)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}

	err = json.Indent(&out, b, "", "    ")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	out.WriteString("\n")
	out.WriteTo(dest)
}
