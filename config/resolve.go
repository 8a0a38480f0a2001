package config

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/One-com/gone/jconf"
	"github.com/One-com/gone/log"
)

// Overrides are the command line settings applied on top of the
// configuration document.
type Overrides struct {
	ConfigFile string // explicit configuration file, relative to the entry directory
	NoETag     bool   // send Last-Modified instead of ETag
	Symlinks   bool   // follow symlinks
	Single     bool   // rewrite everything not found to /index.html
}

// SingleRewrite is prepended to the rewrites in single page application mode.
var SingleRewrite = Rewrite{Source: "**", Destination: "/index.html"}

// A candidate configuration file and how to find the configuration in it.
type candidate struct {
	name       string
	path       []string // keys leading to the configuration object
	deprecated bool
}

var candidates = []candidate{
	{name: "serve.json"},
	{name: "now.json", path: []string{"static"}, deprecated: true},
	{name: "package.json", path: []string{"now", "static"}, deprecated: true},
}

// Resolve discovers the configuration for serving entry, validates it and
// applies the overrides. cwd is the directory the public root is made
// relative to. If entry is "" cwd is served.
func Resolve(cwd, entry string, o Overrides) (cfg *Resolved, err error) {

	cwd, err = filepath.Abs(cwd)
	if err != nil {
		return nil, err
	}
	if entry == "" {
		entry = cwd
	} else if !filepath.IsAbs(entry) {
		entry = filepath.Join(cwd, entry)
	}

	cands := candidates
	if o.ConfigFile != "" {
		cands = append([]candidate{{name: o.ConfigFile}}, candidates...)
	}

	doc, source, err := discover(entry, cands)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		doc = make(map[string]interface{})
	}

	// A non-string "public" is left for the schema to reject.
	public := entry
	p, present := doc["public"]
	ps, isString := p.(string)
	if isString && ps != "" {
		public = ps
		if !filepath.IsAbs(public) {
			public = filepath.Join(entry, public)
		}
	}
	if !present || isString {
		rel, e := filepath.Rel(cwd, public)
		if e != nil {
			rel = public
		}
		doc["public"] = rel
	}

	if err = Validate(doc); err != nil {
		return nil, err
	}

	doc["etag"] = !o.NoETag
	if o.Symlinks {
		doc["symlinks"] = true
	}
	if o.Single {
		rewrites := []interface{}{
			map[string]interface{}{"source": SingleRewrite.Source, "destination": SingleRewrite.Destination},
		}
		if existing, ok := doc["rewrites"].([]interface{}); ok {
			rewrites = append(rewrites, existing...)
		}
		doc["rewrites"] = rewrites
	}

	cfg, err = newResolved(source, doc)
	if err != nil {
		return nil, WrapError(err)
	}
	return cfg, nil
}

// discover returns the configuration object from the first candidate file holding one.
func discover(entry string, cands []candidate) (doc map[string]interface{}, source string, err error) {

	for _, c := range cands {
		location := c.name
		if !filepath.IsAbs(location) {
			location = filepath.Join(entry, location)
		}

		data, e := os.ReadFile(location)
		if e != nil {
			if os.IsNotExist(e) {
				continue
			}
			err = &ReadError{Path: location, Err: e}
			return
		}

		var content interface{}
		if e = jconf.ParseInto(bytes.NewReader(data), &content); e != nil {
			err = &ParseError{Path: location, Err: e}
			return
		}

		obj, ok := content.(map[string]interface{})
		if !ok {
			log.WARN("Didn't find a valid object. Skipping...", "file", location)
			continue
		}

		obj, ok = extract(obj, c.path)
		if !ok {
			log.DEBUG("No configuration section. Skipping...", "file", location)
			continue
		}

		log.INFO("Discovered configuration", "file", c.name)
		if c.deprecated {
			log.WARN("The config files `now.json` and `package.json` are deprecated. Please use `serve.json`.")
		}
		return obj, location, nil
	}
	return
}

// extract follows path into nested objects.
func extract(obj map[string]interface{}, path []string) (map[string]interface{}, bool) {
	for _, key := range path {
		v, ok := obj[key]
		if !ok {
			return nil, false
		}
		next, ok := v.(map[string]interface{})
		if !ok {
			log.WARN("Configuration section is not an object. Skipping...", "key", key)
			return nil, false
		}
		obj = next
	}
	return obj, true
}
