// Package update checks whether a newer release than the running one is published.
package update

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"golang.org/x/mod/semver"

	"github.com/One-com/gone/log"
)

// DefaultURL answers with the latest release as {"tag_name": "v1.2.3"}.
const DefaultURL = "https://api.github.com/repos/One-com/serve/releases/latest"

// Checker looks up the latest release.
type Checker struct {
	URL     string
	Current string // the running version
	client  *http.Client
}

// Option configures a Checker.
type Option func(*Checker)

// URL sets the release lookup URL.
func URL(u string) Option {
	return func(c *Checker) {
		c.URL = u
	}
}

// Retries sets how often a failed lookup is retried.
func Retries(n int) Option {
	return func(c *Checker) {
		c.client = newClient(n)
	}
}

func newClient(retries int) *http.Client {
	rc := retryablehttp.Client{
		HTTPClient:   &http.Client{Timeout: 5 * time.Second},
		Logger:       nil,
		RetryWaitMin: 100 * time.Millisecond,
		RetryWaitMax: time.Second,
		RetryMax:     retries,
		RequestLogHook: func(l retryablehttp.Logger, req *http.Request, i int) {
			log.DEBUG("Checking for updates", "url", req.URL.String(), "attempt", i)
		},
		CheckRetry:   retryablehttp.DefaultRetryPolicy,
		Backoff:      retryablehttp.DefaultBackoff,
		ErrorHandler: retryablehttp.PassthroughErrorHandler,
	}
	return rc.StandardClient()
}

// New returns a Checker for the running version current.
func New(current string, opts ...Option) *Checker {
	c := &Checker{URL: DefaultURL, Current: current}
	for _, o := range opts {
		o(c)
	}
	if c.client == nil {
		c.client = newClient(2)
	}
	return c
}

type release struct {
	TagName string `json:"tag_name"`
}

// canonical returns v as a semantic version with the "v" prefix, or "" if it isn't one.
func canonical(v string) string {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return ""
	}
	return semver.Canonical(v)
}

// Check returns the latest version and whether it is newer than the running one.
func (c *Checker) Check(ctx context.Context) (latest string, newer bool, err error) {

	current := canonical(c.Current)
	if current == "" {
		err = errors.Errorf("Running version %q is not a semantic version", c.Current)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		err = errors.Wrap(err, "Checking for updates")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err = errors.Errorf("Checking for updates: %s", resp.Status)
		return
	}

	var rel release
	if err = json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		err = errors.Wrap(err, "Decoding release")
		return
	}

	latest = canonical(rel.TagName)
	if latest == "" {
		err = errors.Errorf("Latest release %q is not a semantic version", rel.TagName)
		return
	}
	newer = semver.Compare(latest, current) > 0
	return
}
