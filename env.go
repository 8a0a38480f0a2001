package serve

import (
	"github.com/kelseyhightower/envconfig"
)

// Env is the environment the launcher reads.
type Env struct {
	// Port used when no --listen is given.
	Port string `envconfig:"PORT"`

	// "1" disables the background update check.
	NoUpdateCheck string `envconfig:"NO_UPDATE_CHECK"`

	// "production" replaces the banner by a log line.
	Mode string `envconfig:"SERVE_ENV"`
}

// Production tells whether output should be plain log lines.
func (e Env) Production() bool {
	return e.Mode == "production"
}

// UpdateCheck tells whether the update check is enabled.
func (e Env) UpdateCheck() bool {
	return e.NoUpdateCheck != "1"
}

// LoadEnv reads the environment.
func LoadEnv() (env Env, err error) {
	err = envconfig.Process("", &env)
	return
}
