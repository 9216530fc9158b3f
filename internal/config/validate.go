package config

import (
	"strings"

	"github.com/rotisserie/eris"
)

// Validate checks that the settings required by the given command mode are present.
// Modes: "store", "worker", "serve".
func (c *Config) Validate(mode string) error {
	var problems []string

	storeChecks := func() {
		switch c.Store.Driver {
		case "postgres":
			if c.Store.DatabaseURL == "" {
				problems = append(problems, "store.database_url is required for the postgres driver")
			}
		case "sqlite":
			if c.Store.SQLitePath == "" {
				problems = append(problems, "store.sqlite_path is required for the sqlite driver")
			}
		default:
			problems = append(problems, "store.driver must be postgres or sqlite")
		}
	}

	workerChecks := func() {
		if c.Worker.BatchSize < 1 {
			problems = append(problems, "worker.batch_size must be >= 1")
		}
		if c.Worker.Concurrency < 1 || c.Worker.Concurrency > 32 {
			problems = append(problems, "worker.concurrency must be between 1 and 32")
		}
		if c.Worker.DefaultTimeoutMs <= 0 {
			problems = append(problems, "worker.default_timeout_ms must be > 0")
		}
		if c.Queue.DefaultMaxAttempts < 1 {
			problems = append(problems, "queue.default_max_attempts must be >= 1")
		}
		if c.Queue.ReapAfterMinutes < 1 {
			problems = append(problems, "queue.reap_after_minutes must be >= 1")
		}
	}

	switch mode {
	case "store":
		storeChecks()
	case "worker":
		storeChecks()
		workerChecks()
	case "serve":
		storeChecks()
		workerChecks()
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: invalid for %s: %s", mode, strings.Join(problems, "; "))
	}
	return nil
}
