package commands

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/buildhost/ec2-builder/internal/config"
	"github.com/buildhost/ec2-builder/pkg/errors"
	"github.com/buildhost/ec2-builder/pkg/poll"
	"github.com/samber/lo"
)

// ensureDirectories creates all necessary directories for the application
func ensureDirectories(sqlitePath, fsmDBPath, artifactDir string) error {
	// Create database directory
	if err := os.MkdirAll(filepath.Dir(sqlitePath), 0755); err != nil {
		return errors.Wrap(err, "failed to create database directory")
	}

	// FSM directory is only needed for the durable driver
	if fsmDBPath != "" {
		if err := os.MkdirAll(fsmDBPath, 0755); err != nil {
			return errors.Wrap(err, "failed to create FSM directory")
		}
	}

	if artifactDir != "" {
		if err := os.MkdirAll(artifactDir, 0755); err != nil {
			return errors.Wrap(err, "failed to create artifact directory")
		}
	}

	return nil
}

// pollPolicy builds the polling budget for one kind of wait.
func pollPolicy(cfg *config.Config, timeout time.Duration) poll.Policy {
	return poll.Policy{
		Interval:    cfg.PollInterval,
		MaxInterval: cfg.PollMaxInterval,
		Multiplier:  cfg.PollMultiplier,
		Jitter:      0.1,
		MaxAttempts: cfg.PollMaxAttempts,
		Timeout:     timeout,
	}
}

// keyName derives the EC2 key pair name from the private key file name,
// e.g. ~/.ssh/builder.pem -> builder.
func keyName(keyPath string) string {
	base := filepath.Base(keyPath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ownerFilter splits a comma separated owner list, dropping blanks.
func ownerFilter(owners string) []string {
	return lo.Compact(lo.Map(strings.Split(owners, ","), func(o string, _ int) string {
		return strings.TrimSpace(o)
	}))
}
