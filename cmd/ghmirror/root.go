package main

import (
	"github.com/spf13/cobra"

	"github.com/wesm/github-issue-mirror/config"
)

type options struct {
	configPath string
	repository string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "ghmirror",
		Short: "Incrementally mirror a GitHub repository's issues and pull requests",
		Long: `ghmirror keeps a local copy of a repository's issues, pull requests and
their comment threads. Each run only fetches what changed since the last one,
using the repository activity feed when it can be trusted and falling back to
listing scans when it cannot.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "ghmirror.json", "Path to configuration file (.json, .yaml or .toml)")
	root.PersistentFlags().StringVar(&opts.repository, "repo", "", "Repository to mirror (owner/name), overrides the configuration")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error), overrides the configuration")

	root.AddCommand(newInitCmd(opts), newSyncCmd(opts), newStatusCmd(opts))
	return root
}

// load reads the configuration and applies command line overrides
func (o *options) load() (*config.Config, error) {
	cfg, err := config.LoadConfig(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.repository != "" {
		cfg.Repository = o.repository
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
