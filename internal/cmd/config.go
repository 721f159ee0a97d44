package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/felixgeelhaar/manuscript/internal/config"
)

func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the global configuration",
		Long: `Inspect the configuration stored at ~/.manuscript/config.yaml.

  data_dir                  state, logs, runs and artifacts
  logging.level/format      log output on stderr
  batch.poll_interval       delay between scheduler queue checks
  batch.max_poll_attempts   queue checks before collecting the result
  batch.background_poll     poll Slurm jobs outside the request (serve)
  ssh.known_hosts           host key verification file
  ssh.connect_timeout       TCP and handshake timeout
  ssh.probe_hosts           hosts checked by the readiness probe
  server.addr               serve listen address`,
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "view",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			cfg, err := cc.Config()
			if err != nil {
				return err
			}
			// text output stays YAML with the file's own keys
			if cc.Output == "text" || cc.Output == "" {
				return yaml.NewEncoder(cmd.OutOrStdout()).Encode(cfg)
			}
			return cc.Print(cmd, cfg)
		},
	})

	configCmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath(cmd)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	})

	configCmd.AddCommand(&cobra.Command{
		Use:   "get <key>",
		Short: "Print one value by dotted key, e.g. batch.poll_interval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			cfg, err := cc.Config()
			if err != nil {
				return err
			}
			value, err := getNestedValue(cfg, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), value)
			return nil
		},
	})

	configCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default configuration if none exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath(cmd)
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Config already exists at %s\n", path)
				return nil
			}
			if err := config.Save(config.Default(), path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	})

	return configCmd
}

func configPath(cmd *cobra.Command) (string, error) {
	cc, err := NewCommandContext(cmd)
	if err != nil {
		return "", err
	}
	if cc.ConfigPath != "" {
		return cc.ConfigPath, nil
	}
	return config.DefaultPath()
}

// getNestedValue resolves a dotted key against the config's YAML form.
func getNestedValue(cfg *config.Config, key string) (string, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return "", err
	}

	var current any = tree
	for _, part := range strings.Split(key, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return "", fmt.Errorf("unknown config key %q", key)
		}
		if current, ok = m[part]; !ok {
			return "", fmt.Errorf("unknown config key %q", key)
		}
	}
	if _, ok := current.(map[string]any); ok {
		out, err := yaml.Marshal(current)
		return strings.TrimSpace(string(out)), err
	}
	return fmt.Sprint(current), nil
}
