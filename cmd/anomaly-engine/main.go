// Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
//
// WSO2 LLC. licenses this file to you under the Apache License,
// Version 2.0 (the "License"); you may not use this file except
// in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied. See the License for the
// specific language governing permissions and limitations
// under the License.

package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/wso2/api-platform/gateway/anomaly-engine/internal/logging"
	"github.com/wso2/api-platform/gateway/anomaly-engine/pkg/config"
)

var Version = "dev"

const defaultConfigPath = "/etc/anomaly-engine/config.yaml"

type globalOptions struct {
	configPath string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:           "anomaly-engine",
		Short:         "Score structured records for anomalies and dispatch follow-up actions",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", configPath, "Path to the YAML configuration file (env CONFIG_PATH)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd(opts))
	rootCmd.AddCommand(scoreCmd(opts))
	rootCmd.AddCommand(statsCmd(opts))

	return rootCmd
}

func (o *globalOptions) logger() *slog.Logger {
	return logging.New(o.logLevel)
}

// load reads the configuration file. A missing file at the default location
// falls back to built-in defaults; an explicitly requested file must exist.
func (o *globalOptions) load(cmd *cobra.Command, logger *slog.Logger) (*config.Config, string, error) {
	cfg, err := config.Load(o.configPath)
	if err == nil {
		return cfg, o.configPath, nil
	}
	if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") && os.Getenv("CONFIG_PATH") == "" {
		logger.Warn("config file not found, using defaults", "path", o.configPath)
		return config.Default(), "", nil
	}
	return nil, "", fmt.Errorf("failed to load config %s: %w", o.configPath, err)
}
