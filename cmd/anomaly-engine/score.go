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
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/wso2/api-platform/gateway/anomaly-engine/internal/app"
	"github.com/wso2/api-platform/gateway/anomaly-engine/pkg/core"
)

func scoreCmd(opts *globalOptions) *cobra.Command {
	var (
		schemaType string
		lines      bool
	)

	cmd := &cobra.Command{
		Use:   "score [file...]",
		Short: "Score records from files or stdin and print the results as JSON",
		Long: `Score one record per file, or one record per line with --lines. With no
file arguments the record is read from stdin. History accumulates across
the records of a single invocation.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := opts.logger()
			cfg, _, err := opts.load(cmd, logger)
			if err != nil {
				return err
			}

			payloads, err := readPayloads(cmd.InOrStdin(), args, lines)
			if err != nil {
				return err
			}

			a, err := app.New(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			inputs := make([]core.Input, 0, len(payloads))
			for _, p := range payloads {
				inputs = append(inputs, core.Input{
					SchemaType: schemaType,
					Payload:    p.data,
					Metadata:   map[string]string{"source": p.origin},
				})
			}

			// Records are scored in order so each sees the history of those before it.
			a.Processor.SetWorkers(1)
			results, err := a.Processor.ProcessBatch(cmd.Context(), inputs)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(results)
		},
	}

	cmd.Flags().StringVarP(&schemaType, "schema-type", "s", "webhook", "Schema type used as the history key")
	cmd.Flags().BoolVarP(&lines, "lines", "l", false, "Treat every non-empty line as a separate record")

	return cmd
}

type payload struct {
	origin string
	data   []byte
}

func readPayloads(stdin io.Reader, files []string, lines bool) ([]payload, error) {
	type source struct {
		name string
		data []byte
	}
	var sources []source
	if len(files) == 0 {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		sources = append(sources, source{name: "stdin", data: data})
	}
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f, err)
		}
		sources = append(sources, source{name: f, data: data})
	}

	var out []payload
	for _, s := range sources {
		if !lines {
			out = append(out, payload{origin: s.name, data: s.data})
			continue
		}
		sc := bufio.NewScanner(bytes.NewReader(s.data))
		sc.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
		n := 0
		for sc.Scan() {
			n++
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			out = append(out, payload{
				origin: fmt.Sprintf("%s:%d", s.name, n),
				data:   append([]byte(nil), line...),
			})
		}
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("scan %s: %w", s.name, err)
		}
	}
	return out, nil
}
