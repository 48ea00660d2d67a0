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
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wso2/api-platform/gateway/anomaly-engine/internal/pipeline"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestReadPayloadsLines(t *testing.T) {
	dir := t.TempDir()
	f := writeFile(t, dir, "records.jsonl", "{\"a\":1}\n\n  {\"b\":2}  \n")

	got, err := readPayloads(nil, []string{f}, true)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, `{"a":1}`, string(got[0].data))
	assert.Equal(t, f+":1", got[0].origin)
	assert.Equal(t, `{"b":2}`, string(got[1].data))
	assert.Equal(t, f+":3", got[1].origin)
}

func TestReadPayloadsStdin(t *testing.T) {
	got, err := readPayloads(strings.NewReader(`{"a":1}`), nil, false)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "stdin", got[0].origin)
}

func TestReadPayloadsMissingFile(t *testing.T) {
	_, err := readPayloads(nil, []string{filepath.Join(t.TempDir(), "nope.json")}, false)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestScoreCommand(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "config.yaml", "retry_base_delay_seconds: 0.01\nworkers: 2\n")
	records := writeFile(t, dir, "records.jsonl", strings.Join([]string{
		`{"id":"t1","user_id":"u1","amount":12.5}`,
		`{"user_id":"u2","comment":"<script>alert(1)</script>"}`,
		`{"broken":`,
	}, "\n"))

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"score", "--log-level", "error", "--config", cfgPath, "--schema-type", "payment", "--lines", records})
	require.NoError(t, cmd.Execute())

	var results []pipeline.Result
	require.NoError(t, json.Unmarshal(out.Bytes(), &results))
	require.Len(t, results, 3)

	assert.True(t, results[0].Report.IsNormal)
	assert.Equal(t, "payment", results[0].SchemaType)
	assert.Empty(t, results[0].Actions)

	assert.Contains(t, results[1].Report.Tags, "potential_script_injection")
	require.Len(t, results[1].Actions, 2)

	assert.Equal(t, []string{"malformed_json"}, results[2].Report.Tags)
	require.Len(t, results[2].Actions, 1)
}

func TestExplicitConfigMustExist(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"stats", "--log-level", "error", "--config", filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, cmd.Execute())
}

func TestStatsCommandWithDefaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"stats", "--log-level", "error"})
	require.NoError(t, cmd.Execute())

	var report map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	assert.Contains(t, report, "system")
	assert.Contains(t, report, "actions")
}
