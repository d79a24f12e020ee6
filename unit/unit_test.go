// Copyright (c) 2026.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

package unit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.airbear.app/ingest/log"
	"go.opentelemetry.io/otel/trace"
)

type (
	testConfig struct {
		Addr  string `json:"addr"`
		Token string `json:"token"`
	}

	testService struct {
		config  testConfig
		dryRun  bool
		envSeen bool
		ran     bool
		runErr  error
	}
)

func (s *testService) Run(context.Context, *log.Logger, prometheus.Registerer, trace.TracerProvider) error {
	s.ran = true
	return s.runErr
}

func (s *testService) GetConfiguration() any {
	return &s.config
}

func (s *testService) RegisterFlags(fs *flag.FlagSet) {
	fs.BoolVar(&s.dryRun, "dry-run", false, "do nothing")
}

func (s *testService) LoadEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("UNIT_TEST_TOKEN"); ok {
		s.config.Token = v
		s.envSeen = true
	}
	return nil
}

func (s *testService) Validate() error {
	if s.config.Token == "" {
		return errors.New("token required")
	}
	return nil
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestUnit_LoadConfigurationFromFile(t *testing.T) {
	svc := &testService{}
	u := NewUnit("svc", "1.0.0", "test", svc)

	path := writeFile(t, "cfg.yaml", `
unit:
  metrics:
    addr: ":9999"
  log:
    level: debug
    format: pretty
svc:
  addr: ":8080"
  token: from-file
`)

	require.NoError(t, u.loadConfigurationFromFile(path))

	assert.Equal(t, ":9999", u.config.Metrics.Addr)
	assert.Equal(t, "debug", u.config.Log.Level)
	assert.Equal(t, log.FormatPretty, u.config.Log.Format)
	assert.Equal(t, 1024, u.config.Tracing.MaxBatchSize, "defaults kept")
	assert.Equal(t, testConfig{Addr: ":8080", Token: "from-file"}, svc.config)
}

func TestUnit_LoadConfigurationFromFile_Invalid(t *testing.T) {
	u := NewUnit("svc", "1.0.0", "test", &testService{})

	err := u.loadConfigurationFromFile(writeFile(t, "cfg.yaml", "unit: [1, 2"))
	assert.Error(t, err)

	err = u.loadConfigurationFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestUnit_EnvOverridesFile(t *testing.T) {
	t.Setenv("UNIT_TEST_TOKEN", "from-env")

	svc := &testService{config: testConfig{Token: "from-file"}}
	u := NewUnit("svc", "1.0.0", "test", svc)

	require.NoError(t, u.loadConfigurationFromEnv())
	assert.True(t, svc.envSeen)
	assert.Equal(t, "from-env", svc.config.Token)
}

func TestUnit_ValidationFailure(t *testing.T) {
	u := NewUnit("svc", "1.0.0", "test", &testService{})

	err := u.loadConfigurationFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token required")
}

func TestLoadEnvFile(t *testing.T) {
	require.NoError(t, loadEnvFile(""))

	t.Chdir(t.TempDir())
	require.NoError(t, loadEnvFile(defaultEnvFile), "missing default file is ignored")

	err := loadEnvFile(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err, "explicit file must exist")

	path := writeFile(t, "test.env", "UNIT_TEST_DOTENV=loaded\n")
	t.Setenv("UNIT_TEST_DOTENV", "")
	require.NoError(t, os.Unsetenv("UNIT_TEST_DOTENV"))

	require.NoError(t, loadEnvFile(path))
	assert.Equal(t, "loaded", os.Getenv("UNIT_TEST_DOTENV"))
}

func TestUnit_PrintConfiguration(t *testing.T) {
	svc := &testService{}
	u := NewUnit("svc", "1.0.0", "test", svc)

	var out bytes.Buffer
	u.stdout = &out

	path := writeFile(t, "cfg.yaml", "svc:\n  addr: \":7000\"\n")
	require.NoError(t, u.run(context.Background(), []string{"-cfg-file", path, "-print-cfg", "-dry-run"}))

	var printed map[string]map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &printed))
	assert.Equal(t, ":7000", printed["svc"]["addr"])
	assert.Contains(t, printed, "unit")
	assert.True(t, svc.dryRun)
	assert.False(t, svc.ran)
}

func TestUnit_Version(t *testing.T) {
	u := NewUnit("svc", "1.2.3", "test", &testService{})

	var out bytes.Buffer
	u.stdout = &out

	require.NoError(t, u.run(context.Background(), []string{"-version"}))
	assert.Equal(t, "version: 1.2.3\n", out.String())
}

func TestUnit_UnknownFlag(t *testing.T) {
	u := NewUnit("svc", "1.2.3", "test", &testService{})
	u.stdout = &bytes.Buffer{}

	err := u.run(context.Background(), []string{"-no-such-flag"})
	assert.Error(t, err)
}
