package pipeline

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paastel-io/paastel/internal/domain"
)

const sample = `
pipelines:
  default:
    runner: docker
    retry:
      max_attempts: 2
      backoff: 3s
    steps:
      - name: fetch
        image: alpine/git
        command: ["git", "clone", "$PAASTEL_REPO_URL", "."]
        timeout: 5m
      - name: build
        image: golang:1.23
        command: ["go", "build", "./..."]
        workdir: src
        env:
          CGO_ENABLED: "0"
        produces_image: true
  web:
    runner: local
    steps:
      - name: test
        command: ["make", "test"]
`

func TestParse(t *testing.T) {
	set, err := Parse([]byte(sample))
	require.NoError(t, err)

	def, ok := set.For("api")
	require.True(t, ok, "unknown slug falls back to default")
	assert.Equal(t, "docker", def.Runner)
	assert.Equal(t, 2, def.Retry.MaxAttempts)
	assert.Equal(t, 3*time.Second, def.Retry.Backoff)
	assert.Equal(t, []string{"fetch", "build"}, def.StepNames())

	spec, ok := def.Spec("build")
	require.True(t, ok)
	assert.Equal(t, "golang:1.23", spec.Image)
	assert.Equal(t, "src", spec.WorkDir)
	assert.Equal(t, "0", spec.Env["CGO_ENABLED"])
	assert.True(t, spec.ProducesImage)

	fetch, _ := def.Spec("fetch")
	assert.Equal(t, 5*time.Minute, fetch.Timeout)

	web, ok := set.For("web")
	require.True(t, ok)
	assert.Equal(t, "local", web.Runner)

	_, ok = def.Spec("missing")
	assert.False(t, ok)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty", "pipelines: {}"},
		{"invalid yaml", "not: valid: yaml: ["},
		{"no steps", "pipelines:\n  default:\n    runner: local\n"},
		{"duplicate step", "pipelines:\n  default:\n    steps:\n      - name: a\n      - name: a\n"},
		{"escaping workdir", "pipelines:\n  default:\n    steps:\n      - name: a\n        workdir: ../etc\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestParseInvalidStepWrapsInvalidInput(t *testing.T) {
	_, err := Parse([]byte("pipelines:\n  default:\n    steps:\n      - name: a\n      - name: a\n"))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipelines.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	set, err := LoadFromFile(path)
	require.NoError(t, err)
	_, ok := set.For(DefaultName)
	assert.True(t, ok)

	_, err = LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDefault(t *testing.T) {
	def := Default("kubernetes")
	require.NoError(t, def.validate())
	assert.Equal(t, []string{"fetch", "build"}, def.StepNames())
	spec, _ := def.Spec("build")
	assert.True(t, spec.ProducesImage)
}
