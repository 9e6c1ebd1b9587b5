package commands

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/stash/internal/config"
	"github.com/dyluth/stash/internal/printer"
	"github.com/dyluth/stash/internal/store"
	"github.com/dyluth/stash/pkg/record"
	"github.com/fatih/color"
	"github.com/stretchr/testify/require"
)

// storeKeys are every environment key the resolver reads.
var storeKeys = []string{
	"MONGO_URL", "MONGO_URI", "MONGODB_URL", "MONGODB_URI", "REDIS_URL",
	"MONGOHOST", "MONGOPORT", "MONGOUSER", "MONGOPASSWORD",
	"MONGO_CLOUD_URL", "MONGO_SHADOW_URL",
	"RAILWAY_ENVIRONMENT", "RENDER", "STASH_DEPLOYMENT",
}

// testConfig writes a stash.yml with short probe timeouts.
const testConfig = `version: "1.0"
probe:
  primary_timeout: 300ms
  shadow_timeout: 300ms
  operation_timeout: 2s
log:
  level: warn
`

// cliEnv isolates the resolver from the host environment. A nil primary
// leaves only unreachable candidates.
func cliEnv(t *testing.T, primary, shadow *miniredis.Miniredis) string {
	t.Helper()

	for _, key := range storeKeys {
		t.Setenv(key, "")
	}
	t.Setenv("STASH_DEPLOYMENT", "test")
	if primary != nil {
		t.Setenv("REDIS_URL", "redis://"+primary.Addr()+"/0")
	}
	if shadow != nil {
		t.Setenv("MONGO_SHADOW_URL", "redis://"+shadow.Addr()+"/0")
	}

	path := filepath.Join(t.TempDir(), "stash.yml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o644))
	return path
}

// runCLI executes the command tree. out holds both the command's writer and
// printer output.
func runCLI(t *testing.T, configPath string, args ...string) (out *bytes.Buffer, stderr *bytes.Buffer, err error) {
	t.Helper()

	out, stderr = &bytes.Buffer{}, &bytes.Buffer{}
	prevOut, prevErr, prevNoColor := printer.Stdout, printer.Stderr, color.NoColor
	printer.Stdout, printer.Stderr, color.NoColor = out, stderr, true
	t.Cleanup(func() {
		printer.Stdout, printer.Stderr, color.NoColor = prevOut, prevErr, prevNoColor
	})

	cmd := NewRootCmd()
	cmd.SetArgs(append([]string{"--config", configPath}, args...))
	cmd.SetOut(out)
	cmd.SetErr(stderr)

	err = cmd.Execute()
	return out, stderr, err
}

// seed inserts env straight into mr.
func seed(t *testing.T, mr *miniredis.Miniredis, env record.Envelope) {
	t.Helper()

	s, err := store.DialRedis(context.Background(), "redis://"+mr.Addr()+"/0", config.DefaultDatabase)
	require.NoError(t, err)
	defer s.Close(context.Background())

	if env.CreatedAt.IsZero() {
		env.CreatedAt = time.Now().UTC().Truncate(time.Millisecond)
	}
	require.NoError(t, s.Insert(context.Background(), env))
}

// stored returns every record of collection held by mr.
func stored(t *testing.T, mr *miniredis.Miniredis, collection string) []record.Envelope {
	t.Helper()

	s, err := store.DialRedis(context.Background(), "redis://"+mr.Addr()+"/0", config.DefaultDatabase)
	require.NoError(t, err)
	defer s.Close(context.Background())

	envs, err := s.Find(context.Background(), collection, 0)
	require.NoError(t, err)
	return envs
}
