package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	runtimepkg "github.com/drblury/tierflow/internal/runtime"
	configpkg "github.com/drblury/tierflow/internal/runtime/config"
	errspkg "github.com/drblury/tierflow/internal/runtime/errors"
	"github.com/drblury/tierflow/internal/runtime/ledger"
	"github.com/drblury/tierflow/internal/runtime/processor"
	"github.com/drblury/tierflow/internal/runtime/ranges"
	"github.com/drblury/tierflow/transport"
	_ "github.com/drblury/tierflow/transport/transports"
)

type noopJob struct{}

func (noopJob) Tier() int { return 1 }

func (noopJob) ProcessChanges(context.Context, string, ranges.ChangeSet, processor.Connections) (ranges.Tables, error) {
	return ranges.Tables{}, nil
}

func (noopJob) CancelProcessing(_ context.Context, tables []string) ([]string, error) {
	return tables, nil
}

func env(values map[string]string) configpkg.LookupFunc {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tier.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigLayers(t *testing.T) {
	opts := &RunOptions{
		RootOptions: &RootOptions{LogFormat: "text"},
		Lookup: env(map[string]string{
			"ETL_JOB_ID":      "from_env",
			"ETL_JOB_MANAGER": "memory://",
		}),
	}
	path := writeConfig(t, "job_id: from_file\nsource_queue: etl_tier_1\nsink_queue: etl_tier_2\nadmin_port: 9000\n")

	cmd := newRunCommand(opts)
	require.NoError(t, cmd.ParseFlags([]string{"--config", path, "--sink-queue", "from_flag"}))
	require.Equal(t, path, opts.ConfigPath)

	conf, err := loadConfig(cmd, opts)
	require.NoError(t, err)

	assert.Equal(t, "from_env", conf.JobID)
	assert.Equal(t, "memory://", conf.LedgerURL)
	assert.Equal(t, "etl_tier_1", conf.SourceQueue)
	assert.Equal(t, "from_flag", conf.SinkQueue)
	// unset flags keep the lower layers
	assert.Equal(t, 9000, conf.AdminPort)
	assert.Equal(t, "text", conf.LogFormat)
	assert.Equal(t, configpkg.DefaultPubSubSystem, conf.PubSubSystem)
}

func TestLoadConfigErrors(t *testing.T) {
	opts := &RunOptions{Lookup: env(nil)}
	cmd := newRunCommand(opts)
	require.NoError(t, cmd.ParseFlags([]string{"-c", filepath.Join(t.TempDir(), "missing.yaml")}))
	_, err := loadConfig(cmd, opts)
	require.ErrorIs(t, err, os.ErrNotExist)

	opts = &RunOptions{Lookup: env(map[string]string{"ETL_SERVER_PORT": "eighty"})}
	_, err = loadConfig(newRunCommand(opts), opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ETL_SERVER_PORT")
}

func TestRunStopsWithContext(t *testing.T) {
	jobs := processor.NewRegistry()
	jobs.Register("noop", func(context.Context, processor.Connections) (processor.Job, error) {
		return noopJob{}, nil
	})
	store := ledger.NewMemoryStore()
	opts := &RunOptions{
		RootOptions: &RootOptions{},
		Lookup:      env(nil),
		Deps: runtimepkg.ServiceDependencies{
			Jobs:        jobs,
			Store:       store,
			Connections: &processor.Connections{},
		},
	}

	cmd := newRunCommand(opts)
	var stderr bytes.Buffer
	cmd.SetErr(&stderr)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--job", "noop", "--ledger-url", "memory://", "--source-queue", "etl_tier_1", "--sink-queue", "etl_tier_2", "--admin-port", "0"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, cmd.ExecuteContext(ctx))
	assert.Contains(t, stderr.String(), "Tier started")
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	opts := &RunOptions{RootOptions: &RootOptions{}, Lookup: env(nil)}
	cmd := newRunCommand(opts)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs(nil)

	err := cmd.Execute()
	var verr errspkg.ConfigValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, err.Error(), "job id is required")
}

func TestJobsCommand(t *testing.T) {
	processor.RegisterJob("cli_listed_job", func(context.Context, processor.Connections) (processor.Job, error) {
		return noopJob{}, nil
	})

	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"jobs"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "cli_listed_job\n")
}

func TestTransportsCommand(t *testing.T) {
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"transports"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "NAME")
	assert.Regexp(t, `(?m)^channel\s+true\s+true\s+true`, out.String())
}

func TestRunTransportFlagListsRegisteredTransports(t *testing.T) {
	usage := newRunCommand(&RunOptions{}).Flags().Lookup("transport").Usage
	require.NotEmpty(t, transport.Names())
	for _, name := range transport.Names() {
		assert.Contains(t, usage, name)
	}
}
