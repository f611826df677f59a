package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/rental-service/internal/domain"
)

func TestRunRejectsBadFlags(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	var stdout, stderr bytes.Buffer
	assert.Equal(t, exitUsage, run(context.Background(), []string{"--limit", "many"}, &stdout, &stderr))
	assert.Equal(t, exitUsage, run(context.Background(), []string{"--no-such-flag"}, &stdout, &stderr))
	assert.Equal(t, exitUsage, run(context.Background(), []string{"extra"}, &stdout, &stderr))
	assert.Empty(t, stdout.String())
}

func TestRunDryRunAgainstMemoryStore(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("REDIS_URL", "")
	t.Setenv("RABBITMQ_URL", "")

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"--dry-run", "--skip-poll", "--limit", "50"}, &stdout, &stderr)
	require.Equal(t, exitOK, code, stderr.String())

	var report domain.SweepReport
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &report))
	assert.True(t, report.DryRun)
	assert.Equal(t, 0, report.Mutations())
	assert.Equal(t, 50, viper.GetInt("SWEEP_BATCH_LIMIT"))
}
