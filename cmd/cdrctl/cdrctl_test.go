package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"cdr-pipeline/internal/config"
	"cdr-pipeline/internal/models"
)

func TestFormatJobsList(t *testing.T) {
	msg := "transcribe: provider returned status 503 while polling transcript abc123 for call"
	jobs := []models.Job{
		{
			ID: "job-1", Status: models.JobFailed, Attempts: 3, MaxAttempts: 3, Priority: 5,
			ScheduledFor: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
			ErrorMessage: &msg,
			Metadata:     models.JobMetadata{CurrentStep: "transcribe", FailedStep: "transcribe"},
		},
		{
			ID: "job-2", Status: models.JobPending, MaxAttempts: 3,
			ScheduledFor: time.Date(2024, 3, 1, 12, 5, 0, 0, time.UTC),
		},
	}

	var buf bytes.Buffer
	formatJobsList(&buf, jobs)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[1], "3/3")
	assert.Contains(t, lines[1], "2024-03-01T12:00:00Z")
	assert.Contains(t, lines[1], "...")
	assert.Contains(t, lines[2], "0/3")
	assert.Contains(t, lines[2], "-")
}

func TestValidateFilter(t *testing.T) {
	assert.NoError(t, validateFilter(models.JobFilter{}))
	assert.NoError(t, validateFilter(models.JobFilter{Status: models.JobRetry, Limit: 10}))
	assert.Error(t, validateFilter(models.JobFilter{Status: "stuck"}))
	assert.Error(t, validateFilter(models.JobFilter{Offset: -1}))
}

func TestFormatCents(t *testing.T) {
	assert.Equal(t, "$0.00", formatCents(0))
	assert.Equal(t, "$1.05", formatCents(105))
	assert.Equal(t, "$1234.50", formatCents(123450))
	assert.Equal(t, "-$0.07", formatCents(-7))
}

func TestWriteConfigMasksSecrets(t *testing.T) {
	c := config.Config{
		PostgresDSN:        "postgres://app:hunter2@db:5432/cdr",
		AnthropicAPIKey:    "sk-ant-secret",
		WorkerDrainTimeout: 90 * time.Second,
		CORSOrigins:        []string{"https://dash.example.com"},
	}
	var buf bytes.Buffer
	require.NoError(t, writeConfig(&buf, c))

	out := buf.String()
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "sk-ant-secret")

	var back map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &back))
	assert.Equal(t, "postgres://app:********@db:5432/cdr", back["postgres_dsn"])
	assert.Equal(t, "1m30s", back["worker_drain_timeout"])
	assert.Equal(t, []any{"https://dash.example.com"}, back["cors_origins"])
}
