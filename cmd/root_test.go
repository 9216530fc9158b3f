package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-ingest/internal/apperr"
	"github.com/sells-group/catalog-ingest/internal/model"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	expected := []string{
		"migrate", "sources", "jobs", "scheduler", "worker", "seed",
		"normalize", "overrides", "mappings", "audit", "summaries", "runs", "serve",
	}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "catalog-ingest", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestJobsCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range jobsCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"enqueue", "list", "get", "peek", "reap"} {
		assert.True(t, names[name], "jobs should have subcommand %q", name)
	}
}

func TestJobsEnqueueCommand_Flags(t *testing.T) {
	for _, name := range []string{"payload", "key", "priority", "max-attempts", "source", "delay"} {
		assert.NotNil(t, jobsEnqueueCmd.Flags().Lookup(name), "enqueue should have --%s", name)
	}
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
	assert.NotNil(t, serveCmd.Flags().Lookup("no-worker"))
	assert.NotNil(t, serveCmd.Flags().Lookup("no-scheduler"))
}

func TestWorkerCommand_Flags(t *testing.T) {
	assert.NotNil(t, workerCmd.Flags().Lookup("once"))
	assert.NotNil(t, workerCmd.Flags().Lookup("dry-run"))
}

func TestOverridesCommands_RequireActorFlag(t *testing.T) {
	for _, c := range []string{"create", "update", "delete"} {
		sub, _, err := overridesCmd.Find([]string{c})
		require.NoError(t, err)
		assert.NotNil(t, sub.Flags().Lookup("actor"), "overrides %s should have --actor", c)
	}
	assert.NotNil(t, mappingsMapCmd.Flags().Lookup("actor"))
	assert.NotNil(t, mappingsUnmapCmd.Flags().Lookup("actor"))
}

func TestValidatePayload(t *testing.T) {
	raw, err := validatePayload(string(model.JobHeadRefreshOne), `{"offerId":"o-1"}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"offerId":"o-1","timeoutMs":15000}`, string(raw))

	raw, err = validatePayload(string(model.JobDetailRefreshBulk), "")
	require.NoError(t, err)
	assert.JSONEq(t, `{"olderThanHours":0,"limit":100,"timeoutMs":15000}`, string(raw))
}

func TestValidatePayload_Rejects(t *testing.T) {
	tests := []struct {
		name string
		kind string
		raw  string
	}{
		{"unknown kind", "offers.teleport", `{}`},
		{"unknown field", string(model.JobHeadRefreshOne), `{"offerId":"o-1","extra":true}`},
		{"missing offer", string(model.JobHeadRefreshOne), `{}`},
		{"not an object", string(model.JobHeadRefreshBulk), `[1,2]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := validatePayload(tt.kind, tt.raw)
			require.Error(t, err)
			assert.True(t, apperr.IsValidation(err))
		})
	}
}

func TestComputeRunStats(t *testing.T) {
	start := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	done := start.Add(4 * time.Second)
	runs := []model.IngestionRun{
		{Kind: "seed", Status: model.RunStatusSuccess, StartedAt: start, FinishedAt: &done},
		{Kind: "normalize", Status: model.RunStatusFailed, StartedAt: start, FinishedAt: &done},
		{Kind: "normalize", Status: model.RunStatusRunning, StartedAt: start},
	}

	s := computeRunStats(runs)
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 1, s.Success)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.Running)
	assert.Equal(t, 2, s.ByKind["normalize"])
	assert.InDelta(t, 4.0, s.AvgDurSecs, 0.001)

	var buf bytes.Buffer
	formatRunStats(&buf, s)
	assert.Contains(t, buf.String(), "Avg duration")
	assert.Contains(t, buf.String(), "normalize")
}

func TestFilterRuns(t *testing.T) {
	runs := []model.IngestionRun{
		{ID: "a", Status: model.RunStatusSuccess},
		{ID: "b", Status: model.RunStatusFailed},
	}
	assert.Len(t, filterRuns(runs, ""), 2)
	out := filterRuns(runs, model.RunStatusFailed)
	require.Len(t, out, 1)
	assert.Equal(t, "b", out[0].ID)
}

func TestFormatCents(t *testing.T) {
	assert.Equal(t, "$0.05", formatCents(5))
	assert.Equal(t, "$12.30", formatCents(1230))
	assert.Equal(t, "$1,234,567.89", formatCents(123456789))
	assert.Equal(t, "-$1.00", formatCents(-100))
}

func TestFormatSummaries(t *testing.T) {
	price := int64(129900)
	var buf bytes.Buffer
	formatSummaries(&buf, []*model.OfferSummary{
		{ProductID: "p-1", MinPriceCents: &price, InStockCount: 3},
		{ProductID: "p-2", StaleFlag: true},
	})
	out := buf.String()
	assert.Contains(t, out, "p-1")
	assert.Contains(t, out, "$1,299.00")
	assert.Contains(t, out, "p-2")
	assert.Contains(t, out, "true")
}

func TestFormatJobs(t *testing.T) {
	lastErr := "fetch: 503 Service Unavailable"
	var buf bytes.Buffer
	formatJobs(&buf, []model.Job{{
		ID:          "j-1",
		Kind:        string(model.JobHeadRefreshOne),
		Status:      model.JobQueued,
		Attempts:    1,
		MaxAttempts: 5,
		RunAfter:    time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC),
		LastError:   &lastErr,
	}})
	out := buf.String()
	assert.Contains(t, out, "j-1")
	assert.Contains(t, out, "1/5")
	assert.Contains(t, out, "2026-05-10T12:00:00Z")
	assert.Contains(t, out, "503")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "12345678", truncateID("12345678-aaaa-bbbb"))
}

func TestSeedImportCommand_Flags(t *testing.T) {
	sub, _, err := seedCmd.Find([]string{"import"})
	require.NoError(t, err)
	for _, name := range []string{"source", "type", "id-column", "url-column"} {
		assert.NotNil(t, sub.Flags().Lookup(name), "seed import should have --%s", name)
	}
}

func TestSummariesCommand_HasSubcommands(t *testing.T) {
	sub, _, err := rootCmd.Find([]string{"summaries", "ensure"})
	require.NoError(t, err)
	assert.Equal(t, "ensure", sub.Name())

	sub, _, err = rootCmd.Find([]string{"summaries", "recompute"})
	require.NoError(t, err)
	assert.Equal(t, "recompute", sub.Name())
}
