package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/surfacestitch/internal/config"
	"github.com/banshee-data/surfacestitch/internal/rundb"
	"github.com/banshee-data/surfacestitch/internal/surface/cloud"
	"github.com/banshee-data/surfacestitch/internal/surface/filter"
	"github.com/banshee-data/surfacestitch/internal/surface/pipeline"
	"github.com/banshee-data/surfacestitch/internal/testutil"
)

func TestParseFlags(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		args    []string
		wantDir string
		wantErr bool
	}{
		{"positional", []string{"/data/scan"}, "/data/scan", false},
		{"flag", []string{"-work", "/data/scan", "-v"}, "/data/scan", false},
		{"flag wins", []string{"-work", "/a", "/b"}, "/a", false},
		{"missing", []string{"-v"}, "", true},
		{"unknown flag", []string{"-bogus", "/data"}, "", true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			o, err := parseFlags(tt.args, io.Discard)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantDir, o.workDir)
			assert.Equal(t, -1, o.prefetch)
		})
	}
}

func TestParseFlags_VersionAndHelp(t *testing.T) {
	t.Parallel()
	o, err := parseFlags([]string{"-version"}, io.Discard)
	require.NoError(t, err)
	assert.True(t, o.showVersion)

	var usage bytes.Buffer
	_, err = parseFlags([]string{"-h"}, &usage)
	assert.True(t, errors.Is(err, flag.ErrHelp))
	assert.Contains(t, usage.String(), "Usage: stitch")
}

func TestResolveOutputs(t *testing.T) {
	t.Parallel()
	workDir := t.TempDir()
	cfg := config.EmptyReconstructionConfig()
	cfg.PreviewPath = strPtr("preview.png")

	out, err := resolveOutputs(&options{ledgerPath: "runs.db"}, cfg, workDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(workDir, "runs.db"), out.ledger)
	assert.Equal(t, filepath.Join(workDir, "preview.png"), out.preview)
	assert.Empty(t, out.report)

	_, err = resolveOutputs(&options{reportPath: "../../escape.html"}, cfg, workDir)
	assert.Error(t, err)
}

func strPtr(s string) *string { return &s }

// writeScene lays out two half-overlapping flat grids on disk.
func writeScene(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, pipeline.CloudsDir), 0o755))

	leaf := filter.DefaultLeafSize
	colors := []cloud.RGB{{R: 200, G: 30, B: 30}, {R: 30, G: 30, B: 200}}
	var rows []string
	for i, c := range colors {
		name := fmt.Sprintf("%06d", i+1)
		g := testutil.Grid(testutil.GridSpec{NX: 40, NY: 40, Spacing: leaf, Z: 1, Color: c})
		require.NoError(t, os.WriteFile(filepath.Join(dir, pipeline.CloudsDir, name+".pcd"), testutil.EncodePCD(t, g), 0o644))
		rows = append(rows, fmt.Sprintf("%d,%s,0,0,0,%g,0,0,0,0,0,1", i, name, float64(i)*20*leaf))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, pipeline.GraphFile), []byte(strings.Join(rows, "\n")+"\n"), 0o644))
	return dir
}

func TestRun_EndToEnd(t *testing.T) {
	dir := writeScene(t)
	var logs bytes.Buffer
	o := &options{
		workDir:     dir,
		ledgerPath:  "runs.db",
		previewPath: "preview.png",
		reportPath:  "report.html",
		prefetch:    1,
	}
	require.NoError(t, run(context.Background(), o, &logs))

	data, err := os.ReadFile(filepath.Join(dir, pipeline.OutputFile))
	require.NoError(t, err)
	out := testutil.DecodePCD(t, data)
	assert.NotEmpty(t, out)
	assert.Less(t, len(out), 2*40*40)

	for _, name := range []string{"preview.png", "report.html"} {
		info, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, name)
		assert.Greater(t, info.Size(), int64(0), name)
	}

	db, err := rundb.Open(filepath.Join(dir, "runs.db"), nil)
	require.NoError(t, err)
	defer db.Close()
	runs, err := db.ListRuns(0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, rundb.StatusCompleted, runs[0].Status)
	assert.Equal(t, 2, runs[0].CloudsMerged)
	assert.Equal(t, len(out), runs[0].OutputPoints)

	merges, err := db.CloudMerges(runs[0].RunID)
	require.NoError(t, err)
	require.Len(t, merges, 2)
	assert.True(t, merges[0].Seed)
	assert.Greater(t, merges[1].Interior, 0)

	assert.Contains(t, logs.String(), "Processing cloud")
}

func TestRun_CancelledRecordsLedger(t *testing.T) {
	dir := writeScene(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := run(ctx, &options{workDir: dir, ledgerPath: "runs.db", prefetch: -1}, io.Discard)
	require.ErrorIs(t, err, context.Canceled)

	db, err := rundb.Open(filepath.Join(dir, "runs.db"), nil)
	require.NoError(t, err)
	defer db.Close()
	runs, err := db.ListRuns(0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, rundb.StatusCancelled, runs[0].Status)
}

func TestRun_BadConfig(t *testing.T) {
	err := run(context.Background(), &options{workDir: t.TempDir(), configPath: "missing.toml", prefetch: -1}, io.Discard)
	assert.Error(t, err)
}
