package cmd

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/andresmejia3/veil/internal/batch"
	"github.com/andresmejia3/veil/internal/encodings"
	"github.com/andresmejia3/veil/internal/errs"
	"github.com/andresmejia3/veil/internal/logging"
	"github.com/andresmejia3/veil/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveJobs(t *testing.T) {
	dir := t.TempDir()
	manifest := filepath.Join(dir, "batch.yaml")
	require.NoError(t, os.WriteFile(manifest, []byte("identities: [alice]\njobs:\n  - {input: a.jpg, output: out/a.jpg}\n"), 0644))

	tests := []struct {
		name    string
		opts    redactOptions
		wantErr string
		wantN   int
	}{
		{name: "pairs", opts: redactOptions{Reference: "ref.jpg", Inputs: []string{"a.jpg", "b.jpg"}, Outputs: []string{"x.jpg", "y.jpg"}}, wantN: 2},
		{name: "manifest supplies identities", opts: redactOptions{Manifest: manifest}, wantN: 1},
		{name: "no photos", opts: redactOptions{Reference: "ref.jpg"}, wantErr: "no photos"},
		{name: "no selector", opts: redactOptions{Inputs: []string{"a.jpg"}, Outputs: []string{"b.jpg"}}, wantErr: "--reference or --identity"},
		{name: "both selectors", opts: redactOptions{Reference: "r.jpg", Identities: []string{"alice"}, Inputs: []string{"a.jpg"}, Outputs: []string{"b.jpg"}}, wantErr: "mutually exclusive"},
		{name: "unpaired", opts: redactOptions{Reference: "r.jpg", Inputs: []string{"a.jpg"}}, wantErr: "differ in length"},
		{name: "overwrite input", opts: redactOptions{Reference: "r.jpg", Inputs: []string{"a.jpg"}, Outputs: []string{"./a.jpg"}}, wantErr: "must be different"},
		{name: "dir without output", opts: redactOptions{Reference: "r.jpg", InputDir: dir}, wantErr: "requires --output-dir"},
		{name: "manifest plus inputs", opts: redactOptions{Manifest: manifest, Inputs: []string{"a.jpg"}}, wantErr: "cannot be combined"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := tt.opts
			jobs, err := resolveJobs(&opts)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Len(t, jobs, tt.wantN)
		})
	}
}

func TestResolveJobsFromManifest(t *testing.T) {
	dir := t.TempDir()
	manifest := filepath.Join(dir, "batch.yaml")
	require.NoError(t, os.WriteFile(manifest, []byte("reference: ref.jpg\njobs:\n  - {input: a.jpg, output: out/a.jpg}\n"), 0644))

	opts := redactOptions{Manifest: manifest}
	jobs, err := resolveJobs(&opts)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "ref.jpg"), opts.Reference)
	assert.Equal(t, []batch.Job{{Input: filepath.Join(dir, "a.jpg"), Output: filepath.Join(dir, "out", "a.jpg")}}, jobs)

	// An explicit flag wins over the manifest's selector
	opts = redactOptions{Manifest: manifest, Identities: []string{"bob"}}
	_, err = resolveJobs(&opts)
	require.NoError(t, err)
	assert.Empty(t, opts.Reference)
}

func TestValidateEnrollFlags(t *testing.T) {
	assert.NoError(t, validateEnrollFlags([]string{"alice"}, enrollOptions{}))
	assert.NoError(t, validateEnrollFlags(nil, enrollOptions{All: true}))
	assert.NoError(t, validateEnrollFlags([]string{"alice"}, enrollOptions{Files: []string{"a.jpg"}}))

	assert.Error(t, validateEnrollFlags(nil, enrollOptions{}))
	assert.Error(t, validateEnrollFlags([]string{"alice"}, enrollOptions{All: true}))
	assert.Error(t, validateEnrollFlags([]string{"alice", "bob"}, enrollOptions{Files: []string{"a.jpg"}}))
}

func TestChooseFaces(t *testing.T) {
	two := []types.FaceCandidate{{}, {}}

	got, err := chooseFaces(two, captureOptions{Face: -1, All: true}, nil, false)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, got)

	got, err = chooseFaces(two, captureOptions{Face: 1}, nil, false)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, got)

	_, err = chooseFaces(two, captureOptions{Face: 2}, nil, false)
	assert.Error(t, err)

	got, err = chooseFaces(two[:1], captureOptions{Face: -1}, nil, false)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, got)

	_, err = chooseFaces(two, captureOptions{Face: -1}, nil, false)
	assert.ErrorContains(t, err, "--face")

	got, err = chooseFaces(two, captureOptions{Face: -1}, strings.NewReader("1\n"), true)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, got)

	_, err = chooseFaces(two, captureOptions{Face: -1}, strings.NewReader("7\n"), true)
	assert.Error(t, err)
}

func TestBoundKeys(t *testing.T) {
	bind := boundKeys(redactCmd.Flags())
	assert.Equal(t, "mode", bind["redact.mode"])
	assert.Equal(t, "workers", bind["workers"])
	assert.Equal(t, "worker-timeout", bind["engine.timeout"])
	assert.NotContains(t, bind, "reference", "selection flags are not config keys")

	root := boundKeys(rootCmd.PersistentFlags())
	assert.Equal(t, "faces", root["faces_dir"])
}

func writeIdentity(t *testing.T, root, name, body string) {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".json"), []byte(body), 0644))
}

func TestClosestLocal(t *testing.T) {
	Logger = logging.Discard()
	root := t.TempDir()
	writeIdentity(t, root, "alice", `{"files": [{"file_name": "a.jpg", "encodings": [0, 0]}]}`)
	writeIdentity(t, root, "bob", `{"files": [{"file_name": "b.jpg", "encodings": [1, 0]}]}`)
	writeIdentity(t, root, "broken", `{"files": [`)
	store := encodings.New(root, nil, Logger)

	m, err := closestLocal(store, types.Embedding{0.9, 0})
	require.NoError(t, err)
	assert.Equal(t, "bob", m.Name)
	assert.InDelta(t, 0.1, m.Distance, 1e-9)

	_, err = closestLocal(store, types.Embedding{1, 2, 3})
	assert.True(t, errs.HasCode(err, errs.CodeDimensionMismatch))

	m, err = closestLocal(encodings.New(filepath.Join(root, "missing"), nil, Logger), types.Embedding{0, 0})
	require.NoError(t, err)
	assert.Empty(t, m.Name)
}

func TestRemoveEncodings(t *testing.T) {
	root := t.TempDir()
	writeIdentity(t, root, "alice", `{"files": []}`)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "bob"), 0755))
	photo := filepath.Join(root, "bob", "bob_0.jpg")
	require.NoError(t, os.WriteFile(photo, []byte("jpeg"), 0644))

	n, err := removeEncodings(encodings.New(root, nil, logging.Discard()))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoFileExists(t, filepath.Join(root, "alice", "alice.json"))
	assert.FileExists(t, photo, "source photos are kept")
}

func TestRenderReport(t *testing.T) {
	r := &batch.Report{Results: []batch.JobResult{
		{Job: batch.Job{Input: "/in/a.jpg", Output: "/out/a.jpg"}, Status: batch.StatusRedacted, Blurred: 2, Duration: 1500 * time.Millisecond},
		{Job: batch.Job{Input: "/in/b.jpg", Output: "/out/b.jpg"}, Status: batch.StatusFailed, Err: errors.New("reference face not found")},
	}}
	out := renderReport(r)
	for _, want := range []string{"a.jpg", "redacted", "1.5s", "failed", "reference face not found"} {
		assert.Contains(t, out, want)
	}
}
