package batch

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/andresmejia3/veil/internal/errs"
	"github.com/andresmejia3/veil/internal/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "batch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadManifest(t *testing.T) {
	path := writeManifest(t, `
reference: ref.jpg
jobs:
  - input: in/a.jpg
    output: /tmp/out/a.jpg
`)
	m, err := LoadManifest(path)
	require.NoError(t, err)

	base := filepath.Dir(path)
	assert.Equal(t, filepath.Join(base, "ref.jpg"), m.Reference)
	require.Len(t, m.Jobs, 1)
	assert.Equal(t, Job{Input: filepath.Join(base, "in", "a.jpg"), Output: "/tmp/out/a.jpg"}, m.Jobs[0])
}

func TestLoadManifestIdentities(t *testing.T) {
	m, err := LoadManifest(writeManifest(t, "identities: [alice, bob]\njobs:\n  - {input: a.png, output: b.png}\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, m.Identities)
	assert.Empty(t, m.Reference)
}

func TestLoadManifestInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"no jobs", "reference: r.jpg\n"},
		{"both selectors", "reference: r.jpg\nidentities: [a]\njobs:\n  - {input: a, output: b}\n"},
		{"missing output", "jobs:\n  - {input: a}\n"},
		{"unknown field", "refrence: r.jpg\njobs:\n  - {input: a, output: b}\n"},
		{"not yaml", "jobs: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadManifest(writeManifest(t, tt.body))
			assert.True(t, errs.HasCode(err, errs.CodeConfigInvalid), "got %v", err)
		})
	}

	_, err := LoadManifest(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errs.HasCode(err, errs.CodeConfigInvalid))
}

func TestPairJobs(t *testing.T) {
	jobs, err := PairJobs([]string{"a.jpg", "b.png"}, []string{"x.jpg", "y.png"})
	require.NoError(t, err)
	assert.Equal(t, []Job{{Input: "a.jpg", Output: "x.jpg"}, {Input: "b.png", Output: "y.png"}}, jobs)

	_, err = PairJobs([]string{"a.jpg"}, nil)
	assert.True(t, errs.HasCode(err, errs.CodeConfigInvalid))
}

func TestDirJobs(t *testing.T) {
	in := t.TempDir()
	for _, n := range []string{"b.png", "a.JPG", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(in, n), nil, 0644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(in, "sub.jpg"), 0755))

	jobs, err := DirJobs(in, "/out", imaging.IsSourceImage)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.True(t, strings.HasSuffix(jobs[0].Input, "a.JPG"))
	assert.Equal(t, filepath.Join("/out", "b.png"), jobs[1].Output)
}
