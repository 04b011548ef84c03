package encodings

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/andresmejia3/veil/internal/engine/mock"
	"github.com/andresmejia3/veil/internal/errs"
	"github.com/andresmejia3/veil/internal/imaging"
	"github.com/andresmejia3/veil/internal/types"
	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// faceless photos are 30px wide; every other photo shows a small and a large face
// whose embedding encodes the photo width so entries can be told apart.
func scriptedLocator() *mock.Engine {
	return &mock.Engine{Faces: func(img *image.RGBA, _ int) []mock.Face {
		w := img.Bounds().Dx()
		if w == 30 {
			return nil
		}
		return []mock.Face{
			{Box: types.BoundingBox{Top: 0, Right: 5, Bottom: 5, Left: 0}, Embedding: types.Embedding{-1, -1}},
			{Box: types.BoundingBox{Top: 0, Right: 20, Bottom: 20, Left: 0}, Embedding: types.Embedding{float64(w), 1}},
		}
	}}
}

func writePhoto(t *testing.T, dir, name string, width int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	format := "jpeg"
	if strings.HasSuffix(name, ".png") {
		format = "png"
	}
	require.NoError(t, imaging.Save(path, image.NewRGBA(image.Rect(0, 0, width, 40)), format))
	return path
}

func captureLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

func countLevel(t *testing.T, buf *bytes.Buffer, level string) int {
	t.Helper()
	n := 0
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		if rec["level"] == level {
			n++
		}
	}
	return n
}

func TestLoadMissingIsEmpty(t *testing.T) {
	s := New(t.TempDir(), nil, nil)
	id, err := s.Load("nobody")
	require.NoError(t, err)
	assert.Equal(t, "nobody", id.Name)
	assert.Empty(t, id.Files)
}

func TestLoadCorrupt(t *testing.T) {
	root := t.TempDir()
	s := New(root, nil, nil)
	require.NoError(t, os.MkdirAll(s.Dir("bob"), 0755))
	require.NoError(t, os.WriteFile(s.Path("bob"), []byte("{not json"), 0644))

	_, err := s.Load("bob")
	assert.True(t, errs.HasCode(err, errs.CodeCorruptStore))

	require.NoError(t, os.WriteFile(s.Path("bob"), []byte(`{"files":[{"file_name":"","encodings":[1]}]}`), 0644))
	_, err = s.Load("bob")
	assert.True(t, errs.HasCode(err, errs.CodeCorruptStore))
}

func TestEnrollSkipsFacelessFile(t *testing.T) {
	root := t.TempDir()
	logger, logs := captureLogger()
	s := New(root, scriptedLocator(), logger)

	dir := s.Dir("alice")
	files := []string{
		writePhoto(t, dir, "a.jpg", 60),
		writePhoto(t, dir, "b.png", 70),
		writePhoto(t, dir, "c.jpg", 30), // no face
	}

	id, report, err := s.Enroll(context.Background(), "alice", files)
	require.NoError(t, err)
	require.Len(t, id.Files, 2)
	assert.Equal(t, []string{"a.jpg", "b.png"}, report.Added)
	require.Len(t, report.Skipped, 1)
	assert.Equal(t, "c.jpg", report.Skipped[0].File)
	assert.True(t, errs.HasCode(report.Skipped[0].Reason, errs.CodeNoFaces))
	assert.True(t, report.Written)
	assert.Equal(t, 1, countLevel(t, logs, "WARN"))

	// The largest face is the one enrolled.
	assert.Equal(t, types.Embedding{60, 1}, id.Files[0].Encoding)

	stored, err := s.Load("alice")
	require.NoError(t, err)
	assert.Equal(t, id.Files, stored.Files)

	raw, err := os.ReadFile(s.Path("alice"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"file_name": "a.jpg"`)
}

func TestEnrollIsIdempotent(t *testing.T) {
	root := t.TempDir()
	s := New(root, scriptedLocator(), nil)
	dir := s.Dir("alice")
	files := []string{writePhoto(t, dir, "a.jpg", 60), writePhoto(t, dir, "b.jpg", 70)}

	_, _, err := s.Enroll(context.Background(), "alice", files)
	require.NoError(t, err)

	// Push the mtime into the past so a rewrite would be visible.
	past := time.Now().Add(-time.Hour).Truncate(time.Second)
	require.NoError(t, os.Chtimes(s.Path("alice"), past, past))
	before, err := os.ReadFile(s.Path("alice"))
	require.NoError(t, err)

	id, report, err := s.Enroll(context.Background(), "alice", append(files, files[0]))
	require.NoError(t, err)
	assert.Len(t, id.Files, 2)
	assert.Empty(t, report.Added)
	assert.Equal(t, []string{"a.jpg", "b.jpg", "a.jpg"}, report.Existing)
	assert.False(t, report.Written)

	info, err := os.Stat(s.Path("alice"))
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(past), "encodings file must not be rewritten")
	after, err := os.ReadFile(s.Path("alice"))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestEnrollNoFacesDoesNotCreateFile(t *testing.T) {
	s := New(t.TempDir(), scriptedLocator(), nil)
	file := writePhoto(t, t.TempDir(), "x.jpg", 30)
	before, err := s.ListIdentities()
	require.NoError(t, err)

	_, report, err := s.Enroll(context.Background(), "carol", []string{file})
	require.NoError(t, err)
	assert.False(t, report.Written)
	assert.Len(t, report.Skipped, 1)

	assert.NoDirExists(t, s.Dir("carol"), "a no-op enrollment must not create the identity")
	after, err := s.ListIdentities()
	require.NoError(t, err)
	assert.Equal(t, before, after)

	_, err = s.ResolveIdentities([]string{"carol"})
	assert.True(t, errs.HasCode(err, errs.CodeUnknownIdentity))
}

func TestEnrollExistingDirNoOpLeavesNoLock(t *testing.T) {
	s := New(t.TempDir(), scriptedLocator(), nil)
	file := writePhoto(t, s.Dir("gus"), "x.jpg", 30)

	_, report, err := s.Enroll(context.Background(), "gus", []string{file})
	require.NoError(t, err)
	assert.False(t, report.Written)

	entries, err := os.ReadDir(s.Dir("gus"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "x.jpg", entries[0].Name())
}

func TestEnrollUndecodableFileIsSkipped(t *testing.T) {
	s := New(t.TempDir(), scriptedLocator(), nil)
	dir := s.Dir("dave")
	require.NoError(t, os.MkdirAll(dir, 0755))
	bad := filepath.Join(dir, "broken.jpg")
	require.NoError(t, os.WriteFile(bad, []byte("garbage"), 0644))
	good := writePhoto(t, dir, "ok.jpg", 50)

	id, report, err := s.Enroll(context.Background(), "dave", []string{bad, good})
	require.NoError(t, err)
	assert.Len(t, id.Files, 1)
	require.Len(t, report.Skipped, 1)
	assert.True(t, errs.HasCode(report.Skipped[0].Reason, errs.CodeImageDecodeFailure))
}

func TestEnrollRefusesCorruptStore(t *testing.T) {
	s := New(t.TempDir(), scriptedLocator(), nil)
	file := writePhoto(t, s.Dir("erin"), "a.jpg", 50)
	require.NoError(t, os.WriteFile(s.Path("erin"), []byte("nope"), 0644))

	_, _, err := s.Enroll(context.Background(), "erin", []string{file})
	assert.True(t, errs.HasCode(err, errs.CodeCorruptStore))

	raw, err := os.ReadFile(s.Path("erin"))
	require.NoError(t, err)
	assert.Equal(t, "nope", string(raw))
}

func TestEnrollLockedIdentity(t *testing.T) {
	s := New(t.TempDir(), scriptedLocator(), nil)
	file := writePhoto(t, s.Dir("fay"), "a.jpg", 50)

	held := flock.New(filepath.Join(s.Dir("fay"), lockName))
	ok, err := held.TryLock()
	require.NoError(t, err)
	require.True(t, ok)

	_, _, err = s.Enroll(context.Background(), "fay", []string{file})
	assert.True(t, errs.HasCode(err, errs.CodeStoreLocked), "got %v", err)
	assert.NoFileExists(t, s.Path("fay"))

	require.NoError(t, held.Unlock())
	_, report, err := s.Enroll(context.Background(), "fay", []string{file})
	require.NoError(t, err)
	assert.True(t, report.Written)
}

func TestEnrollDir(t *testing.T) {
	s := New(t.TempDir(), scriptedLocator(), nil)
	dir := s.Dir("frank")
	writePhoto(t, dir, "b.jpg", 50)
	writePhoto(t, dir, "a.png", 60)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0644))

	id, report, err := s.EnrollDir(context.Background(), "frank")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.png", "b.jpg"}, report.Added)
	assert.Len(t, id.Files, 2)
}

func TestListIdentities(t *testing.T) {
	root := t.TempDir()
	s := New(root, nil, nil)
	for _, d := range []string{"zoe", "alice"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, d), 0755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "stray.json"), []byte("{}"), 0644))

	names, err := s.ListIdentities()
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "zoe"}, names)

	missing := New(filepath.Join(root, "nope"), nil, nil)
	names, err = missing.ListIdentities()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestReferenceSetSkipsCorrupt(t *testing.T) {
	root := t.TempDir()
	logger, logs := captureLogger()
	s := New(root, scriptedLocator(), logger)
	_, _, err := s.Enroll(context.Background(), "alice", []string{writePhoto(t, s.Dir("alice"), "a.jpg", 60)})
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(s.Dir("bob"), 0755))
	require.NoError(t, os.WriteFile(s.Path("bob"), []byte("]["), 0644))

	ref, err := s.ReferenceSet("alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, types.ReferenceSet{{60, 1}}, ref)
	assert.Contains(t, logs.String(), "treating corrupt identity as empty")

	_, err = s.ReferenceSet("bob")
	assert.True(t, errs.HasCode(err, errs.CodeReferenceSetEmpty))
}

func TestResolveIdentities(t *testing.T) {
	root := t.TempDir()
	for _, d := range []string{"Zoë", "alice"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, d), 0755))
	}
	s := New(root, nil, nil)

	got, err := s.ResolveIdentities([]string{"zoe", "ALICE"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Zoë", "alice"}, got)

	_, err = s.ResolveIdentities([]string{"mallory"})
	assert.True(t, errs.HasCode(err, errs.CodeUnknownIdentity))
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "jiri", NormalizeName(" Jiří "))
	assert.Equal(t, "zoe", NormalizeName("ZOË"))
}

func TestSaveCropNaming(t *testing.T) {
	root := t.TempDir()
	s := New(root, nil, nil)
	img := image.NewRGBA(image.Rect(0, 0, 50, 50))
	box := types.BoundingBox{Top: 10, Right: 30, Bottom: 40, Left: 5}

	path, err := s.SaveCrop("alice", img, box)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "alice", "alice_0.jpg"), path)

	// Gaps and foreign files do not matter; only the highest numeric suffix does.
	dir := s.Dir("alice")
	for _, f := range []string{"alice_7.jpg", "alice_x.jpg", "alicia_9.jpg", "alice_12.png"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, f), nil, 0644))
	}
	path, err = s.SaveCrop("alice", img, box)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "alice_8.jpg"), path)

	pic, err := imaging.Load(path)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 25, 30), pic.Img.Bounds())
}
