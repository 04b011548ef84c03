// Package encodings persists per-identity reference embeddings under a faces/ tree:
//
//	faces/<name>/*.jpg|*.jpeg|*.png   source photos
//	faces/<name>/<name>.json          derived encodings
package encodings

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/andresmejia3/veil/internal/engine"
	"github.com/andresmejia3/veil/internal/errs"
	"github.com/andresmejia3/veil/internal/imaging"
	"github.com/andresmejia3/veil/internal/logging"
	"github.com/andresmejia3/veil/internal/types"
	"github.com/gofrs/flock"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const lockName = ".veil.lock"

// fileFormat is the on-disk JSON document.
type fileFormat struct {
	Files []types.EncodingEntry `json:"files"`
}

// Store reads and incrementally updates identity encodings rooted at Root.
type Store struct {
	Root    string
	Locator engine.Locator // backend A, used to compute embeddings during enrollment

	// MaxImageSize downscales large source photos before detection. 0 disables it.
	MaxImageSize int

	logger *slog.Logger
}

func New(root string, locator engine.Locator, logger *slog.Logger) *Store {
	return &Store{Root: root, Locator: locator, logger: logging.OrDefault(logger)}
}

// Dir is the directory holding an identity's photos and encodings.
func (s *Store) Dir(name string) string {
	return filepath.Join(s.Root, name)
}

// Path is the encodings file of an identity.
func (s *Store) Path(name string) string {
	return filepath.Join(s.Dir(name), name+".json")
}

// Load reads the persisted encodings of one identity. A missing file yields an
// empty Identity; unparseable content yields a CodeCorruptStore error.
func (s *Store) Load(name string) (types.Identity, error) {
	id := types.Identity{Name: name}
	path := s.Path(name)

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return id, nil
	}
	if err != nil {
		return id, errs.Wrap(err, errs.CodeStoreIOFailure, "failed to read encodings", errs.FieldIdentity(name), errs.FieldPath(path))
	}

	var doc fileFormat
	if err := json.Unmarshal(data, &doc); err != nil {
		return id, errs.Wrap(err, errs.CodeCorruptStore, "unparseable encodings file", errs.FieldIdentity(name), errs.FieldPath(path))
	}
	for i, f := range doc.Files {
		if f.FileName == "" || len(f.Encoding) == 0 {
			return id, errs.New(errs.CodeCorruptStore, "encodings entry is incomplete",
				errs.FieldIdentity(name), errs.FieldPath(path), errs.Field("entry", i))
		}
	}
	id.Files = doc.Files
	return id, nil
}

// save writes the identity atomically (temp file + rename) so a crash never
// leaves a half-written encodings file behind.
func (s *Store) save(id types.Identity) error {
	path := s.Path(id.Name)
	files := id.Files
	if files == nil {
		files = []types.EncodingEntry{}
	}
	data, err := json.MarshalIndent(fileFormat{Files: files}, "", "    ")
	if err != nil {
		return errs.Wrap(err, errs.CodeStoreIOFailure, "failed to marshal encodings", errs.FieldIdentity(id.Name))
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+id.Name+"-*.json.tmp")
	if err != nil {
		return errs.Wrap(err, errs.CodeStoreIOFailure, "failed to create temp file", errs.FieldPath(path))
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errs.Wrap(err, errs.CodeStoreIOFailure, "failed to write encodings", errs.FieldPath(path))
	}
	if err := tmp.Close(); err != nil {
		return errs.Wrap(err, errs.CodeStoreIOFailure, "failed to write encodings", errs.FieldPath(path))
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errs.Wrap(err, errs.CodeStoreIOFailure, "failed to replace encodings", errs.FieldPath(path))
	}
	return nil
}

// SkippedFile is a source photo that did not produce an entry.
type SkippedFile struct {
	File   string
	Reason error
}

// EnrollReport summarizes one enrollment.
type EnrollReport struct {
	Added    []string
	Existing []string
	Skipped  []SkippedFile
	Written  bool
}

// Enroll adds an entry for every source file not yet present in the identity.
// Files that cannot be decoded or show no face are skipped with a warning. The
// encodings file is rewritten only when at least one entry was added; a no-op
// enrollment touches nothing on disk.
//
// Enrolling the same identity from two processes at once is not supported; the
// second writer gets a CodeStoreLocked error.
func (s *Store) Enroll(ctx context.Context, name string, files []string) (types.Identity, EnrollReport, error) {
	var report EnrollReport
	log := s.logger.With("identity", name)

	// A corrupt file is left untouched for the operator to inspect rather than
	// being overwritten by a partial rebuild.
	id, err := s.Load(name)
	if err != nil {
		return id, report, err
	}

	seen := make(map[string]bool, len(id.Files))
	for _, f := range id.Files {
		seen[f.FileName] = true
	}

	var added []types.EncodingEntry
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return id, report, err
		}

		base := filepath.Base(path)
		if seen[base] {
			report.Existing = append(report.Existing, base)
			continue
		}

		emb, err := s.embedFile(ctx, path)
		if err != nil {
			if errs.HasCode(err, errs.CodeEngineTransport) || errors.Is(err, context.Canceled) {
				return id, report, err
			}
			log.Warn("skipping source file", "file", base, logging.Err(err))
			report.Skipped = append(report.Skipped, SkippedFile{File: base, Reason: err})
			continue
		}

		added = append(added, types.EncodingEntry{FileName: base, Encoding: emb})
		seen[base] = true
		report.Added = append(report.Added, base)
		log.Debug("added encoding", "file", base)
	}

	if len(added) == 0 {
		log.Info("no new encodings added, skipping save", "existing", len(report.Existing), "skipped", len(report.Skipped))
		return id, report, nil
	}

	merged, err := s.commit(name, added)
	if err != nil {
		return id, report, err
	}
	id = merged
	report.Written = true
	log.Info("saved encodings", "added", len(report.Added), "total", len(id.Files), "path", s.Path(name))
	return id, report, nil
}

// commit appends entries to the identity under the directory lock. The file is
// re-read inside the lock so entries written since the first read are kept.
func (s *Store) commit(name string, added []types.EncodingEntry) (types.Identity, error) {
	dir := s.Dir(name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return types.Identity{Name: name}, errs.Wrap(err, errs.CodeStoreIOFailure, "failed to create identity directory", errs.FieldPath(dir))
	}

	lock := flock.New(filepath.Join(dir, lockName))
	ok, err := lock.TryLock()
	if err != nil {
		return types.Identity{Name: name}, errs.Wrap(err, errs.CodeStoreIOFailure, "acquire identity lock", errs.FieldIdentity(name))
	}
	if !ok {
		return types.Identity{Name: name}, errs.New(errs.CodeStoreLocked, "identity is being enrolled by another process", errs.FieldIdentity(name))
	}
	defer lock.Unlock()

	id, err := s.Load(name)
	if err != nil {
		return id, err
	}
	for _, e := range added {
		if !id.HasFile(e.FileName) {
			id.Files = append(id.Files, e)
		}
	}
	if err := s.save(id); err != nil {
		return id, err
	}
	return id, nil
}

// embedFile returns the embedding of the largest face in a photo.
func (s *Store) embedFile(ctx context.Context, path string) (types.Embedding, error) {
	pic, err := imaging.Load(path)
	if err != nil {
		return nil, err
	}
	img := imaging.Downscale(pic.Img, s.MaxImageSize)

	faces, err := s.Locator.Locate(ctx, img)
	if err != nil {
		return nil, err
	}
	best := engine.Largest(faces)
	if best < 0 {
		return nil, errs.New(errs.CodeNoFaces, "no face found in source file", errs.FieldPath(path))
	}
	return faces[best].Embedding, nil
}

// SourceFiles lists the enrollable photos in an identity's directory, sorted by name.
func (s *Store) SourceFiles(name string) ([]string, error) {
	entries, err := os.ReadDir(s.Dir(name))
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeStoreIOFailure, "failed to list identity directory", errs.FieldIdentity(name))
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !imaging.IsSourceImage(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(s.Dir(name), e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// EnrollDir enrolls every source photo found in faces/<name>/.
func (s *Store) EnrollDir(ctx context.Context, name string) (types.Identity, EnrollReport, error) {
	files, err := s.SourceFiles(name)
	if err != nil {
		return types.Identity{Name: name}, EnrollReport{}, err
	}
	return s.Enroll(ctx, name, files)
}

// ListIdentities returns the names of the subdirectories of Root, sorted.
// A missing root means no identities.
func (s *Store) ListIdentities() ([]string, error) {
	entries, err := os.ReadDir(s.Root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeStoreIOFailure, "failed to list identities", errs.FieldPath(s.Root))
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// ReferenceSet flattens the embeddings of the named identities. Corrupt
// identities are skipped with a warning. An empty result is an error since
// nothing could ever match it.
func (s *Store) ReferenceSet(names ...string) (types.ReferenceSet, error) {
	var ref types.ReferenceSet
	for _, name := range names {
		id, err := s.Load(name)
		if errs.HasCode(err, errs.CodeCorruptStore) {
			s.logger.Warn("treating corrupt identity as empty", "identity", name, logging.Err(err))
			continue
		}
		if err != nil {
			return nil, err
		}
		ref = append(ref, id.Embeddings()...)
	}
	if len(ref) == 0 {
		return nil, errs.New(errs.CodeReferenceSetEmpty, "selected identities have no encodings", errs.Field("identities", names))
	}
	return ref, nil
}

// NormalizeName folds case and diacritics so "Zoë" and "zoe" compare equal.
func NormalizeName(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	result, _, _ := transform.String(t, name)
	return strings.ToLower(strings.TrimSpace(result))
}

// ResolveIdentities maps requested names onto known identity directories,
// ignoring case and diacritics. Exact matches win over folded ones.
func (s *Store) ResolveIdentities(requested []string) ([]string, error) {
	known, err := s.ListIdentities()
	if err != nil {
		return nil, err
	}
	exact := make(map[string]bool, len(known))
	folded := make(map[string]string, len(known))
	for _, k := range known {
		exact[k] = true
		if _, dup := folded[NormalizeName(k)]; !dup {
			folded[NormalizeName(k)] = k
		}
	}

	var out []string
	var missing []string
	for _, r := range requested {
		switch {
		case exact[r]:
			out = append(out, r)
		case folded[NormalizeName(r)] != "":
			out = append(out, folded[NormalizeName(r)])
		default:
			missing = append(missing, r)
		}
	}
	if len(missing) > 0 {
		return nil, errs.New(errs.CodeUnknownIdentity, "unknown identity", errs.Field("identities", missing))
	}
	return out, nil
}

// SaveCrop writes the face region of img as faces/<name>/<name>_<N>.jpg, where N
// is one more than the highest existing suffix (0 for the first crop).
func (s *Store) SaveCrop(name string, img *image.RGBA, box types.BoundingBox) (string, error) {
	dir := s.Dir(name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errs.Wrap(err, errs.CodeStoreIOFailure, "failed to create identity directory", errs.FieldPath(dir))
	}
	n, err := nextCropIndex(dir, name)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, name+"_"+strconv.Itoa(n)+".jpg")
	if err := imaging.Save(path, imaging.Crop(img, box.Rect()), "jpeg"); err != nil {
		return "", err
	}
	return path, nil
}

func nextCropIndex(dir, name string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, errs.Wrap(err, errs.CodeStoreIOFailure, "failed to list identity directory", errs.FieldPath(dir))
	}
	highest := -1
	prefix := name + "_"
	for _, e := range entries {
		fn := e.Name()
		if e.IsDir() || !strings.HasPrefix(fn, prefix) || !strings.HasSuffix(fn, ".jpg") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(fn, prefix), ".jpg"))
		if err != nil || n < 0 {
			continue
		}
		highest = max(highest, n)
	}
	return highest + 1, nil
}
