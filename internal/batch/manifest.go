package batch

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/andresmejia3/veil/internal/errs"
	"gopkg.in/yaml.v3"
)

// Manifest describes a batch in YAML:
//
//	reference: ref.jpg       # or
//	identities: [alice]
//	jobs:
//	  - input: a.jpg
//	    output: out/a.jpg
//
// Relative paths are resolved against the manifest's directory.
type Manifest struct {
	Reference  string   `yaml:"reference"`
	Identities []string `yaml:"identities"`
	Jobs       []Job    `yaml:"jobs"`
}

// LoadManifest reads and validates a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeConfigInvalid, "failed to read manifest", errs.FieldPath(path))
	}

	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, errs.Wrap(err, errs.CodeConfigInvalid, "failed to parse manifest", errs.FieldPath(path))
	}

	if m.Reference != "" && len(m.Identities) > 0 {
		return nil, errs.New(errs.CodeConfigInvalid, "manifest sets both reference and identities", errs.FieldPath(path))
	}
	if len(m.Jobs) == 0 {
		return nil, errs.New(errs.CodeConfigInvalid, "manifest has no jobs", errs.FieldPath(path))
	}

	base := filepath.Dir(path)
	m.Reference = resolve(base, m.Reference)
	for i, j := range m.Jobs {
		if j.Input == "" || j.Output == "" {
			return nil, errs.New(errs.CodeConfigInvalid, fmt.Sprintf("job %d needs both input and output", i), errs.FieldPath(path))
		}
		m.Jobs[i] = Job{Input: resolve(base, j.Input), Output: resolve(base, j.Output)}
	}
	return &m, nil
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// PairJobs zips parallel input and output lists.
func PairJobs(inputs, outputs []string) ([]Job, error) {
	if len(inputs) != len(outputs) {
		return nil, errs.New(errs.CodeConfigInvalid, "inputs and outputs differ in length",
			errs.Field("inputs", len(inputs)), errs.Field("outputs", len(outputs)))
	}
	jobs := make([]Job, len(inputs))
	for i := range inputs {
		jobs[i] = Job{Input: inputs[i], Output: outputs[i]}
	}
	return jobs, nil
}

// DirJobs maps every photo in inDir to the same file name under outDir.
func DirJobs(inDir, outDir string, isPhoto func(name string) bool) ([]Job, error) {
	entries, err := os.ReadDir(inDir)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeConfigInvalid, "failed to list input directory", errs.FieldPath(inDir))
	}
	var jobs []Job
	for _, e := range entries {
		if e.IsDir() || !isPhoto(e.Name()) {
			continue
		}
		jobs = append(jobs, Job{Input: filepath.Join(inDir, e.Name()), Output: filepath.Join(outDir, e.Name())})
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Input < jobs[j].Input })
	return jobs, nil
}
