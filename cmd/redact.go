package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/andresmejia3/veil/internal/batch"
	"github.com/andresmejia3/veil/internal/encodings"
	"github.com/andresmejia3/veil/internal/engine"
	"github.com/andresmejia3/veil/internal/imaging"
	"github.com/andresmejia3/veil/internal/utils"
	"github.com/spf13/cobra"
)

// redactOptions holds the job selection flags of the redact command.
type redactOptions struct {
	Reference  string
	Identities []string
	Manifest   string
	Inputs     []string
	Outputs    []string
	InputDir   string
	OutputDir  string
}

var redactOpts redactOptions

var redactCmd = &cobra.Command{
	Use:   "redact",
	Short: "Blur every face except the protected person",
	Long: `Redact a batch of photos. The protected person is given either as a reference
photo (--reference) or as enrolled identities (--identity). Photos are given as
parallel --input/--output lists, an --input-dir/--output-dir pair, or a YAML manifest.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runRedact(cmd.Context(), redactOpts)
	},
}

func init() {
	f := redactCmd.Flags()
	f.StringVarP(&redactOpts.Reference, "reference", "r", "", "Photo of the person to keep visible")
	f.StringSliceVar(&redactOpts.Identities, "identity", nil, "Enrolled identities to keep visible (repeatable)")
	f.StringVarP(&redactOpts.Manifest, "manifest", "m", "", "YAML manifest describing the batch")
	f.StringSliceVarP(&redactOpts.Inputs, "input", "i", nil, "Input photos (repeatable)")
	f.StringSliceVarP(&redactOpts.Outputs, "output", "o", nil, "Output paths, one per input")
	f.StringVar(&redactOpts.InputDir, "input-dir", "", "Redact every photo in this directory")
	f.StringVar(&redactOpts.OutputDir, "output-dir", "", "Directory receiving the redacted photos")

	f.IntP("workers", "w", 4, "Number of parallel engine workers")
	f.Float64P("threshold", "t", 0.4, "Face matching threshold (lower is stricter)")
	f.Float64P("detection-threshold", "D", 1.9, "Detector confidence threshold")
	f.Int("min-face-size", 5, "Ignore faces narrower or shorter than this many pixels")
	f.String("mode", "strict", "Second pass policy: strict, distance-aware")
	f.String("style", "gauss", "Redaction style: gauss, box, pixel, black, secure")
	f.IntP("strength", "s", 15, "Box blur radius or pixelation block size")
	f.Float64("anchor-iou", 0, "Treat boxes overlapping the protected face by at least this IoU as the same face")
	f.Duration("worker-timeout", 60*time.Second, "Timeout for the engine to answer a single request")

	bindFlag(f, "workers", "workers")
	bindFlag(f, "threshold", "redact.threshold")
	bindFlag(f, "detection-threshold", "redact.detector_confidence")
	bindFlag(f, "min-face-size", "redact.min_face_size")
	bindFlag(f, "mode", "redact.mode")
	bindFlag(f, "style", "redact.style")
	bindFlag(f, "strength", "redact.strength")
	bindFlag(f, "anchor-iou", "redact.anchor_iou")
	bindFlag(f, "worker-timeout", "engine.timeout")

	rootCmd.AddCommand(redactCmd)
}

func runRedact(ctx context.Context, opts redactOptions) error {
	jobs, err := resolveJobs(&opts)
	if err != nil {
		utils.ShowError("Invalid batch", err, nil)
		return err
	}

	rc, err := Cfg.RedactConfig()
	if err != nil {
		return err
	}

	var progress io.Writer
	if utils.IsTerminal(os.Stderr) {
		progress = os.Stderr
	}
	coord := batch.New(engine.NewFactory(Cfg.EngineConfig()), batch.Options{
		Workers:  Cfg.Workers,
		Redact:   rc,
		Progress: progress,
	}, Logger)

	var report *batch.Report
	if opts.Reference != "" {
		fmt.Fprintf(os.Stderr, "🚀 Redacting %d photo(s) against %s...\n", len(jobs), filepath.Base(opts.Reference))
		report, err = coord.Run(ctx, opts.Reference, jobs)
	} else {
		store := encodings.New(Cfg.FacesDir, nil, Logger)
		names, rerr := store.ResolveIdentities(opts.Identities)
		if rerr != nil {
			utils.ShowError("Unknown identity", rerr, nil)
			return rerr
		}
		ref, rerr := store.ReferenceSet(names...)
		if rerr != nil {
			utils.ShowError("No usable encodings for the selected identities", rerr, nil)
			return rerr
		}
		fmt.Fprintf(os.Stderr, "🚀 Redacting %d photo(s) against %d encoding(s) of %v...\n", len(jobs), len(ref), names)
		report, err = coord.RunWithReferenceSet(ctx, ref, jobs)
	}

	if report != nil && len(report.Results) > 0 {
		fmt.Println(renderReport(report))
	}
	if err != nil {
		utils.ShowError("Batch aborted", err, nil)
		return err
	}
	fmt.Fprintf(os.Stderr, "✨ %d redacted, %d failed (run %s)\n", report.Succeeded, report.Failed, report.RunID)
	if report.Failed > 0 {
		return fmt.Errorf("%d of %d photos failed", report.Failed, len(report.Results))
	}
	return nil
}

// resolveJobs turns the flag combination into a job list and validates the
// protected person selector.
func resolveJobs(opts *redactOptions) ([]batch.Job, error) {
	var jobs []batch.Job
	var err error

	switch {
	case opts.Manifest != "":
		if len(opts.Inputs) > 0 || opts.InputDir != "" {
			return nil, fmt.Errorf("--manifest cannot be combined with --input or --input-dir")
		}
		m, merr := batch.LoadManifest(opts.Manifest)
		if merr != nil {
			return nil, merr
		}
		jobs = m.Jobs
		if opts.Reference == "" && len(opts.Identities) == 0 {
			opts.Reference, opts.Identities = m.Reference, m.Identities
		}
	case opts.InputDir != "":
		if opts.OutputDir == "" {
			return nil, fmt.Errorf("--input-dir requires --output-dir")
		}
		if len(opts.Inputs) > 0 {
			return nil, fmt.Errorf("--input-dir cannot be combined with --input")
		}
		jobs, err = batch.DirJobs(opts.InputDir, opts.OutputDir, imaging.IsSourceImage)
	default:
		if len(opts.Inputs) == 0 {
			return nil, fmt.Errorf("no photos given: use --input, --input-dir or --manifest")
		}
		jobs, err = batch.PairJobs(opts.Inputs, opts.Outputs)
	}
	if err != nil {
		return nil, err
	}

	if opts.Reference != "" && len(opts.Identities) > 0 {
		return nil, fmt.Errorf("--reference and --identity are mutually exclusive")
	}
	if opts.Reference == "" && len(opts.Identities) == 0 {
		return nil, fmt.Errorf("name the person to keep with --reference or --identity")
	}

	// Safety Check: writing over the input would destroy the only copy
	for _, j := range jobs {
		inAbs, _ := filepath.Abs(j.Input)
		outAbs, _ := filepath.Abs(j.Output)
		if inAbs == outAbs {
			return nil, fmt.Errorf("input and output paths must be different: %s", j.Input)
		}
	}
	return jobs, nil
}

func renderReport(r *batch.Report) string {
	rows := make([][]string, 0, len(r.Results))
	for _, res := range r.Results {
		detail := ""
		if res.Err != nil {
			detail = res.Err.Error()
		}
		rows = append(rows, []string{
			filepath.Base(res.Job.Input),
			res.Job.Output,
			string(res.Status),
			strconv.Itoa(res.Blurred),
			res.Duration.Round(time.Millisecond).String(),
			detail,
		})
	}
	return utils.RenderTable([]string{"INPUT", "OUTPUT", "STATUS", "BLURRED", "TIME", "DETAIL"}, rows, 4, 5)
}
