package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/andresmejia3/veil/internal/encodings"
	"github.com/andresmejia3/veil/internal/engine"
	"github.com/andresmejia3/veil/internal/errs"
	"github.com/andresmejia3/veil/internal/types"
	"github.com/andresmejia3/veil/internal/utils"
	"github.com/spf13/cobra"
)

type enrollOptions struct {
	All   bool
	Files []string
}

var enrollOpts enrollOptions

var enrollCmd = &cobra.Command{
	Use:   "enroll [identity...]",
	Short: "Compute face encodings for the photos in faces/<identity>/",
	Long: `Enroll reads every photo in faces/<identity>/ that is not yet listed in
faces/<identity>/<identity>.json, embeds its largest face and appends it.
The encodings file is only rewritten when something was added.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := validateEnrollFlags(args, enrollOpts); err != nil {
			return err
		}
		cmd.SilenceUsage = true
		return runEnroll(cmd.Context(), args, enrollOpts)
	},
}

func init() {
	enrollCmd.Flags().BoolVarP(&enrollOpts.All, "all", "a", false, "Enroll every identity directory")
	enrollCmd.Flags().StringSliceVarP(&enrollOpts.Files, "file", "f", nil, "Enroll these photos instead of the identity directory (single identity only)")
	rootCmd.AddCommand(enrollCmd)
}

func validateEnrollFlags(args []string, opts enrollOptions) error {
	if opts.All && len(args) > 0 {
		return fmt.Errorf("--all cannot be combined with identity names")
	}
	if !opts.All && len(args) == 0 {
		return fmt.Errorf("name at least one identity or use --all")
	}
	if len(opts.Files) > 0 && len(args) != 1 {
		return fmt.Errorf("--file requires exactly one identity")
	}
	return nil
}

type enrollOutcome struct {
	Name     string
	Identity types.Identity
	Report   encodings.EnrollReport
	Err      error
}

func runEnroll(ctx context.Context, names []string, opts enrollOptions) error {
	store := encodings.New(Cfg.FacesDir, nil, Logger)
	store.MaxImageSize = Cfg.Redact.MaxImageSize

	if opts.All {
		all, err := store.ListIdentities()
		if err != nil {
			utils.ShowError("Failed to list identities", err, nil)
			return err
		}
		if len(all) == 0 {
			fmt.Printf("No identity directories found under %s.\n", Cfg.FacesDir)
			return nil
		}
		names = all
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	eng, err := engine.NewPythonEngine(ctx, 0, Cfg.EngineConfig())
	if err != nil {
		utils.ShowError("Failed to start AI engine", err, nil)
		return err
	}
	defer eng.Close()
	store.Locator = eng

	var outcomes []enrollOutcome
	for _, name := range names {
		var out enrollOutcome
		out.Name = name
		if len(opts.Files) > 0 {
			out.Identity, out.Report, out.Err = store.Enroll(ctx, name, opts.Files)
		} else {
			out.Identity, out.Report, out.Err = store.EnrollDir(ctx, name)
		}
		outcomes = append(outcomes, out)

		// The engine is gone or the user pressed Ctrl+C: later identities cannot succeed either.
		if errs.HasCode(out.Err, errs.CodeEngineTransport) || errors.Is(out.Err, context.Canceled) {
			utils.ShowError("Enrollment aborted", out.Err, eng.Cmd)
			fmt.Println(renderEnroll(outcomes))
			return out.Err
		}
	}

	fmt.Println(renderEnroll(outcomes))

	failed := 0
	for _, o := range outcomes {
		for _, s := range o.Report.Skipped {
			fmt.Fprintf(os.Stderr, "⚠️  %s/%s skipped: %v\n", o.Name, s.File, s.Reason)
		}
		if o.Err != nil {
			failed++
			utils.ShowError("Failed to enroll "+o.Name, o.Err, nil)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d identities failed to enroll", failed, len(outcomes))
	}
	return nil
}

func renderEnroll(outcomes []enrollOutcome) string {
	rows := make([][]string, 0, len(outcomes))
	for _, o := range outcomes {
		status := "unchanged"
		switch {
		case o.Err != nil:
			status = "error"
		case o.Report.Written:
			status = "saved"
		}
		rows = append(rows, []string{
			o.Name,
			strconv.Itoa(len(o.Report.Added)),
			strconv.Itoa(len(o.Report.Existing)),
			strconv.Itoa(len(o.Report.Skipped)),
			strconv.Itoa(len(o.Identity.Files)),
			status,
		})
	}
	return utils.RenderTable([]string{"IDENTITY", "ADDED", "EXISTING", "SKIPPED", "TOTAL", "STATUS"}, rows, 2, 3, 4, 5)
}
