package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/andresmejia3/veil/internal/encodings"
	"github.com/andresmejia3/veil/internal/engine"
	"github.com/andresmejia3/veil/internal/imaging"
	"github.com/andresmejia3/veil/internal/types"
	"github.com/andresmejia3/veil/internal/utils"
	"github.com/spf13/cobra"
)

type captureOptions struct {
	Face int
	All  bool
}

var captureOpts captureOptions

var captureCmd = &cobra.Command{
	Use:   "capture <identity> <image>",
	Short: "Save face crops from a photo into faces/<identity>/",
	Long: `Capture detects the faces in a photo and saves the chosen ones as
faces/<identity>/<identity>_<N>.jpg, ready for "veil enroll".`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if captureOpts.All && cmd.Flags().Changed("face") {
			return fmt.Errorf("--face and --all are mutually exclusive")
		}
		cmd.SilenceUsage = true
		return runCapture(cmd.Context(), args[0], args[1], captureOpts)
	},
}

func init() {
	captureCmd.Flags().IntVarP(&captureOpts.Face, "face", "n", -1, "Index of the face to save (see the table)")
	captureCmd.Flags().BoolVarP(&captureOpts.All, "all", "a", false, "Save every detected face")
	rootCmd.AddCommand(captureCmd)
}

func runCapture(ctx context.Context, identity, imagePath string, opts captureOptions) error {
	pic, err := imaging.Load(imagePath)
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return err
	}
	img := imaging.Downscale(pic.Img, Cfg.Redact.MaxImageSize)

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	eng, err := engine.NewPythonEngine(ctx, 0, Cfg.EngineConfig())
	if err != nil {
		utils.ShowError("Failed to start AI engine", err, nil)
		return err
	}
	defer eng.Close()

	fmt.Fprintln(os.Stderr, "🔍 Detecting faces...")
	faces, err := eng.Locate(ctx, img)
	if err != nil {
		utils.ShowError("AI processing failed", err, eng.Cmd)
		return err
	}
	if len(faces) == 0 {
		fmt.Println("❌ No faces detected in the provided image.")
		return nil
	}
	fmt.Println(renderFaces(faces))

	chosen, err := chooseFaces(faces, opts, os.Stdin, utils.IsTerminal(os.Stdin))
	if err != nil {
		return err
	}

	store := encodings.New(Cfg.FacesDir, eng, Logger)
	for _, i := range chosen {
		path, err := store.SaveCrop(identity, img, faces[i].Box)
		if err != nil {
			utils.ShowError("Failed to save face crop", err, nil)
			return err
		}
		fmt.Printf("✅ Saved face %d to %s\n", i, path)
	}
	fmt.Fprintf(os.Stderr, "Run \"veil enroll %s\" to update the encodings.\n", identity)
	return nil
}

// chooseFaces resolves which face indexes to save. With a single face and no
// flags that face is used; with several faces an interactive terminal is asked.
func chooseFaces(faces []types.FaceCandidate, opts captureOptions, in io.Reader, interactive bool) ([]int, error) {
	switch {
	case opts.All:
		idx := make([]int, len(faces))
		for i := range faces {
			idx[i] = i
		}
		return idx, nil
	case opts.Face >= 0:
		if opts.Face >= len(faces) {
			return nil, fmt.Errorf("face %d does not exist, the photo has %d face(s)", opts.Face, len(faces))
		}
		return []int{opts.Face}, nil
	case len(faces) == 1:
		return []int{0}, nil
	case !interactive:
		return nil, fmt.Errorf("%d faces detected: choose one with --face or use --all", len(faces))
	}

	fmt.Printf("Select a face [0-%d]: ", len(faces)-1)
	line, _ := bufio.NewReader(in).ReadString('\n')
	n, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || n < 0 || n >= len(faces) {
		return nil, fmt.Errorf("invalid selection %q", strings.TrimSpace(line))
	}
	return []int{n}, nil
}

func renderFaces(faces []types.FaceCandidate) string {
	rows := make([][]string, 0, len(faces))
	for i, f := range faces {
		rows = append(rows, []string{
			strconv.Itoa(i),
			strconv.Itoa(f.Box.Top),
			strconv.Itoa(f.Box.Right),
			strconv.Itoa(f.Box.Bottom),
			strconv.Itoa(f.Box.Left),
			fmt.Sprintf("%dx%d", f.Box.Width(), f.Box.Height()),
		})
	}
	return utils.RenderTable([]string{"FACE", "TOP", "RIGHT", "BOTTOM", "LEFT", "SIZE"}, rows, 1, 2, 3, 4, 5)
}
