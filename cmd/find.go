package cmd

import (
	"context"
	"fmt"
	"math"
	"os"

	"github.com/andresmejia3/veil/internal/encodings"
	"github.com/andresmejia3/veil/internal/engine"
	"github.com/andresmejia3/veil/internal/errs"
	"github.com/andresmejia3/veil/internal/imaging"
	"github.com/andresmejia3/veil/internal/logging"
	"github.com/andresmejia3/veil/internal/matcher"
	"github.com/andresmejia3/veil/internal/types"
	"github.com/andresmejia3/veil/internal/utils"
	"github.com/spf13/cobra"
)

var findCmd = &cobra.Command{
	Use:   "find <image_path>",
	Short: "Identify the largest face in a photo",
	Long: `Find embeds the largest face of a photo and reports the closest enrolled
identity. The PostgreSQL catalog is searched when a database is configured,
otherwise the local identity store is scanned.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runFind(cmd.Context(), args[0])
	},
}

func init() {
	findCmd.Flags().Float64P("threshold", "t", 0.4, "Face matching threshold")
	bindFlag(findCmd.Flags(), "threshold", "redact.threshold")
	rootCmd.AddCommand(findCmd)
}

// localMatch is the closest identity found in the local store.
type localMatch struct {
	Name     string
	Distance float64
}

func runFind(ctx context.Context, imagePath string) error {
	pic, err := imaging.Load(imagePath)
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return err
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	eng, err := engine.NewPythonEngine(ctx, 0, Cfg.EngineConfig())
	if err != nil {
		utils.ShowError("Failed to start AI engine", err, nil)
		return err
	}
	defer eng.Close()

	fmt.Fprintln(os.Stderr, "🔍 Analyzing face...")
	faces, err := eng.Locate(ctx, imaging.Downscale(pic.Img, Cfg.Redact.MaxImageSize))
	if err != nil {
		utils.ShowError("AI processing failed", err, eng.Cmd)
		return err
	}
	best := engine.Largest(faces)
	if best < 0 {
		fmt.Println("❌ No faces detected in the provided image.")
		return nil
	}
	if len(faces) > 1 {
		fmt.Printf("⚠️  Multiple faces detected (%d). Using the largest face.\n", len(faces))
	}
	vec := faces[best].Embedding
	threshold := Cfg.Redact.MatchThreshold

	if Cfg.Database.URL != "" {
		fmt.Fprintln(os.Stderr, "🗄️  Searching database...")
		cat, err := openCatalog(ctx)
		if err != nil {
			utils.ShowError("Failed to connect to database", err, nil)
			return err
		}
		defer cat.Close(context.Background())

		m, err := cat.FindClosestIdentity(ctx, vec, threshold)
		if err != nil {
			utils.ShowError("Database search failed", err, nil)
			return err
		}
		if m.ID == -1 {
			fmt.Println("❌ No match found in database.")
			return nil
		}
		fmt.Printf("✅ Found Match: %s (ID: %d, file %s, distance %.3f)\n", m.Name, m.ID, m.File, m.Distance)
		return nil
	}

	fmt.Fprintln(os.Stderr, "🗂️  Searching local identities...")
	store := encodings.New(Cfg.FacesDir, nil, Logger)
	m, err := closestLocal(store, vec)
	if err != nil {
		utils.ShowError("Local search failed", err, nil)
		return err
	}
	if m.Name == "" || m.Distance >= threshold {
		fmt.Println("❌ No matching identity.")
		return nil
	}
	fmt.Printf("✅ Found Match: %s (distance %.3f)\n", m.Name, m.Distance)
	return nil
}

// closestLocal scans every identity in the store. Corrupt identities are skipped.
func closestLocal(store *encodings.Store, vec types.Embedding) (localMatch, error) {
	names, err := store.ListIdentities()
	if err != nil {
		return localMatch{}, err
	}
	best := localMatch{Distance: math.Inf(1)}
	for _, name := range names {
		id, err := store.Load(name)
		if errs.HasCode(err, errs.CodeCorruptStore) {
			Logger.Warn("treating corrupt identity as empty", "identity", name, logging.Err(err))
			continue
		}
		if err != nil {
			return localMatch{}, err
		}
		d, _, err := matcher.BestDistance(vec, id.Embeddings())
		if err != nil {
			return localMatch{}, errs.With(err, errs.FieldIdentity(name))
		}
		if d < best.Distance {
			best = localMatch{Name: name, Distance: d}
		}
	}
	return best, nil
}
