package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/andresmejia3/veil/internal/encodings"
	"github.com/andresmejia3/veil/internal/utils"
	"github.com/spf13/cobra"
)

var (
	resetDB        bool
	resetEncodings bool
	resetYes       bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (catalog tables, encodings files)",
	Long: `Clears derived data. By default, it resets everything. Use flags to clear specific components.
Source photos and face crops are never deleted; "veil enroll --all" rebuilds the encodings.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		// If no flags are set, default to clearing EVERYTHING
		if !resetDB && !resetEncodings {
			resetDB = true
			resetEncodings = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetDB && (resetYes || confirm(reader, "⚠️  Are you sure you want to DROP all catalog tables?")) {
			fmt.Println("🗑️  Clearing Database...")
			if err := resetCatalog(cmd.Context()); err != nil {
				utils.ShowError("Failed to reset database", err, nil)
				return err
			}
		}

		if resetEncodings && (resetYes || confirm(reader, "⚠️  Are you sure you want to delete every encodings file?")) {
			fmt.Println("🗑️  Clearing Encodings...")
			removed, err := removeEncodings(encodings.New(Cfg.FacesDir, nil, Logger))
			if err != nil {
				utils.ShowError("Failed to remove encodings", err, nil)
				return err
			}
			fmt.Printf("Removed %d encodings file(s).\n", removed)
		}

		fmt.Println("✨ System Reset Complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "db", false, "Drop the PostgreSQL catalog tables")
	resetCmd.Flags().BoolVar(&resetEncodings, "encodings", false, "Delete faces/<identity>/<identity>.json files")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(resetCmd)
}

func resetCatalog(ctx context.Context) error {
	cat, err := openCatalog(ctx)
	if err != nil {
		return err
	}
	defer cat.Close(context.Background())
	return cat.Reset(ctx)
}

// removeEncodings deletes the encodings file of every identity and returns how many existed.
func removeEncodings(store *encodings.Store) (int, error) {
	names, err := store.ListIdentities()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, name := range names {
		err := os.Remove(store.Path(name))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("remove %s: %w", filepath.Base(store.Path(name)), err)
		}
		removed++
	}
	return removed, nil
}

func confirm(r *bufio.Reader, prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}
