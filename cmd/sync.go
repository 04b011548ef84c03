package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/andresmejia3/veil/internal/encodings"
	"github.com/andresmejia3/veil/internal/errs"
	"github.com/andresmejia3/veil/internal/logging"
	"github.com/andresmejia3/veil/internal/utils"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync [identity...]",
	Short: "Copy local encodings into the PostgreSQL catalog",
	Long:  "Sync mirrors faces/<identity>/<identity>.json into pgvector so \"veil find\" can search it. Without arguments every identity is synced.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runSync(cmd.Context(), args)
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

func runSync(ctx context.Context, requested []string) error {
	store := encodings.New(Cfg.FacesDir, nil, Logger)

	var names []string
	var err error
	if len(requested) == 0 {
		names, err = store.ListIdentities()
	} else {
		names, err = store.ResolveIdentities(requested)
	}
	if err != nil {
		utils.ShowError("Failed to resolve identities", err, nil)
		return err
	}
	if len(names) == 0 {
		fmt.Printf("No identities found under %s.\n", Cfg.FacesDir)
		return nil
	}

	cat, err := openCatalog(ctx)
	if err != nil {
		utils.ShowError("Failed to connect to database", err, nil)
		return err
	}
	defer cat.Close(context.Background())

	rows := make([][]string, 0, len(names))
	for _, name := range names {
		id, err := store.Load(name)
		if errs.HasCode(err, errs.CodeCorruptStore) {
			Logger.Warn("skipping corrupt identity", "identity", name, logging.Err(err))
			rows = append(rows, []string{name, "-", "0", "corrupt"})
			continue
		}
		if err != nil {
			utils.ShowError("Failed to read encodings", err, nil)
			return err
		}
		if len(id.Files) == 0 {
			rows = append(rows, []string{name, "-", "0", "not enrolled"})
			continue
		}

		dbID, added, err := cat.SyncIdentity(ctx, id)
		if err != nil {
			utils.ShowError("Failed to sync "+name, err, nil)
			return err
		}
		rows = append(rows, []string{name, strconv.Itoa(dbID), strconv.Itoa(added), "synced"})
	}

	fmt.Println(utils.RenderTable([]string{"IDENTITY", "ID", "ADDED", "STATUS"}, rows, 2, 3))
	fmt.Fprintln(os.Stderr, "✨ Sync complete.")
	return nil
}
