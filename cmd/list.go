package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/andresmejia3/veil/internal/encodings"
	"github.com/andresmejia3/veil/internal/errs"
	"github.com/andresmejia3/veil/internal/utils"
	"github.com/spf13/cobra"
)

var listCatalog bool

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all known identities",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if listCatalog {
			return runListCatalog(cmd.Context())
		}
		return runList()
	},
}

func init() {
	listCmd.Flags().BoolVar(&listCatalog, "catalog", false, "List the identities synced to the database instead of the local store")
	rootCmd.AddCommand(listCmd)
}

func runList() error {
	store := encodings.New(Cfg.FacesDir, nil, Logger)
	names, err := store.ListIdentities()
	if err != nil {
		utils.ShowError("Failed to list identities", err, nil)
		return err
	}
	if len(names) == 0 {
		fmt.Printf("No identities found under %s.\n", Cfg.FacesDir)
		return nil
	}

	rows := make([][]string, 0, len(names))
	for _, name := range names {
		photos := "?"
		if files, err := store.SourceFiles(name); err == nil {
			photos = strconv.Itoa(len(files))
		}
		var encoded string
		id, err := store.Load(name)
		switch {
		case errs.HasCode(err, errs.CodeCorruptStore):
			encoded = "corrupt"
		case err != nil:
			encoded = "error"
		default:
			encoded = strconv.Itoa(len(id.Files))
		}
		rows = append(rows, []string{name, photos, encoded})
	}
	fmt.Println(utils.RenderTable([]string{"NAME", "PHOTOS", "ENCODINGS"}, rows, 2, 3))
	return nil
}

func runListCatalog(ctx context.Context) error {
	cat, err := openCatalog(ctx)
	if err != nil {
		utils.ShowError("Failed to connect to database", err, nil)
		return err
	}
	// Use Background here because ctx might be cancelled already (Ctrl+C)
	defer cat.Close(context.Background())

	identities, err := cat.ListIdentities(ctx)
	if err != nil {
		utils.ShowError("Failed to list identities", err, nil)
		return err
	}
	if len(identities) == 0 {
		fmt.Println("No identities found in database.")
		return nil
	}

	rows := make([][]string, 0, len(identities))
	for _, id := range identities {
		rows = append(rows, []string{
			strconv.Itoa(id.ID),
			id.Name,
			strconv.Itoa(id.Encodings),
			id.CreatedAt.Local().Format("2006-01-02 15:04"),
		})
	}
	fmt.Println(utils.RenderTable([]string{"ID", "NAME", "ENCODINGS", "CREATED"}, rows, 1, 3))
	return nil
}
