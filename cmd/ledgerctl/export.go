package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmerrifield20/auditledger/internal/backup"
	"github.com/jmerrifield20/auditledger/internal/storage"
)

var (
	exportOut    string
	exportBackup bool
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the ledger with every receipt and the JWK set",
	Long: `export writes a self-contained bundle to stdout, to --out, or with
--backup to the configured backup store (S3 when s3.bucket is set, otherwise
<ledger.dir>/backups).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, closeLedger, err := openLedger(cmd.Context())
		if err != nil {
			return err
		}
		defer closeLedger()

		bundle, err := a.Sink.ExportLedger(cmd.Context())
		if err != nil {
			return err
		}

		if exportBackup {
			loc, err := a.Backup.Put(cmd.Context(), bundle)
			if err != nil {
				return err
			}
			fmt.Fprintln(os.Stderr, "exported", bundle.Height, "events to", loc)
			return nil
		}

		data, err := backup.Encode(bundle)
		if err != nil {
			return err
		}
		if exportOut == "" {
			_, err = os.Stdout.Write(data)
			return err
		}
		if err := storage.WriteFileAtomic(exportOut, data, 0o644); err != nil {
			return err
		}
		fmt.Fprintln(os.Stderr, "exported", bundle.Height, "events to", exportOut)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "write the bundle to this file")
	exportCmd.Flags().BoolVar(&exportBackup, "backup", false, "upload to the configured backup store")
	exportCmd.MarkFlagsMutuallyExclusive("out", "backup")
}
