package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	listLimit int
	listJSON  bool
)

var receiptsCmd = &cobra.Command{
	Use:   "receipts",
	Short: "Read stored receipts",
}

var receiptsGetCmd = &cobra.Command{
	Use:   "get <receipt-id>",
	Short: "Print one receipt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, closeLedger, err := openLedger(cmd.Context())
		if err != nil {
			return err
		}
		defer closeLedger()

		rcpt, err := a.Sink.GetReceipt(args[0])
		if err != nil {
			return err
		}
		return printJSON(rcpt)
	},
}

var receiptsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the most recent receipts, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, closeLedger, err := openLedger(cmd.Context())
		if err != nil {
			return err
		}
		defer closeLedger()

		receipts, err := a.Sink.ListReceipts(listLimit)
		if err != nil {
			return err
		}
		if listJSON {
			return printJSON(receipts)
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "INDEX\tRECEIPT\tEVENT\tTYPE\tKID\tISSUED")
		for _, r := range receipts {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
				r.Merkle.Index, r.ReceiptID, r.Event.EventID, r.Event.EventType,
				r.Signature.KeyID, r.IssuedAt.Format("2006-01-02T15:04:05Z"))
		}
		return tw.Flush()
	},
}

func init() {
	receiptsListCmd.Flags().IntVarP(&listLimit, "limit", "n", 20, "maximum receipts to list")
	receiptsListCmd.Flags().BoolVar(&listJSON, "json", false, "print full receipts as JSON")

	receiptsCmd.AddCommand(receiptsGetCmd)
	receiptsCmd.AddCommand(receiptsListCmd)
}
