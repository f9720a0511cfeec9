package cmd

import (
	"io"

	"github.com/connesc/ctrcrypt"
	"github.com/spf13/cobra"
	"go4.org/readerutil"
)

func init() {
	ticketCmd.Flags().AddFlagSet(&processFlags)
	ticketCmd.Flags().AddFlagSet(&keyFlags)
	rootCmd.AddCommand(ticketCmd)
}

var ticketCmd = &cobra.Command{
	Use:   "ticket [file...]",
	Short: "Check ticket files",
	Long:  "Check ticket files given as arguments, or stdin if none is given. The title key is decrypted when the common key is available.",
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := loadSettings()
		if err != nil {
			return err
		}
		processFiles(args, func(input readerutil.SizeReaderAt) (*fileReport, error) {
			return processTicket(readerOf(input), settings)
		})
		return nil
	},
}

func processTicket(input io.Reader, settings *ctrcrypt.Settings) (*fileReport, error) {
	ticket, err := ctrcrypt.ParseTicket(input)
	if err != nil {
		return nil, err
	}

	r := &fileReport{Kind: ctrcrypt.KindTicket, Container: ticket}
	if settings.Keys.CommonKeyAt(ticket.CommonKeyIndex).Valid() {
		if _, err := ticket.DecryptTitleKey(settings.Keys); err != nil {
			return r, err
		}
	}
	return r, nil
}
