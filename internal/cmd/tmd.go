package cmd

import (
	"io"

	"github.com/connesc/ctrcrypt"
	"github.com/spf13/cobra"
	"go4.org/readerutil"
)

func init() {
	tmdCmd.Flags().AddFlagSet(&processFlags)
	rootCmd.AddCommand(tmdCmd)
}

var tmdCmd = &cobra.Command{
	Use:   "tmd [file...]",
	Short: "Check TMD files",
	Long:  "Check TMD files given as arguments, or stdin if none is given",
	Run: func(cmd *cobra.Command, args []string) {
		processFiles(args, func(input readerutil.SizeReaderAt) (*fileReport, error) {
			return processTMD(readerOf(input))
		})
	},
}

func processTMD(input io.Reader) (*fileReport, error) {
	tmd, err := ctrcrypt.ParseTMD(input)
	if err != nil {
		return nil, err
	}
	return &fileReport{Kind: ctrcrypt.KindTMD, Container: tmd}, nil
}
