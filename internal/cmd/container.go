package cmd

import (
	"io"

	"github.com/connesc/ctrcrypt"
	"github.com/spf13/cobra"
	"go4.org/readerutil"
)

func init() {
	for _, c := range []struct {
		kind  ctrcrypt.Kind
		use   string
		short string
	}{
		{ctrcrypt.KindUnknown, "auto", "Process files whose format is detected from their content"},
		{ctrcrypt.KindNCSD, "cci", "Process NCSD files, also known as CCI"},
		{ctrcrypt.KindNCCH, "ncch", "Process NCCH files, also known as CXI and CFA"},
		{ctrcrypt.KindCIA, "cia", "Process CIA files"},
		{ctrcrypt.KindFirm, "firm", "Process FIRM files"},
	} {
		rootCmd.AddCommand(newContainerCmd(c.kind, c.use, c.short))
	}
}

func newContainerCmd(kind ctrcrypt.Kind, use, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " [file...]",
		Short: short,
		Long:  short + " given as arguments, or stdin if none is given",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}
			processFiles(args, func(input readerutil.SizeReaderAt) (*fileReport, error) {
				return processContainer(kind, input, settings)
			})
			return nil
		},
	}
	cmd.Flags().AddFlagSet(&processFlags)
	cmd.Flags().AddFlagSet(&keyFlags)
	cmd.Flags().AddFlagSet(&actionFlags)
	cmd.Flags().AddFlagSet(&outputFlags)
	return cmd
}

// processContainer reads the header, then verifies and extracts as requested. With an unknown
// kind, the kind is detected and tickets and TMDs are also accepted.
func processContainer(kind ctrcrypt.Kind, input readerutil.SizeReaderAt, settings *ctrcrypt.Settings) (*fileReport, error) {
	if kind == ctrcrypt.KindUnknown {
		detected, err := ctrcrypt.Detect(input)
		if err != nil {
			return nil, err
		}
		switch detected {
		case ctrcrypt.KindTicket:
			return processTicket(readerOf(input), settings)
		case ctrcrypt.KindTMD:
			return processTMD(readerOf(input))
		}
		kind = detected
	}

	container, err := ctrcrypt.NewContainer(kind, input, settings)
	if err != nil {
		return nil, err
	}

	r := &fileReport{Kind: kind, Container: container}
	defer func() {
		stage := container.Stage()
		r.Stage = &stage
	}()

	if err := container.ReadHeader(); err != nil {
		return r, err
	}

	var errs []error
	if *verify {
		if err := container.Verify(); err != nil {
			errs = append(errs, err)
		}
	}
	if *extract {
		if err := container.Extract(outputs()); err != nil {
			errs = append(errs, err)
		}
	}

	return r, worst(errs)
}

// worst returns the most severe error.
func worst(errs []error) error {
	var result error
	for _, err := range errs {
		if result == nil || exitCodeOf(err) > exitCodeOf(result) {
			result = err
		}
	}
	return result
}

func readerOf(input readerutil.SizeReaderAt) io.Reader {
	return io.NewSectionReader(input, 0, input.Size())
}
