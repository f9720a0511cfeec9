package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/connesc/ctrcrypt"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"go4.org/readerutil"
)

// Exit codes, from the least to the most severe.
const (
	exitOK = iota
	exitIO
	exitKey
	exitInvalid
	exitOpen
	exitUsage
)

var exitCode = exitOK

func fail(code int) {
	if code > exitCode {
		exitCode = code
	}
}

// exitCodeOf maps an error returned by a parser to an exit code.
func exitCodeOf(err error) int {
	var formatErr *ctrcrypt.FormatError
	var keyErr *ctrcrypt.KeyError
	var ioErr *ctrcrypt.IOError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &formatErr):
		return exitInvalid
	case errors.As(err, &keyErr):
		return exitKey
	case errors.As(err, &ioErr):
		return exitIO
	default:
		return exitInvalid
	}
}

type processFunc func(input readerutil.SizeReaderAt) (*fileReport, error)

var (
	processFlags pflag.FlagSet
	compact      = processFlags.BoolP("compact", "c", false, "disable pretty-printing of JSON output")
	verbose      = processFlags.BoolP("verbose", "v", false, "log debug diagnostics to stderr")
)

// report is the JSON document printed for each file.
type report struct {
	File  *string `json:",omitempty"`
	Error string  `json:",omitempty"`
	*fileReport
}

type fileReport struct {
	Kind      ctrcrypt.Kind   `json:",omitempty"`
	Stage     *ctrcrypt.Stage `json:",omitempty"`
	Container interface{}     `json:",omitempty"`
}

func newLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger
}

func processFiles(filenames []string, process processFunc) {
	encoder := json.NewEncoder(os.Stdout)
	if !*compact {
		encoder.SetIndent("", "  ")
	}
	encoder.SetEscapeHTML(false)

	if len(filenames) == 0 {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Unable to read stdin: %v\n", err)
			fail(exitOpen)
			return
		}
		encode(encoder, nil, bytes.NewReader(data), process)
		return
	}

	for _, filename := range filenames {
		processFile(filename, process, encoder)
	}
}

func processFile(filename string, process processFunc, encoder *json.Encoder) {
	file, err := os.Open(filename)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to open file: %v\n", err)
		fail(exitOpen)
		return
	}
	defer file.Close()

	size, ok := readerutil.Size(file)
	if !ok {
		fmt.Fprintf(os.Stderr, "Unable to get size of %s\n", filename)
		fail(exitOpen)
		return
	}

	encode(encoder, &filename, io.NewSectionReader(file, 0, size), process)
}

func encode(encoder *json.Encoder, filename *string, input readerutil.SizeReaderAt, process processFunc) {
	result, err := process(input)
	r := report{
		File:       filename,
		fileReport: result,
	}
	if err != nil {
		r.Error = err.Error()
		fmt.Fprintf(os.Stderr, "%s: %v\n", displayName(filename), err)
		fail(exitCodeOf(err))
	}
	encoder.Encode(r)
}

func displayName(filename *string) string {
	if filename == nil {
		return "<stdin>"
	}
	return *filename
}
