package cmd

import (
	"fmt"

	"github.com/connesc/ctrcrypt"
	"github.com/connesc/ctrcrypt/keyset"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"
)

var fs = afero.NewOsFs()

var (
	keyFlags    pflag.FlagSet
	keysetPath  = keyFlags.StringP("keyset", "k", "", "YAML file holding the keys")
	commonKey   = keyFlags.String("commonkey", "", "common key, used to decrypt title keys (hex)")
	ncchKey     = keyFlags.String("ncchkey", "", "key used to decrypt every NCCH, overriding key selection (hex)")
	ncchSysKey  = keyFlags.String("ncchsyskey", "", "fixed key of system titles (hex)")
	plain       = keyFlags.BoolP("plain", "p", false, "do not decrypt NCCH regions and CIA contents")
	unitSize    = keyFlags.Uint32("unitsize", 0, "media unit size, overriding the one declared by headers")
	abortOnKey  = keyFlags.Bool("abort-on-missing-key", false, "fail instead of decrypting with a zero key when a key is missing")
	recurse     = keyFlags.BoolP("recurse", "r", false, "process the NCCH held by CIA contents")
	actionFlags pflag.FlagSet
	verify      = actionFlags.BoolP("verify", "y", false, "verify hashes and signatures")
	extract     = actionFlags.BoolP("extract", "x", false, "extract decrypted regions to the given output paths")
)

var (
	outputFlags    pflag.FlagSet
	exheaderPath   = outputFlags.String("exheader", "", "save the extended header")
	exefsPath      = outputFlags.String("exefs", "", "save the ExeFS")
	exefsDirPath   = outputFlags.String("exefsdir", "", "save the ExeFS sections to a directory")
	romfsPath      = outputFlags.String("romfs", "", "save the RomFS")
	romfsDirPath   = outputFlags.String("romfsdir", "", "save the RomFS files to a directory")
	plainPath      = outputFlags.String("plainrgn", "", "save the plain region")
	certsPath      = outputFlags.String("certs", "", "save the certificate chain of a CIA")
	ticketPath     = outputFlags.String("tik", "", "save the ticket of a CIA")
	tmdPath        = outputFlags.String("tmd", "", "save the TMD of a CIA")
	metaPath       = outputFlags.String("meta", "", "save the meta region of a CIA")
	contentsPath   = outputFlags.String("contents", "", "save the contents of a CIA, as <path>.<index>.<id>")
	firmDirPath    = outputFlags.String("firmdir", "", "save the sections of a FIRM to a directory")
	decompressCode = outputFlags.Bool("decompresscode", false, "decompress the .code section when saving the ExeFS directory")
)

func parseKeyFlag(dst *keyset.Key128, name, value string) error {
	if value == "" {
		return nil
	}
	key, err := keyset.ParseKey128(value)
	if err != nil {
		return fmt.Errorf("invalid --%s: %w", name, err)
	}
	*dst = key
	return nil
}

// loadKeys reads the keyset file, then applies the keys given on the command line.
func loadKeys() (*keyset.Keyset, error) {
	keys := &keyset.Keyset{}
	if *keysetPath != "" {
		loaded, err := keyset.Load(fs, *keysetPath)
		if err != nil {
			return nil, err
		}
		keys = loaded
	}

	var flagKeys keyset.Keyset
	for _, flag := range []struct {
		name  string
		value string
		dst   *keyset.Key128
	}{
		{"commonkey", *commonKey, &flagKeys.CommonKey},
		{"ncchkey", *ncchKey, &flagKeys.NCCHKey},
		{"ncchsyskey", *ncchSysKey, &flagKeys.NCCHFixedSystemKey},
	} {
		if err := parseKeyFlag(flag.dst, flag.name, flag.value); err != nil {
			return nil, err
		}
	}
	keys.Merge(&flagKeys)

	return keys, nil
}

func loadSettings() (*ctrcrypt.Settings, error) {
	keys, err := loadKeys()
	if err != nil {
		return nil, err
	}
	return &ctrcrypt.Settings{
		Keys:              keys,
		Plain:             *plain,
		MediaUnitSize:     *unitSize,
		AbortOnMissingKey: *abortOnKey,
		Recurse:           *recurse,
		Logger:            newLogger(),
	}, nil
}

func outputs() ctrcrypt.Outputs {
	return ctrcrypt.Outputs{
		Fs:             fs,
		ExHeader:       *exheaderPath,
		ExeFS:          *exefsPath,
		ExeFSDir:       *exefsDirPath,
		RomFS:          *romfsPath,
		RomFSDir:       *romfsDirPath,
		Plain:          *plainPath,
		Certs:          *certsPath,
		Ticket:         *ticketPath,
		TMD:            *tmdPath,
		Meta:           *metaPath,
		Contents:       *contentsPath,
		FirmDir:        *firmDirPath,
		DecompressCode: *decompressCode,
	}
}
