package mainboilerplate

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jessevdk/go-flags"
)

// MustParseConfig requires that the Parser parse from the combination of an
// optional INI file, configured environment bindings, and explicit flags.
// The first INI file named |configName| is used, of:
//   - The current working directory.
//   - ~/.config/strata (under $HOME or %UserProfile%).
//   - $STRATA_CONFIG_ROOT
func MustParseConfig(parser *flags.Parser, configName string) {
	// Unknown options of an INI file are ignored.
	var origOptions = parser.Options
	parser.Options |= flags.IgnoreUnknown

	var ini = flags.NewIniParser(parser)
	for _, dir := range configDirs() {
		var err = ini.ParseFile(filepath.Join(dir, configName))

		if err == nil {
			break
		} else if !os.IsNotExist(err) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	parser.Options = origOptions
	MustParseArgs(parser)
}

func configDirs() []string {
	var out = []string{"."}
	for _, home := range []string{os.Getenv("HOME"), os.Getenv("UserProfile")} {
		if home != "" {
			out = append(out, filepath.Join(home, ".config", "strata"))
		}
	}
	if root := os.Getenv("STRATA_CONFIG_ROOT"); root != "" {
		out = append(out, root)
	}
	return out
}

// MustParseArgs requires that Parser be able to ParseArgs without error.
func MustParseArgs(parser *flags.Parser) {
	var _, err = parser.ParseArgs(os.Args[1:])
	if err == nil {
		return
	}
	var flagErr, ok = err.(*flags.Error)
	if !ok {
		Must(err, "fatal error")
	}

	switch flagErr.Type {
	case flags.ErrDuplicatedFlag, flags.ErrTag, flags.ErrInvalidTag, flags.ErrShortNameTooLong, flags.ErrMarshal:
		// A developer error in the parsed configuration struct.
		panic(err)

	case flags.ErrCommandRequired:
		os.Stderr.WriteString("\n")
		writeUsage(parser)
		os.Exit(1)

	case flags.ErrHelp:
		if parser.Options&flags.PrintErrors == 0 {
			writeUsage(parser)
		}
		os.Exit(1)

	default:
		// go-flags has already printed a message describing the input error.
		os.Exit(1)
	}
}

func writeUsage(parser *flags.Parser) {
	parser.WriteHelp(os.Stderr)
	fmt.Fprintf(os.Stderr, "\nVersion %s, built at %s.\n", Version, BuildDate)
}

// AddPrintConfigCmd to the Parser. The "print-config" command writes the
// combined configuration of |configName|, flags, and environment variables
// to stdout in INI format.
func AddPrintConfigCmd(parser *flags.Parser, configName string) {
	_, _ = parser.AddCommand("print-config", "Print combined configuration and exit", `
print-config parses the combined configuration from `+configName+`, flags,
and environment variables, and then writes the configuration to stdout in INI format.
`, &printConfig{parser})
}

type printConfig struct {
	*flags.Parser `no-flag:"t"`
}

func (p printConfig) Execute([]string) error {
	flags.NewIniParser(p.Parser).Write(os.Stdout,
		flags.IniIncludeComments|flags.IniCommentDefaults|flags.IniIncludeDefaults)
	return nil
}
