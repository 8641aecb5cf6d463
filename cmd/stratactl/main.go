package main

import (
	"github.com/jessevdk/go-flags"
	"go.strata.dev/core/cmd/stratactl/stratactlcmd"
	mbp "go.strata.dev/core/mainboilerplate"
)

func main() {
	var parser = flags.NewParser(stratactlcmd.BaseCfg, flags.Default)

	parser.LongDescription = `stratactl is a tool for inspecting and maintaining strata Files,
and for serving a development sync service.

See --help pages of each sub-command for documentation and usage examples.
Optionally configure stratactl with a '` + stratactlcmd.IniFilename + `' file in the current working
directory, or with '~/.config/strata/` + stratactlcmd.IniFilename + `'. Use the 'print-config'
sub-command to inspect the tool's current configuration.
`
	mbp.AddPrintConfigCmd(parser, stratactlcmd.IniFilename)
	mbp.Must(stratactlcmd.CommandRegistry.AddCommands("", parser.Command), "could not add subcommand")
	mbp.MustParseConfig(parser, stratactlcmd.IniFilename)
}
