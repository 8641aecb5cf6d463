package mainboilerplate

import "github.com/jessevdk/go-flags"

// CommandRegistry builds a tree of go-flags commands from registrations
// made by init functions of a program's command files. Keys are the
// dot-separated path of the parent command, with "" being the root.
type CommandRegistry map[string][]func(*flags.Command) error

// AddCommand registers |command| under |parent|, which separates nested
// commands with periods, as in "db.copy".
func (cr CommandRegistry) AddCommand(parent, command, short, long string, data interface{}) {
	cr[parent] = append(cr[parent], func(cmd *flags.Command) error {
		var _, err = cmd.AddCommand(command, short, long, data)
		return err
	})
}

// AddCommands adds the commands registered under |name| to |cmd|, and then
// recursively those registered under each of its sub-commands.
func (cr CommandRegistry) AddCommands(name string, cmd *flags.Command) error {
	for _, fn := range cr[name] {
		if err := fn(cmd); err != nil {
			return err
		}
	}
	for _, sub := range cmd.Commands() {
		var subName = sub.Name
		if name != "" {
			subName = name + "." + subName
		}
		if err := cr.AddCommands(subName, sub); err != nil {
			return err
		}
	}
	return nil
}
