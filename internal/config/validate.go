package config

import "fmt"

// validateSpec checks one daemon definition for the errors a spec author
// is likely to make. Load fails as a whole on the first invalid daemon;
// the existing fleet is left untouched by a failed reload.
func validateSpec(name string, spec *DaemonSpec) error {
	if name == "" {
		return fmt.Errorf("daemon with empty name")
	}
	if len(spec.StartCommand) == 0 {
		return fmt.Errorf("daemon %s: start_command is required", name)
	}
	for i, delay := range spec.Restart {
		if delay < 0 {
			return fmt.Errorf("daemon %s: restart[%d] is negative", name, i)
		}
	}
	for cmdName, adminSpec := range spec.Commands {
		if cmdName == "" {
			return fmt.Errorf("daemon %s: admin command with empty name", name)
		}
		hasCommand := len(adminSpec.Command) > 0
		hasSignal := adminSpec.Signal != nil
		if hasCommand == hasSignal {
			return fmt.Errorf("daemon %s: command %s: exactly one of command or signal is required",
				name, cmdName)
		}
	}
	return nil
}
