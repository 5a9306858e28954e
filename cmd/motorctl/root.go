package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"motorctl/internal/commands"
	"motorctl/internal/config"
	"motorctl/internal/dispatch"
	"motorctl/internal/handlers"
)

func newRootCommand(ctx *commandContext) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "motorctl [command]",
		Short:         "Command line tools for motor controllers",
		Long:          "motorctl talks to motor controllers over USB or serial. Without a command it starts the interactive shell.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			ctx.flags.timeoutSet = cmd.Flags().Changed("timeout")
			if shouldSkipConfig(cmd) {
				return nil
			}
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			req := dispatch.Request{}
			if len(args) > 0 {
				// Not a registered subcommand; the dispatcher reports it.
				req.Command = args[0]
			}
			return ctx.dispatch(cmd.Context(), req)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&ctx.flags.config, "config", "c", "", "Configuration file path")
	flags.StringVarP(&ctx.flags.path, "path", "p", "", "Transport path spec, e.g. usb or serial:/dev/ttyACM0 (default from config)")
	flags.StringVarP(&ctx.flags.serialNumber, "serial-number", "s", "", "Only connect to the device with this serial number (hex)")
	flags.BoolVar(&ctx.flags.verbose, "verbose", false, "Enable debug logging")
	flags.DurationVar(&ctx.flags.timeout, "timeout", 0, "Give up waiting for a device after this long (0 waits until interrupted)")

	// Flag schemas come from the built-in defaults; values are validated
	// against the loaded configuration at dispatch time.
	defaults := config.Default()
	for _, spec := range handlers.Specs(handlers.Deps{Config: &defaults}) {
		rootCmd.AddCommand(newHandlerCommand(ctx, spec))
	}
	rootCmd.AddCommand(newConfigCommand())

	return rootCmd
}

// newHandlerCommand exposes one registered command. Only flags the user set
// are forwarded so that schema defaults apply during validation.
func newHandlerCommand(ctx *commandContext, spec commands.Spec) *cobra.Command {
	var positional *commands.ArgSpec
	for i := range spec.Args {
		if spec.Args[i].Positional {
			positional = &spec.Args[i]
		}
	}

	use := spec.Name.String()
	argsCheck := cobra.NoArgs
	if positional != nil {
		use += " [" + strings.ToUpper(positional.Name) + "]"
		argsCheck = cobra.MaximumNArgs(1)
	}

	cmd := &cobra.Command{
		Use:   use,
		Short: spec.Summary,
		Args:  argsCheck,
	}
	if spec.RequiresDevice {
		cmd.Long = spec.Summary + ".\n\nWaits for a device matching --path and --serial-number."
	}

	for _, arg := range spec.Args {
		if arg.Positional {
			continue
		}
		switch arg.Type {
		case commands.ArgBool:
			def, _ := strconv.ParseBool(arg.Default)
			cmd.Flags().Bool(arg.Name, def, arg.Usage)
		default:
			cmd.Flags().String(arg.Name, arg.Default, fmt.Sprintf("%s (%s)", arg.Usage, arg.Type))
		}
	}

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		raw := make(map[string]string)
		for _, arg := range spec.Args {
			if arg.Positional {
				continue
			}
			if f := cmd.Flags().Lookup(arg.Name); f != nil && f.Changed {
				raw[arg.Name] = f.Value.String()
			}
		}
		if positional != nil && len(args) == 1 {
			raw[positional.Name] = args[0]
		}
		return ctx.dispatch(cmd.Context(), dispatch.Request{Command: spec.Name.String(), Args: raw})
	}
	return cmd
}
