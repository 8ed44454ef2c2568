package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"curses/internal/app"
	"curses/internal/role"
)

type rootFlags struct {
	config     string
	platform   string
	requestURI string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	f := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "curses",
		Short:         "Relay live captions to viewers and outbound services",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return f.fillFromEnv(cmd)
		},
	}
	cmd.PersistentFlags().StringVar(&f.config, "config", "", "path to config file (json or yaml); env CURSES_CONFIG")
	cmd.PersistentFlags().StringVar(&f.platform, "platform", "", "host platform: native or browser; env CURSES_PLATFORM")
	cmd.PersistentFlags().StringVar(&f.requestURI, "request-uri", "", "request uri the instance was opened with; env CURSES_REQUEST_URI")

	cmd.AddCommand(
		newServeCommand(f),
		newNegotiateCommand(f),
		newDeliveriesCommand(f),
	)
	return cmd
}

// fillFromEnv uses environment values for flags left unset.
func (f *rootFlags) fillFromEnv(cmd *cobra.Command) error {
	env, err := app.LoadEnv()
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if !flags.Changed("config") {
		f.config = env.ConfigPath
	}
	if !flags.Changed("platform") {
		f.platform = env.Platform
	}
	if !flags.Changed("request-uri") {
		f.requestURI = env.RequestURI
	}
	return nil
}

func (f *rootFlags) options() (app.Options, error) {
	p, err := role.ParsePlatform(f.platform)
	if err != nil {
		return app.Options{}, err
	}
	return app.Options{
		ConfigPath: f.config,
		Platform:   p,
		RequestURI: f.requestURI,
	}, nil
}
