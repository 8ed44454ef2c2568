package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"curses/internal/config"
	"curses/internal/nativehost"
	"curses/internal/role"
	logx "curses/pkg/logx"
)

type negotiateOutput struct {
	Role      string               `json:"role"`
	Platform  string               `json:"platform"`
	Transport role.TransportConfig `json:"transport"`
	Features  role.NativeFeatures  `json:"features"`
}

func newNegotiateCommand(f *rootFlags) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "negotiate",
		Short: "Print the role, platform and transport this instance would use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := f.options()
			if err != nil {
				return err
			}
			cfg, err := config.NewManager(opts.ConfigPath).Parse()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			res, err := role.NewNegotiator(role.Options{
				Platform:   opts.Platform,
				RequestURI: opts.RequestURI,
				Bridge: nativehost.New(nativehost.Config{
					AdvertiseIP: cfg.Network.AdvertiseIP,
					Port:        cfg.PortOrDefault(),
				}),
				Log: logx.NewConsole(cfg.Logging.Level),
			}).Negotiate(ctx)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(negotiateOutput{
				Role:      res.Role.String(),
				Platform:  res.Platform.String(),
				Transport: res.Transport,
				Features:  res.Features,
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "negotiation timeout")
	return cmd
}
