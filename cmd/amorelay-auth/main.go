package main

import (
	"log"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/agentworkforce/amorelay/internal/settings"
)

func main() {
	if err := newApp(settings.Load).Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp(load func() (settings.Settings, error)) *cli.App {
	cmds := &commands{load: load}
	return &cli.App{
		Name:  "amorelay-auth",
		Usage: "Manage the amoCRM OAuth token used by amorelay",
		Commands: []*cli.Command{
			{
				Name:   "url",
				Usage:  "Print the amoCRM authorization URL",
				Action: cmds.printAuthorizationURL,
			},
			{
				Name:   "exchange",
				Usage:  "Exchange an authorization code for a token pair",
				Action: cmds.exchange,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "code",
						Aliases:  []string{"c"},
						Usage:    "authorization code from the redirect",
						Required: true,
					},
				},
			},
			{
				Name:   "refresh",
				Usage:  "Refresh the stored token pair once",
				Action: cmds.refresh,
			},
			{
				Name:   "status",
				Usage:  "Print the stored token state",
				Action: cmds.status,
			},
			{
				Name:   "watch",
				Usage:  "Refresh the token whenever it is close to expiry",
				Action: cmds.watch,
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:    "interval",
						Usage:   "check interval",
						Value:   time.Hour,
						EnvVars: []string{"AMORELAY_WATCH_INTERVAL"},
					},
					&cli.DurationFlag{
						Name:    "margin",
						Usage:   "refresh when the token expires within this window",
						Value:   6 * time.Hour,
						EnvVars: []string{"AMORELAY_WATCH_MARGIN"},
					},
					&cli.Float64Flag{
						Name:    "jitter",
						Usage:   "check interval jitter ratio (0.0-1.0)",
						Value:   0.2,
						EnvVars: []string{"AMORELAY_WATCH_JITTER"},
					},
					&cli.DurationFlag{
						Name:  "timeout",
						Usage: "per-check timeout",
						Value: 30 * time.Second,
					},
					&cli.BoolFlag{
						Name:  "once",
						Usage: "run one check and exit",
					},
				},
			},
			{
				Name:   "admin-token",
				Usage:  "Issue a bearer token for the amorelay admin routes",
				Action: cmds.adminToken,
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:  "scope",
						Usage: "granted scope (repeatable)",
						Value: cli.NewStringSlice("tokens:refresh", "notes:read"),
					},
					&cli.StringFlag{
						Name:  "subject",
						Usage: "token subject",
						Value: "operator",
					},
					&cli.DurationFlag{
						Name:  "ttl",
						Usage: "token lifetime",
						Value: 24 * time.Hour,
					},
				},
			},
		},
	}
}
