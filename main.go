package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/anicoll/pollbridge/cmd"
)

func main() {
	app := &cli.App{
		Name:  "pollbridge",
		Usage: "polls local energy devices and publishes their readings",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the coordinators and the http api",
				Action: cmd.RunCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "log-level",
						EnvVars: []string{"LOG_LEVEL"},
						Value:   "INFO",
					},
					&cli.StringFlag{
						Name:    "http-addr",
						EnvVars: []string{"HTTP_ADDR"},
						Value:   "0.0.0.0:8000",
					},
					&cli.StringFlag{
						Name:    "entries-file",
						EnvVars: []string{"ENTRIES_FILE"},
						Value:   "entries.yaml",
					},
					&cli.DurationFlag{
						Name:    "scan-interval",
						EnvVars: []string{"SCAN_INTERVAL"},
					},
					&cli.StringFlag{
						Name:    "database-url",
						EnvVars: []string{"DATABASE_URL"},
					},
					&cli.StringFlag{
						Name:    "migrations-folder",
						EnvVars: []string{"DATABASE_MIGRATIONS_FOLDER"},
					},
					&cli.StringFlag{
						Name:    "mqtt-host",
						EnvVars: []string{"MQTT_HOST"},
					},
					&cli.StringFlag{
						Name:    "mqtt-user",
						EnvVars: []string{"MQTT_USER"},
					},
					&cli.StringFlag{
						Name:    "mqtt-pass",
						EnvVars: []string{"MQTT_PASS"},
					},
				},
			},
			{
				Name:   "hash-token",
				Usage:  "print a bcrypt hash for API_TOKEN_HASH",
				Action: cmd.HashTokenCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "token",
						Usage: "token to hash, generated when empty",
					},
				},
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
