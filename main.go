package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli"
)

var version = "dev"

const defaultConfigPath = "~/.ocelot.yaml"

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "ocelot"
	app.Usage = "Private BitTorrent tracker (HTTP)"
	app.Version = version
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Value:  defaultConfigPath,
			Usage:  "read config from `FILE`",
			EnvVar: "OCELOT__CONFIG",
		},
		cli.StringFlag{
			Name:   "database",
			Usage:  "path to the bolt database (overrides database_path)",
			EnvVar: "OCELOT__DATABASE",
		},
		cli.StringFlag{
			Name:   "listen, l",
			Usage:  "address to listen on (overrides listen_address)",
			EnvVar: "OCELOT__LISTEN",
		},
		cli.BoolFlag{
			Name:   "debug, d",
			Usage:  "enable debug logs",
			EnvVar: "DEBUG",
		},
	}
	app.Action = handleServe
	app.Commands = []cli.Command{
		{
			Name:   "serve",
			Usage:  "run the tracker (default)",
			Action: handleServe,
		},
		{
			Name:  "whitelist",
			Usage: "manage the client whitelist",
			Subcommands: []cli.Command{
				{
					Name:      "import",
					Usage:     "replace the stored whitelist with the prefixes in a file",
					ArgsUsage: "<file>",
					Action:    handleWhitelistImport,
				},
			},
		},
	}
	return app
}

// buildConfig loads the config file and applies command line overrides.
func buildConfig(c *cli.Context) (*Config, error) {
	cfg, err := LoadConfig(c.GlobalString("config"))
	if err != nil {
		return nil, err
	}
	if c.GlobalIsSet("database") {
		cfg.DatabasePath = c.GlobalString("database")
	}
	if c.GlobalIsSet("listen") {
		cfg.ListenAddress = c.GlobalString("listen")
	}
	if c.GlobalBool("debug") {
		cfg.Debug = true
	}
	return cfg, nil
}

func handleServe(c *cli.Context) error {
	cfg, err := buildConfig(c)
	if err != nil {
		return err
	}
	debugEnabled.Store(cfg.Debug)

	store, err := openBoltStore(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			errorLog("cannot close database: %v", err)
		}
	}()

	srv := NewServer(cfg, store, func() (*Config, error) { return buildConfig(c) })

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(signals)

	return srv.Run(context.Background(), signals)
}

func handleWhitelistImport(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("usage: ocelot whitelist import <file>", 2)
	}
	cfg, err := buildConfig(c)
	if err != nil {
		return err
	}
	prefixes, err := loadWhitelistFile(c.Args().First())
	if err != nil {
		return err
	}

	store, err := openBoltStore(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			errorLog("cannot close database: %v", err)
		}
	}()

	tr := newTracker(cfg, store, nil, nil)
	current, err := store.LoadWhitelist()
	if err != nil {
		return err
	}
	tr.reg.setWhitelist(current)
	if err = tr.importWhitelist(prefixes); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "imported %d client prefixes (was %d)\n", len(prefixes), len(current))
	return nil
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		errorLog("%v", err)
		os.Exit(1)
	}
}
