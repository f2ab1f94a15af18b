package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
)

// Version and BuildDate can be set at build time via ldflags.
var (
	Version   string = "0.0.1"
	BuildDate string = "unknown"

	ServiceName string = "coopsync"
)

var CLI struct {
	Debug bool `help:"Enable debug logging, overriding logLevel."`

	Serve struct {
		ConfigDir string `name:"config-dir" default:"." type:"path" help:"Directory containing coopsync.cfg.json."`
	} `cmd:"" default:"1" help:"Start the server."`

	Catalog struct {
		Dir string `arg:"" type:"path" help:"Directory of client-side files to inspect."`
	} `cmd:"" help:"List the files a client would download."`

	Version struct{} `cmd:"" help:"Print version information and exit."`
}

func writeError(err error) {
	fmt.Fprintf(os.Stderr, "%s\n", err)
	os.Exit(1)
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name(ServiceName),
		kong.Description("a co-op session server for synchronized game clients"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	var err error
	switch ctx.Command() {
	case "serve":
		err = serve(CLI.Serve.ConfigDir, CLI.Debug)
	case "catalog <dir>":
		err = printCatalog(os.Stdout, CLI.Catalog.Dir, CLI.Debug)
	case "version":
		fmt.Printf("%s %s (built %s)\n", ServiceName, Version, BuildDate)
	}
	if err != nil {
		writeError(err)
	}
}
