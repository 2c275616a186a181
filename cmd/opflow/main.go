package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rendis/opflow/internal/templates"
)

const usage = `usage: opflow <command> [flags]

commands:
  serve      run the MCP server over stdio (default)
  init       write settings.json
  templates  print the template catalog as JSON
  version    print the build version
`

func main() {
	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		if err := runServe(args); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "init":
		runInit(args)
	case "templates":
		printTemplates()
	case "version":
		printVersion()
	case "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
}

func printTemplates() {
	catalog := templates.Default()
	data, err := json.MarshalIndent(catalog.List(""), "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(data))
}
