package main

import (
	"flag"
	"log"
	"os"
	"path/filepath"

	"github.com/okempf/btkit/internal/config"
)

func main() {
	output := flag.String("output", config.DefaultPath(), "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to the standard location)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		path := *input
		if path == "" {
			path = config.DefaultPath()
		}
		if _, err := config.Load(path); err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated config at %s", path)
		return
	}

	if err := os.MkdirAll(filepath.Dir(*output), 0o700); err != nil {
		log.Fatal(err)
	}
	if err := config.WriteTemplate(*output, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote config template to %s", *output)
}
