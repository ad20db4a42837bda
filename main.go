package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/makotom/dlspeed/dlspeed"
)

var (
	BuildName       = "dev"
	BuildAnnotation = "git"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cmd := dlspeed.NewRootCommand(dlspeed.BuildInfo{Name: BuildName, Annotation: BuildAnnotation})
	if err := cmd.Execute(); err != nil {
		log.Error().Err(err).Msg("dlspeed failed")
		os.Exit(1)
	}
}
