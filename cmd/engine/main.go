package main

import (
	"github.com/rs/zerolog/log"

	"github.com/thirdweb-dev/engine-sub000/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("Failed to run engine")
	}
}
