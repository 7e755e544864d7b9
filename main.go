package main

import (
	"os"

	"github.com/rs/zerolog"

	"chatter/blob"
	"chatter/config"
	"chatter/server"
	"chatter/store"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	st, err := store.OpenBadger(cfg.DataDir, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open data store")
	}
	defer st.Close()

	blobs, err := blob.NewLocal(cfg.UploadDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to prepare upload directory")
	}

	srv := server.New(cfg, st, blobs, log)
	if err := srv.Run(); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}
