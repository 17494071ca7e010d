package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"tg-top-feed/internal/adapters/mtproto"
	"tg-top-feed/internal/adapters/repo"
	"tg-top-feed/internal/infra/config"
	"tg-top-feed/internal/infra/db"
	logx "tg-top-feed/internal/infra/log"
)

func main() {
	var (
		filePath    string
		sessionName string
	)
	flag.StringVar(&filePath, "file", "", "Path to MTProto session file (gotd JSON or Telethon string)")
	flag.StringVar(&sessionName, "name", "", "Name of the MTProto session (defaults to MTPROTO_SESSION_NAME)")
	flag.Parse()

	cfg := config.Load()
	log.Logger = logx.NewLogger(cfg.AppEnv)

	if filePath == "" {
		log.Fatal().Msg("mtproto-importer: path to session file is required (-file)")
	}
	if sessionName == "" {
		sessionName = cfg.MTProto.SessionName
	}
	if cfg.PGDSN == "" {
		log.Fatal().Msg("mtproto-importer: PG_DSN environment variable is required")
	}

	sessionData, err := os.ReadFile(filePath)
	if err != nil {
		log.Fatal().Err(err).Msg("mtproto-importer: failed to read session file")
	}
	normalized, converted, err := mtproto.NormalizeSession(sessionData)
	if err != nil {
		log.Fatal().Err(err).Msg("mtproto-importer: unsupported MTProto session format")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.Connect(ctx, cfg.PGDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("mtproto-importer: failed to connect to database")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)
	if err := repoAdapter.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("mtproto-importer: failed to prepare schema")
	}
	if err := repoAdapter.StoreMTProtoSession(ctx, sessionName, normalized); err != nil {
		log.Fatal().Err(err).Msg("mtproto-importer: failed to store session in database")
	}

	if converted {
		fmt.Println("Session was converted to gotd JSON format before storing")
	}
	fmt.Printf("Stored MTProto session %q (%d bytes) in database\n", sessionName, len(normalized))
}
