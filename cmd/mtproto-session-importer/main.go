package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"tg-topics-bot/internal/adapters/mtproto"
	"tg-topics-bot/internal/adapters/repo"
	"tg-topics-bot/internal/domain"
	"tg-topics-bot/internal/infra/config"
	"tg-topics-bot/internal/infra/db"
)

func main() {
	var (
		filePath    string
		userID      int64
		sessionName string
	)
	flag.StringVar(&filePath, "file", "", "Path to MTProto session file (gotd JSON, Telethon export or string session)")
	flag.Int64Var(&userID, "user", 0, "Telegram user ID the session belongs to")
	flag.StringVar(&sessionName, "name", "", "Session name override; defaults to the user's session reference")
	flag.Parse()

	if filePath == "" || userID == 0 {
		log.Fatal().Msg("mtproto-importer: -file and -user are required")
	}

	raw, err := os.ReadFile(filePath)
	if err != nil {
		log.Fatal().Err(err).Msg("mtproto-importer: failed to read session file")
	}
	imported, err := mtproto.ImportSession(raw)
	if err != nil {
		log.Fatal().Err(err).Msg("mtproto-importer: unsupported MTProto session format")
	}

	cfg := config.Load()
	if cfg.PGDSN == "" {
		log.Fatal().Msg("mtproto-importer: PG_DSN environment variable is required")
	}

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("mtproto-importer: failed to connect to database")
	}
	defer pool.Close()

	store := repo.NewPostgres(pool)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	user, err := store.GetUser(ctx, userID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		log.Warn().Int64("user_id", userID).Msg("mtproto-importer: user has not started the bot yet, storing session anyway")
	case err != nil:
		log.Fatal().Err(err).Msg("mtproto-importer: failed to load user")
	case !user.HasCredentials():
		log.Warn().Int64("user_id", userID).Msg("mtproto-importer: user has no API credentials, session will be used after they are submitted")
	}

	if sessionName == "" {
		sessionName = user.SessionRef
	}
	if sessionName == "" {
		sessionName = domain.SessionRefFor(userID)
	}

	if err := store.StoreMTProtoSession(ctx, sessionName, imported.Data); err != nil {
		log.Fatal().Err(err).Msg("mtproto-importer: failed to store session in database")
	}

	if imported.Format != mtproto.FormatGotd {
		fmt.Printf("Session was converted from %s to gotd JSON format before storing\n", imported.Format)
	}
	fmt.Printf("Stored MTProto session %q for user %d (DC %d, %d bytes)\n", sessionName, userID, imported.DC, len(imported.Data))
}
