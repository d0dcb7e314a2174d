package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog/log"

	"github.com/brenelz/pictionary/internal/config"
	"github.com/brenelz/pictionary/logger"
)

var CLI struct {
	Debug bool `help:"Whether to enable debug logging."`

	Serve struct {
	} `cmd:"" default:"1" help:"Start the pictionary server."`

	Leaderboard struct {
		Limit int `help:"Number of players to list." default:"10"`
	} `cmd:"" help:"Print the ranked players of the configured store."`
}

func writeError(err error) {
	fmt.Fprintf(os.Stderr, "%s\n", err)
	os.Exit(1)
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("pictionary"),
		kong.Description("a multiplayer drawing and guessing game server"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	cfg, err := config.Load()
	if err != nil {
		writeError(err)
	}

	logger.Setup(cfg.LogLevel, cfg.LogPretty)
	if CLI.Debug {
		logger.EnableDebug()
	}

	switch ctx.Command() {
	case "serve":
		err = serveCommand(cfg)
	case "leaderboard":
		err = leaderboardCommand(cfg, CLI.Leaderboard.Limit)
	}
	if err != nil {
		log.Error().Err(err).Msg("exiting")
		writeError(err)
	}
}
