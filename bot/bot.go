package bot

import (
	"fmt"

	"solgate/config"
	"solgate/logging"
	"solgate/services"
	"solgate/store"
	"solgate/workers"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// Bot owns the Discord gateway connection and the slash-command surface.
type Bot struct {
	session *discordgo.Session
	cfg     *config.Config
	verify  *services.VerifyService
	store   *store.Store
	worker  *workers.Reconciler
}

func New(session *discordgo.Session, cfg *config.Config, verify *services.VerifyService, st *store.Store, worker *workers.Reconciler) *Bot {
	return &Bot{
		session: session,
		cfg:     cfg,
		verify:  verify,
		store:   st,
		worker:  worker,
	}
}

// NewSession builds the discordgo session used by both the bot and the
// worker's role gateway.
func NewSession(botToken string) (*discordgo.Session, error) {
	session, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("creating discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMembers
	return session, nil
}

// Start opens the gateway connection and registers the slash commands. With
// a guild allow-list configured, commands register per guild (instant);
// otherwise globally.
func (b *Bot) Start() error {
	b.session.AddHandler(b.handleInteraction)
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("opening discord gateway: %w", err)
	}

	targets := b.cfg.CommandGuildIDs
	if len(targets) == 0 {
		targets = []string{""}
	}
	for _, guildID := range targets {
		for _, cmd := range commandDefinitions() {
			if _, err := b.session.ApplicationCommandCreate(b.cfg.ApplicationID, guildID, cmd); err != nil {
				return fmt.Errorf("registering command %s: %w", cmd.Name, err)
			}
		}
	}
	logging.Info("🤖 discord bot connected", zap.Int("command_scopes", len(targets)))
	return nil
}

func (b *Bot) Stop() {
	if err := b.session.Close(); err != nil {
		logging.Error("closing discord session failed", zap.Error(err))
	}
}
