package bot

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"discord-restrict/model"
	"discord-restrict/platform"
	"discord-restrict/restriction"
	"discord-restrict/scheduler"
	"discord-restrict/utils"
	"discord-restrict/utils/database/cases"
	"discord-restrict/utils/database/settings"

	"github.com/bwmarrin/discordgo"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
)

type Bot struct {
	Session            *discordgo.Session
	RegisteredCommands []*discordgo.ApplicationCommand
	config             atomic.Value // *model.Config
	CommandHandlers    map[string]func(s *discordgo.Session, i *discordgo.InteractionCreate)
	// keyed by the custom ID up to its first colon
	ComponentHandlers  map[string]func(s *discordgo.Session, i *discordgo.InteractionCreate)
	DB                 *sqlx.DB

	Settings *settings.Store
	Cases    *cases.Service
	Gateway  *platform.Gateway
	// Engines and Reactors follow the order of the configured kinds.
	Engines  []*restriction.Engine
	Reactors []*restriction.Reactor

	Registry  *prometheus.Registry
	metrics   *http.Server
	StartedAt time.Time
	log       *logrus.Entry
}

func (b *Bot) GetConfig() *model.Config {
	return b.config.Load().(*model.Config)
}

func (b *Bot) GetDB() *sqlx.DB {
	return b.DB
}

func (b *Bot) GetSession() *discordgo.Session {
	return b.Session
}

// Engine returns the engine of the named kind.
func (b *Bot) Engine(kind string) (*restriction.Engine, bool) {
	for _, e := range b.Engines {
		if e.Kind().Name == kind {
			return e, true
		}
	}
	return nil, false
}

func New(cfg *model.Config, db *sqlx.DB) (*Bot, error) {
	dg, err := discordgo.New("Bot " + cfg.BotToken)
	if err != nil {
		return nil, err
	}
	dg.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildBans |
		discordgo.IntentsGuildVoiceStates
	// voice states and member snapshots come from the state cache
	dg.Client = utils.NewHTTPClient(20 * time.Second)
	dg.StateEnabled = true
	dg.State.TrackVoice = true
	dg.State.TrackMembers = true

	store, err := settings.New(db)
	if err != nil {
		return nil, fmt.Errorf("failed to init settings store: %w", err)
	}
	caseService, err := cases.New(db)
	if err != nil {
		return nil, fmt.Errorf("failed to init cases store: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	b := &Bot{
		Session:  dg,
		DB:       db,
		Settings: store,
		Cases:    caseService,
		Gateway:  platform.New(dg),
		Registry: reg,
		log:      logrus.WithField("module", "bot"),
	}
	b.config.Store(cfg)

	for _, kind := range cfg.Kinds {
		engine := restriction.New(kind, b.Gateway, store, caseService,
			restriction.WithLogger(logrus.WithField("module", "restriction")),
			restriction.WithPromRegistry(reg),
			restriction.WithSchedulerOptions(
				scheduler.WithLookahead(cfg.Scheduler.Lookahead),
				scheduler.WithPollInterval(cfg.Scheduler.PollInterval),
			),
		)
		b.Engines = append(b.Engines, engine)
		b.Reactors = append(b.Reactors, restriction.NewReactor(engine))
	}
	return b, nil
}

// Close stops every engine, then the metrics server, the session and the
// database. Pending removals are dropped; Reconcile restores them on the
// next start.
func (b *Bot) Close() {
	b.log.Info("Gracefully shutting down.")
	for _, e := range b.Engines {
		e.Stop()
	}
	b.stopMetrics()
	if err := b.Session.Close(); err != nil {
		b.log.WithError(err).Warn("failed to close session")
	}
	if err := b.DB.Close(); err != nil {
		b.log.WithError(err).Warn("failed to close database")
	}
}
