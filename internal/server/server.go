package server

import (
	"context"
	"log/slog"
	stdhttp "net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/bobersik/observer/internal/api/http"
	"github.com/bobersik/observer/internal/backfill"
	"github.com/bobersik/observer/internal/bus"
	"github.com/bobersik/observer/internal/embedding"
	"github.com/bobersik/observer/internal/memory"
	"github.com/bobersik/observer/internal/prompt"
	"github.com/bobersik/observer/internal/provider"
	"github.com/bobersik/observer/internal/research"
	"github.com/bobersik/observer/internal/streams"
	"github.com/bobersik/observer/internal/telegram"
	"github.com/bobersik/observer/pkg/graph"
	"github.com/bobersik/observer/pkg/log"
)

// ErrGraphUnreachable marks a startup failure to reach the graph engine.
var ErrGraphUnreachable = errors.New("graph engine unreachable")

// Server wires every pipeline component and supervises the streams.
type Server struct {
	config Config
	logger *slog.Logger

	db        *graph.DB
	store     *memory.Store
	logWriter *memory.LogWriter
	bus       *bus.Bus
	assembler *prompt.Assembler
	sb        *provider.Switchboard
	embedder  *embedding.Client
	thinker   *streams.Thinker
	streams   []streams.Stream
	api       *http.Server
}

// NewServer creates a new server with the given configuration
func NewServer(conf Config) (*Server, error) {
	server := &Server{
		config: conf,
	}

	if err := server.initDepend(); err != nil {
		return nil, errors.WithMessage(err, "init server dependency failed")
	}

	if err := server.initStreams(); err != nil {
		return nil, errors.WithMessage(err, "init streams failed")
	}

	return server, nil
}

// initDepend initializes all dependencies
func (s *Server) initDepend() error {
	// Initialize log first
	if err := log.Init(s.config.Log); err != nil {
		return errors.WithMessage(err, "failed to init log")
	}

	s.logger = log.Logger("server")
	s.logger.Info("initializing dependencies")

	ctx := context.Background()

	s.logger.Info("initializing graph store")
	db, err := graph.Open(s.config.Graph)
	if err != nil {
		return errors.WithMessage(ErrGraphUnreachable, err.Error())
	}
	s.db = db

	s.store = memory.NewStore(db.Primary(), db.ThoughtLog(), s.config.Agent)
	if err := s.store.EnsureIndexes(ctx); err != nil {
		s.logger.Warn("failed to ensure indexes", "error", err)
	}
	s.logWriter = memory.NewLogWriter(s.store, 256)

	s.logger.Info("initializing stream bus", "backend", s.config.Bus.Backend)
	if err := s.initBus(ctx); err != nil {
		return errors.WithMessage(err, "failed to init bus")
	}

	s.logger.Info("initializing providers")
	if err := s.initProviders(); err != nil {
		return err
	}

	s.assembler = prompt.NewAssembler(db.Primary(), s.config.Prompt)

	s.embedder, err = embedding.NewClient(s.config.Embedding)
	if err != nil {
		s.logger.Warn("embedding service client disabled", "error", err)
		s.embedder = nil
	}

	return nil
}

func (s *Server) initBus(ctx context.Context) error {
	queues := make(map[string]bus.Queue, len(bus.Channels))
	for _, channel := range bus.Channels {
		capacity := s.config.QueueCapacity(channel)

		switch s.config.Bus.Backend {
		case "redis":
			queues[channel] = bus.NewRedisQueue(s.db.Redis(), channel, capacity)
		case "kafka":
			q, err := bus.NewKafkaQueue(ctx, s.config.Kafka, channel, capacity)
			if err != nil {
				return err
			}
			queues[channel] = q
		default:
			queues[channel] = bus.NewMemoryQueue(channel, capacity)
		}
	}

	s.bus = bus.New(queues)
	return nil
}

func (s *Server) initProviders() error {
	var providers []provider.Provider

	for i := range s.config.Providers.CLI {
		p, err := provider.NewCLIProvider(s.config.Providers.CLI[i])
		if err != nil {
			return errors.WithMessage(err, "failed to create cli provider")
		}
		providers = append(providers, p)
	}
	for i := range s.config.Providers.OpenAI {
		p, err := provider.NewOpenAIProvider(s.config.Providers.OpenAI[i])
		if err != nil {
			return errors.WithMessage(err, "failed to create openai provider")
		}
		providers = append(providers, p)
	}

	sb, err := provider.NewSwitchboard(s.config.Providers.Switchboard(), providers, s.store)
	if err != nil {
		return err
	}
	s.sb = sb

	s.logger.Info("switchboard ready", "order", sb.Providers())
	return nil
}

// initStreams builds the five pipeline streams.
func (s *Server) initStreams() error {
	sender := telegram.NewQueueSender(s.bus)
	researcher := research.NewResearcher(s.sb, s.store.Primary(), s.assembler)

	s.thinker = streams.NewThinker(s.bus, s.store, s.assembler, s.sb, s.logWriter, s.config.Thinker, s.config.StreamConfig(StreamThinker))

	s.streams = []streams.Stream{
		streams.NewScribe(s.bus, s.store, s.embedder, s.config.StreamConfig(StreamScribe)),
		streams.NewGatekeeper(s.bus, s.store, s.assembler, s.sb, s.config.Gatekeeper, s.config.StreamConfig(StreamGatekeeper)),
		s.thinker,
		streams.NewAnalyst(s.bus, s.store, s.assembler, s.sb, s.config.StreamConfig(StreamAnalyst)),
		streams.NewCoordinator(s.bus, s.store, researcher, nil, s.config.Coordinator, s.config.StreamConfig(StreamCoordinator)),
		streams.NewResponder(s.bus, s.store, s.assembler, s.sb, sender, s.config.Responder, s.config.StreamConfig(StreamResponder)),
	}

	s.api = http.NewServer(s.bus, s.db, http.ServerConfig{
		Host:         s.config.Server.Host,
		Port:         s.config.Server.Port,
		ReadTimeout:  http.DefaultServerConfig().ReadTimeout,
		WriteTimeout: http.DefaultServerConfig().WriteTimeout,
	})

	return nil
}

// Start runs all streams until a shutdown signal arrives.
func (s *Server) Start() error {
	s.logger.Info("starting", "port", s.config.Server.Port)

	ctx, cancel := context.WithCancel(context.Background())

	// Handle graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		s.logger.Info("received shutdown signal")
		cancel()
	}()

	s.logWriter.Start(ctx)

	g, ctx := errgroup.WithContext(ctx)

	for _, stream := range s.streams {
		stream := stream
		g.Go(func() error {
			s.logger.Info("stream started", "stream", stream.Name())
			return stream.Run(ctx)
		})
	}

	g.Go(func() error {
		return s.runAPI(ctx)
	})

	return g.Wait()
}

func (s *Server) runAPI(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.api.Shutdown(context.Background())
	}()

	if err := s.api.Start(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
		return errors.WithMessage(err, "http server error")
	}
	return nil
}

// Backfill replays persisted history through the thinker. Planning output
// is drained and discarded; only enrichment is applied.
func (s *Server) Backfill(ctx context.Context, since float64, limit int) (int, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.logWriter.Start(ctx)
	defer s.logWriter.Stop()

	g, runCtx := errgroup.WithContext(ctx)

	// enrichment consumer applies topics and entities
	scribe := streams.NewScribe(s.bus, s.store, s.embedder, s.config.StreamConfig(StreamScribe))
	g.Go(func() error {
		return scribe.Run(runCtx)
	})

	// discard planning payloads; backfill never replies
	g.Go(func() error {
		for {
			if _, err := s.bus.Channel(bus.ChannelPlanning).Dequeue(runCtx); err != nil {
				return nil
			}
		}
	})

	processed, err := backfill.NewRunner(s.store, s.thinker).Run(ctx, since, limit)

	cancel()
	_ = g.Wait()

	return processed, err
}

// SeedPrompts bootstraps the prompt subgraph and drops the assembler
// cache.
func (s *Server) SeedPrompts(ctx context.Context) error {
	if err := prompt.NewSeeder(s.db.Primary()).Seed(ctx); err != nil {
		return err
	}
	s.assembler.Invalidate()
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down")

	if s.logWriter != nil {
		s.logWriter.Stop()
	}

	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			s.logger.Error("failed to close bus", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("failed to close graph store", "error", err)
		}
	}

	return nil
}
