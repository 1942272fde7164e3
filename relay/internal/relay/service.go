package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/aaronwang/bidding-app/relay/internal/feed"
	"github.com/aaronwang/bidding-app/relay/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Loop is a long-running component stopped by cancelling ctx
type Loop interface {
	Run(ctx context.Context) error
}

// ServiceOptions configures a Service
type ServiceOptions struct {
	Addr            string
	ReadTimeout     time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	QueueSize       int
	Feed            feed.Options
}

// Service runs the subscriber listener, the broadcast loop, the pipeline
// worker and the feed client
type Service struct {
	opts        ServiceOptions
	handler     http.Handler
	broadcaster Loop
	pipeline    *Pipeline
	metrics     *metrics.Metrics
	log         *zap.Logger
}

// NewService creates a service
func NewService(opts ServiceOptions, handler http.Handler, broadcaster Loop, pipeline *Pipeline, m *metrics.Metrics, log *zap.Logger) *Service {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	return &Service{
		opts:        opts,
		handler:     handler,
		broadcaster: broadcaster,
		pipeline:    pipeline,
		metrics:     m,
		log:         log,
	}
}

// Run binds the subscriber listener and serves until ctx is cancelled.
// A bind failure is returned immediately.
func (s *Service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to bind subscriber listener on %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the service on ln. The listener is up before the feed client
// starts, so no event is relayed before subscribers can connect.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:     s.handler,
		ReadTimeout: s.opts.ReadTimeout,
		IdleTimeout: s.opts.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("Subscriber listener started", zap.String("addr", ln.Addr().String()))
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("subscriber listener: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		s.log.Info("Shutting down subscriber listener")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("Listener forced to shutdown", zap.Error(err))
		}
		return nil
	})

	g.Go(func() error {
		return s.broadcaster.Run(gctx)
	})

	lines := make(chan string, s.opts.QueueSize)
	g.Go(func() error {
		return s.pipeline.Run(gctx, lines)
	})

	feedOpts := s.opts.Feed
	onState := feedOpts.OnState
	feedOpts.OnState = func(st feed.State) {
		s.metrics.FeedState.Set(float64(st))
		if st == feed.StateConnecting {
			s.metrics.FeedConnects.Inc()
		}
		if onState != nil {
			onState(st)
		}
	}
	client := feed.NewClient(feedOpts, func(line string) {
		select {
		case lines <- line:
		case <-gctx.Done():
		}
	}, s.log.Named("feed"))
	g.Go(func() error {
		return client.Run(gctx)
	})

	err := g.Wait()
	s.log.Info("Relay stopped")
	return err
}
