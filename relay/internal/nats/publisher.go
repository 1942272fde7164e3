package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aaronwang/bidding-app/shared/models"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// StreamOptions describes the JetStream stream events are archived to
type StreamOptions struct {
	Name          string
	SubjectPrefix string
	MaxAge        time.Duration
}

// Publisher mirrors relay messages onto a JetStream stream for downstream
// consumers (archival, analytics)
type Publisher struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	prefix string
	log    *zap.Logger
}

// NewPublisher connects to NATS and ensures the stream exists
func NewPublisher(ctx context.Context, url string, opts StreamOptions, log *zap.Logger) (*Publisher, error) {
	conn, err := nats.Connect(url, nats.Name("auction-relay"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	streamCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err = js.CreateOrUpdateStream(streamCtx, jetstream.StreamConfig{
		Name:        opts.Name,
		Description: "Normalized auction relay events",
		Subjects:    []string{opts.SubjectPrefix + ".>"},
		Storage:     jetstream.FileStorage,
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      opts.MaxAge,
		Replicas:    1,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create/update stream: %w", err)
	}
	log.Info("JetStream stream ready", zap.String("stream", opts.Name), zap.String("subjects", opts.SubjectPrefix+".>"))

	return &Publisher{conn: conn, js: js, prefix: opts.SubjectPrefix, log: log}, nil
}

// Subject returns the subject a message is published on,
// e.g. auction.events.AUC-7X2K.bid_update
func Subject(prefix string, msg models.Message) string {
	// NATS tokens may not contain '.', '*', '>' or whitespace
	code := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(string(msg.Code()))
	return fmt.Sprintf("%s.%s.%s", prefix, code, msg.MessageType())
}

// Name identifies the mirror in logs and metrics
func (p *Publisher) Name() string { return "nats" }

// Publish sends msg without waiting for the stream acknowledgement. Late
// failures are logged when the ack future resolves.
func (p *Publisher) Publish(ctx context.Context, msg models.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := Subject(p.prefix, msg)
	future, err := p.js.PublishAsync(subject, data)
	if err != nil {
		return fmt.Errorf("failed to publish to JetStream: %w", err)
	}

	go func() {
		select {
		case ack := <-future.Ok():
			p.log.Debug("Published to JetStream", zap.String("subject", subject), zap.Uint64("seq", ack.Sequence))
		case err := <-future.Err():
			p.log.Warn("JetStream publish failed", zap.String("subject", subject), zap.Error(err))
		}
	}()
	return nil
}

// Close flushes pending acks and closes the connection
func (p *Publisher) Close() error {
	select {
	case <-p.js.PublishAsyncComplete():
	case <-time.After(5 * time.Second):
		p.log.Warn("Timed out waiting for pending JetStream acks")
	}
	p.conn.Close()
	return nil
}
