package trigger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

const DefaultSubject = "megatest.worker.nudge"

type NATSConfig struct {
	URL            string
	Subject        string
	ConnectTimeout time.Duration
}

// NATS publishes nudges to a subject so executors in other processes wake up.
type NATS struct {
	conn    *nats.Conn
	subject string
}

func DialNATS(cfg NATSConfig) (*NATS, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = nats.DefaultURL
	}
	if strings.TrimSpace(cfg.Subject) == "" {
		cfg.Subject = DefaultSubject
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name("megatest"),
		nats.Timeout(cfg.ConnectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &NATS{conn: conn, subject: cfg.Subject}, nil
}

func (n *NATS) Fire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := n.conn.Publish(n.subject, nil); err != nil {
		return fmt.Errorf("publish nudge: %w", err)
	}
	return nil
}

// Listen forwards every nudge received on the subject to local until ctx ends.
func (n *NATS) Listen(ctx context.Context, local *Local, logger *log.Logger) error {
	if local == nil {
		return errors.New("local trigger is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	sub, err := n.conn.Subscribe(n.subject, func(*nats.Msg) {
		_ = local.Fire(ctx)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", n.subject, err)
	}
	logger.Printf("listening for nudges on nats subject=%s", n.subject)

	<-ctx.Done()
	if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		logger.Printf("warn: nats unsubscribe failed: %v", err)
	}
	return nil
}

func (n *NATS) Close() {
	n.conn.Close()
}
