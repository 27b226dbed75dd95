package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/receipt-sync/internal/core/domain"
	"github.com/kirillkom/receipt-sync/internal/infrastructure/resilience"
)

// Headers set on every receipt event. The message id lets a JetStream stream
// on the subject drop duplicates when a resumed file is announced twice.
const (
	headerContentType = "Content-Type"
	headerHash        = "Receipt-Hash"
)

// Queue announces synchronized receipts on a subject so downstream consumers
// (budget exporters, notifiers) can react without polling the index.
type Queue struct {
	conn     *nats.Conn
	subject  string
	executor *resilience.Executor
	logger   *slog.Logger

	drainTimeout time.Duration
}

type Options struct {
	// Name identifies the connection in the server's monitoring endpoints.
	Name               string
	ConnectTimeout     time.Duration
	ReconnectWait      time.Duration
	MaxReconnects      int
	DrainTimeout       time.Duration
	ResilienceExecutor *resilience.Executor
	Logger             *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = "receipt-sync"
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 2 * time.Second
	}
	if o.ReconnectWait <= 0 {
		o.ReconnectWait = 2 * time.Second
	}
	if o.MaxReconnects <= 0 {
		o.MaxReconnects = 60
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// NewWithOptions connects lazily: a broker that is down at startup does not
// stop the pipeline, publishes fail as temporary until it comes up.
func NewWithOptions(url, subject string, options Options) (*Queue, error) {
	if subject == "" {
		return nil, domain.WrapError(domain.ErrConfig, "nats subject", errors.New("NATS_SUBJECT is empty"))
	}
	opts := options.withDefaults()
	logger := opts.Logger

	conn, err := nats.Connect(
		url,
		nats.Name(opts.Name),
		nats.Timeout(opts.ConnectTimeout),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.DrainTimeout(opts.DrainTimeout),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Debug("nats_closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Queue{
		conn:     conn,
		subject:  subject,
		executor: opts.ResilienceExecutor,
		logger:   logger,

		drainTimeout: opts.DrainTimeout,
	}, nil
}

// Close flushes pending publishes before closing the connection.
func (q *Queue) Close() {
	if q.conn == nil {
		return
	}
	if q.conn.IsConnected() {
		if err := q.conn.FlushTimeout(q.drainTimeout); err != nil {
			q.logger.Warn("nats_flush_failed", "error", err)
		}
	}
	q.conn.Close()
}

func (q *Queue) PublishReceiptSynced(ctx context.Context, event domain.ReceiptSynced) error {
	msg, err := newEventMsg(q.subject, event)
	if err != nil {
		return err
	}
	call := func(context.Context) error {
		if err := q.conn.PublishMsg(msg); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}

	if q.executor != nil {
		err = q.executor.Execute(ctx, "nats.publish", call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	return wrapTemporaryIfNeeded(err)
}

// SubscribeReceiptSynced blocks until ctx is done, delivering each event to
// handler. Malformed payloads are logged and dropped.
func (q *Queue) SubscribeReceiptSynced(ctx context.Context, handler func(context.Context, domain.ReceiptSynced) error) error {
	sub, err := q.conn.Subscribe(q.subject, func(msg *nats.Msg) {
		if ctx.Err() != nil {
			return
		}
		event, err := decodeEvent(msg.Data)
		if err != nil {
			q.logger.Warn("receipt_event_decode_failed", "hash", msg.Header.Get(headerHash), "error", err)
			return
		}
		if err := handler(ctx, event); err != nil {
			q.logger.Error("receipt_event_handler_failed", "hash", event.Hash, "document_id", event.DocumentID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	if err := q.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	return nil
}

func newEventMsg(subject string, event domain.ReceiptSynced) (*nats.Msg, error) {
	payload, err := encodeEvent(event)
	if err != nil {
		return nil, err
	}
	msg := nats.NewMsg(subject)
	msg.Data = payload
	msg.Header.Set(headerContentType, "application/json")
	msg.Header.Set(headerHash, event.Hash)
	msg.Header.Set(nats.MsgIdHdr, event.Hash+"-"+strconv.Itoa(event.DocumentID))
	return msg, nil
}

func encodeEvent(event domain.ReceiptSynced) ([]byte, error) {
	if event.Tags == nil {
		event.Tags = []string{}
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal receipt event: %w", err)
	}
	return payload, nil
}

func decodeEvent(data []byte) (domain.ReceiptSynced, error) {
	var event domain.ReceiptSynced
	if err := json.Unmarshal(data, &event); err != nil {
		return domain.ReceiptSynced{}, fmt.Errorf("unmarshal receipt event: %w", err)
	}
	if event.Hash == "" || event.DocumentID <= 0 {
		return domain.ReceiptSynced{}, errors.New("receipt event without hash or document id")
	}
	return event, nil
}
