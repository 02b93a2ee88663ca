// Package natsfeed carries change events over NATS so several kbsearch
// processes sharing a knowledge base rebuild when any of them ingests.
//
// Events are JSON-encoded domain.ChangeEvent values published on
// "<prefix>.<tenant>.<project>".
package natsfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/custodia-labs/kbsearch/internal/core/domain"
	"github.com/custodia-labs/kbsearch/internal/core/ports/driven"
	"github.com/custodia-labs/kbsearch/internal/logger"
)

// Ensure Feed implements the interface.
var _ driven.ChangeNotifier = (*Feed)(nil)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "kbsearch.changes"

// Feed publishes and subscribes to change events.
type Feed struct {
	conn   *nats.Conn
	prefix string
	owned  bool
}

// Connect dials url and returns a feed that owns the connection.
func Connect(url, prefix string) (*Feed, error) {
	conn, err := nats.Connect(url,
		nats.Name("kbsearch"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats: disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats: reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	f := New(conn, prefix)
	f.owned = true
	return f, nil
}

// New wraps an existing connection.
func New(conn *nats.Conn, prefix string) *Feed {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Feed{conn: conn, prefix: prefix}
}

// Subject returns the subject of ns. Namespace parts that are not valid
// subject tokens are rejected.
func (f *Feed) Subject(ns domain.Namespace) (string, error) {
	if err := ns.Validate(); err != nil {
		return "", err
	}
	for _, part := range []string{ns.Tenant, ns.Project} {
		if strings.ContainsAny(part, ".*> \t\r\n") {
			return "", fmt.Errorf("%w: namespace %q is not a valid subject token", domain.ErrInvalidInput, ns.Key())
		}
	}
	return f.prefix + "." + ns.Tenant + "." + ns.Project, nil
}

// Publish sends ev on the subject of its namespace.
func (f *Feed) Publish(ctx context.Context, ev domain.ChangeEvent) error {
	subject, err := f.Subject(ev.Namespace)
	if err != nil {
		return err
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding change event: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := f.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}

// Subscribe delivers events received for ns. Malformed messages are
// dropped. Events without a namespace are attributed to ns.
func (f *Feed) Subscribe(ns domain.Namespace, fn func(domain.ChangeEvent)) (func(), error) {
	subject, err := f.Subject(ns)
	if err != nil {
		return nil, err
	}
	sub, err := f.conn.Subscribe(subject, func(msg *nats.Msg) {
		var ev domain.ChangeEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			logger.Warn("nats %s: dropping malformed event: %v", msg.Subject, err)
			return
		}
		if ev.Namespace == (domain.Namespace{}) {
			ev.Namespace = ns
		}
		fn(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// Forward republishes every event src reports for ns on NATS.
func (f *Feed) Forward(src driven.ChangeNotifier, ns domain.Namespace) (func(), error) {
	if _, err := f.Subject(ns); err != nil {
		return nil, err
	}
	return src.Subscribe(ns, func(ev domain.ChangeEvent) {
		if err := f.Publish(context.Background(), ev); err != nil {
			logger.Warn("nats: forwarding %s event: %v", ev.Kind, err)
		}
	})
}

// Flush waits until published events reach the server.
func (f *Feed) Flush() error {
	return f.conn.Flush()
}

// Close drains and closes a connection opened by Connect.
func (f *Feed) Close() error {
	if !f.owned {
		return nil
	}
	return f.conn.Drain()
}
