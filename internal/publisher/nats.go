package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/bicingtrips-data/internal/common/logger"
	"github.com/bicingtrips-data/internal/network"
)

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

type conn interface {
	Publish(subject string, data []byte) error
	Drain() error
	Close()
}

// NATSPublisher publishes every topology snapshot as a JSON message.
type NATSPublisher struct {
	nc      conn
	subject string
	metrics PublisherMetrics
	logger  logger.Logger
}

func NewNATSPublisher(url, subject string, m PublisherMetrics, log logger.Logger) (*NATSPublisher, error) {
	if log == nil {
		log = logger.Nop()
	}
	nc, err := nats.Connect(url,
		nats.Name("bicingtrips"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Info("NATS reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Info("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return newPublisher(nc, subject, m, log), nil
}

func newPublisher(nc conn, subject string, m PublisherMetrics, log logger.Logger) *NATSPublisher {
	return &NATSPublisher{nc: nc, subject: subjectName(subject), metrics: m, logger: log}
}

func (p *NATSPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	err := p.nc.Drain()
	p.nc.Close()
	return err
}

// TopologyMessage is the payload published for each snapshot.
type TopologyMessage struct {
	Timestamp int64                  `json:"timestamp"`
	Nodes     []network.NodeTopology `json:"nodes"`
	Edges     []network.EdgeTopology `json:"edges"`
}

func (p *NATSPublisher) Name() string { return "nats" }

// Write publishes t on the configured subject.
func (p *NATSPublisher) Write(_ context.Context, t network.Topology) error {
	b, err := json.Marshal(TopologyMessage{Timestamp: t.Timestamp, Nodes: t.Nodes, Edges: t.Edges})
	if err != nil {
		return fmt.Errorf("encoding topology: %w", err)
	}

	start := time.Now()
	err = p.nc.Publish(p.subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", p.subject, err)
	}
	p.logger.Debug("Topology published", "subject", p.subject, "timestamp", t.Timestamp, "bytes", len(b))
	return nil
}

// subjectName sanitises each dot-separated token of a subject.
func subjectName(s string) string {
	parts := strings.Split(strings.Trim(strings.TrimSpace(s), "."), ".")
	for i, part := range parts {
		parts[i] = subjectToken(part)
	}
	return strings.Join(parts, ".")
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
