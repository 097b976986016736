package plc

import (
	"context"
	"sync"
	"time"

	"github.com/nanofab/stratum/pkg/events"
	"github.com/nanofab/stratum/pkg/log"
)

// Monitor watches transport connectivity and triggers opportunistic
// reconnects. Callers of the client are never blocked waiting for a
// reconnect; they see ErrNotConnected until the monitor restores the
// transport. Connection transitions are published on the event broker.
type Monitor struct {
	client Client
	broker *events.Broker
	period time.Duration

	mu           sync.Mutex
	wasConnected bool
	stopCh       chan struct{}
	doneCh       chan struct{}
}

// NewMonitor creates a connection monitor probing every period
func NewMonitor(client Client, broker *events.Broker, period time.Duration) *Monitor {
	if period <= 0 {
		period = 5 * time.Second
	}
	return &Monitor{
		client: client,
		broker: broker,
		period: period,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the monitor loop
func (m *Monitor) Start() {
	go m.run()
}

// Stop stops the monitor and waits for the loop to exit
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *Monitor) run() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.period)
	defer ticker.Stop()

	m.mu.Lock()
	m.wasConnected = m.client.IsConnected()
	m.mu.Unlock()

	for {
		select {
		case <-ticker.C:
			m.probe()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Monitor) probe() {
	connected := m.client.IsConnected()

	m.mu.Lock()
	was := m.wasConnected
	m.wasConnected = connected
	m.mu.Unlock()

	if connected == was {
		if !connected {
			m.reconnect()
		}
		return
	}

	if connected {
		m.publish(events.EventPLCConnected, "PLC connection restored")
	} else {
		m.publish(events.EventPLCDisconnected, "PLC connection lost")
		m.reconnect()
	}
}

func (m *Monitor) reconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), m.period)
	defer cancel()

	if err := m.client.Reconnect(ctx); err != nil {
		logger := log.WithComponent("plc-monitor")
		logger.Debug().Err(err).Msg("Reconnect attempt failed")
		return
	}

	m.mu.Lock()
	m.wasConnected = true
	m.mu.Unlock()
	m.publish(events.EventPLCConnected, "PLC connection restored")
}

func (m *Monitor) publish(t events.EventType, msg string) {
	if m.broker == nil {
		return
	}
	m.broker.Publish(&events.Event{Type: t, Message: msg})
}
