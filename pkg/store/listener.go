package store

import (
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/nanofab/stratum/pkg/events"
	"github.com/nanofab/stratum/pkg/log"
	"github.com/nanofab/stratum/pkg/metrics"
)

// ControlCommandChannel is the NOTIFY channel fired by the insert trigger
// on parameter_control_commands; the payload is the command id.
const ControlCommandChannel = "parameter_control_commands_insert"

// Listener wraps the Postgres LISTEN/NOTIFY feed with a confirmation
// watchdog. If the subscription is not confirmed within the watchdog
// window the listener reports degraded and the writer's pull path takes
// over; pq.Listener keeps reconnecting underneath and the listener
// re-confirms on recovery.
type Listener struct {
	channel  string
	watchdog time.Duration
	broker   *events.Broker

	pql      *pq.Listener
	notifyCh chan string

	mu        sync.Mutex
	confirmed bool
	degraded  bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewListener creates a realtime listener for the given NOTIFY channel
func NewListener(databaseURL, channel string, watchdog time.Duration, broker *events.Broker) *Listener {
	l := &Listener{
		channel:  channel,
		watchdog: watchdog,
		broker:   broker,
		notifyCh: make(chan string, 64),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	l.pql = pq.NewListener(databaseURL, time.Second, 30*time.Second, l.onEvent)
	return l
}

// Start subscribes and begins forwarding notifications
func (l *Listener) Start() error {
	if err := l.pql.Listen(l.channel); err != nil {
		return err
	}
	go l.run()
	return nil
}

// Stop tears down the subscription
func (l *Listener) Stop() {
	close(l.stopCh)
	<-l.doneCh
	l.pql.Close()
}

// Notifications delivers command ids pushed by the change-feed
func (l *Listener) Notifications() <-chan string {
	return l.notifyCh
}

// Healthy reports whether the subscription is confirmed
func (l *Listener) Healthy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.confirmed
}

func (l *Listener) onEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected, pq.ListenerEventReconnected:
		l.setConfirmed(true)
	case pq.ListenerEventDisconnected, pq.ListenerEventConnectionAttemptFailed:
		l.setConfirmed(false)
		if err != nil {
			logger := log.WithComponent("realtime")
			logger.Warn().Err(err).Msg("Realtime channel dropped")
		}
	}
}

func (l *Listener) run() {
	defer close(l.doneCh)

	watchdog := time.NewTicker(l.watchdog)
	defer watchdog.Stop()

	for {
		select {
		case n := <-l.pql.Notify:
			// pq delivers nil after a reconnect to signal a gap; the
			// safety sweep covers anything missed during the gap.
			if n == nil {
				continue
			}
			select {
			case l.notifyCh <- n.Extra:
			default:
				logger := log.WithComponent("realtime")
				logger.Warn().
					Str("command_id", n.Extra).
					Msg("Notification buffer full, relying on pull path")
			}
		case <-watchdog.C:
			if !l.Healthy() {
				l.markDegraded()
			}
		case <-l.stopCh:
			return
		}
	}
}

func (l *Listener) setConfirmed(ok bool) {
	l.mu.Lock()
	wasDegraded := l.degraded
	l.confirmed = ok
	if ok {
		l.degraded = false
	}
	l.mu.Unlock()

	if ok {
		metrics.RealtimeDegraded.Set(0)
		if wasDegraded && l.broker != nil {
			l.broker.Publish(&events.Event{
				Type:    events.EventRealtimeRecovered,
				Message: "Realtime subscription confirmed",
			})
		}
	}
}

func (l *Listener) markDegraded() {
	l.mu.Lock()
	already := l.degraded
	l.degraded = true
	l.mu.Unlock()
	if already {
		return
	}

	metrics.RealtimeDegraded.Set(1)
	logger := log.WithComponent("realtime")
	logger.Warn().
		Dur("watchdog", l.watchdog).
		Msg("Realtime subscription not confirmed, push path degraded")
	if l.broker != nil {
		l.broker.Publish(&events.Event{
			Type:    events.EventRealtimeDegraded,
			Message: "Realtime subscription not confirmed within watchdog",
		})
	}
}
