// Package alert delivers important lifecycle events to an operator channel.
// Delivery is asynchronous and lossy under pressure; alerts must never block
// or fail the trading loop.
package alert

import (
	"context"
	"log"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

const defaultQueueSize = 128

type Manager struct {
	mode       string
	instanceID string
	notifier   Notifier
	queue      chan event
	stop       chan struct{}
	done       chan struct{}
	dropped    atomic.Uint64
}

type event struct {
	name   string
	fields map[string]string
	at     time.Time
}

func NewManager(mode, instanceID string, notifier Notifier) *Manager {
	if notifier == nil {
		return nil
	}
	m := &Manager{
		mode:       mode,
		instanceID: instanceID,
		notifier:   notifier,
		queue:      make(chan event, defaultQueueSize),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go m.loop()
	return m
}

// Important enqueues an alert. A full queue drops the alert and logs; the
// trading loop never waits on notification delivery.
func (m *Manager) Important(name string, fields map[string]string) {
	if m == nil {
		return
	}
	ev := event{
		name:   name,
		fields: cloneFields(fields),
		at:     time.Now().UTC(),
	}
	select {
	case m.queue <- ev:
	case <-m.stop:
	default:
		total := m.dropped.Add(1)
		log.Printf("level=WARN event=alert_dropped target_event=%q reason=queue_full dropped_total=%d",
			name, total)
	}
}

// Close drains queued alerts and stops the delivery loop.
func (m *Manager) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	select {
	case <-m.stop:
		return nil
	default:
	}
	close(m.stop)
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) loop() {
	defer close(m.done)
	for {
		select {
		case ev := <-m.queue:
			m.deliver(ev)
		case <-m.stop:
			for {
				select {
				case ev := <-m.queue:
					m.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) deliver(ev event) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := m.notifier.Notify(ctx, m.format(ev)); err != nil {
		log.Printf("level=ERROR event=alert_notify_failed target_event=%q err=%q", ev.name, err.Error())
	}
}

func (m *Manager) format(ev event) string {
	lines := []string{
		"[limit-trading] alert",
		"time: " + ev.at.Format(time.RFC3339),
		"mode: " + m.mode,
		"instance: " + m.instanceID,
		"event: " + ev.name,
	}
	keys := make([]string, 0, len(ev.fields))
	for k := range ev.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, k+": "+ev.fields[k])
	}
	return strings.Join(lines, "\n")
}

func cloneFields(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
