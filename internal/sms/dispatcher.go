package sms

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

const (
	defaultQueueSize   = 256
	defaultWorkers     = 4
	defaultSendTimeout = 15 * time.Second
)

type message struct {
	to   string
	code string
}

// Dispatcher queues codes and sends them from a fixed pool of workers.
// Dispatch never blocks: when the queue is full the message is dropped.
type Dispatcher struct {
	sender  Sender
	format  func(code string) string
	timeout time.Duration

	queue chan message
	wg    sync.WaitGroup
	once  sync.Once
}

// DispatcherOption customises a Dispatcher
type DispatcherOption func(*Dispatcher)

// WithTemplate sets the message text; format must contain one %s for the code
func WithTemplate(format string) DispatcherOption {
	return func(d *Dispatcher) {
		d.format = func(code string) string { return fmt.Sprintf(format, code) }
	}
}

// WithQueueSize sets the queue capacity
func WithQueueSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan message, n)
		}
	}
}

// NewDispatcher starts workers goroutines sending through sender
func NewDispatcher(sender Sender, workers int, opts ...DispatcherOption) *Dispatcher {
	if workers <= 0 {
		workers = defaultWorkers
	}
	d := &Dispatcher{
		sender:  sender,
		format:  func(code string) string { return "Your verification code: " + code },
		timeout: defaultSendTimeout,
		queue:   make(chan message, defaultQueueSize),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.work()
	}
	return d
}

// Dispatch enqueues the code for delivery to destination
func (d *Dispatcher) Dispatch(destination, code string) {
	select {
	case d.queue <- message{to: destination, code: code}:
	default:
		log.Printf("[sms] queue full, dropping message to %s", MaskPhone(destination))
	}
}

// Close stops accepting messages and waits for queued ones to be sent
func (d *Dispatcher) Close() {
	d.once.Do(func() { close(d.queue) })
	d.wg.Wait()
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for m := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		if err := d.sender.Send(ctx, m.to, d.format(m.code)); err != nil {
			log.Printf("[sms] delivery to %s failed: %v", MaskPhone(m.to), err)
		}
		cancel()
	}
}
