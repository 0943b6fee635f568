package eventbus

import (
	"fmt"
	"sync"
	"time"

	"polyclaw/internal/logger"
)

// Handler 处理单个事件。通过 Subscribe 注册的 handler 在发布者的 goroutine 上执行，不得阻塞。
type Handler func(Event)

// Bus 是按事件类型分发的进程内发布/订阅总线。
//
// 投递方式：
//   - Subscribe：handler 在 Publish 内同步执行。
//   - SubscribeAsync：事件进入订阅者自己的 mailbox，由订阅持有的 goroutine 执行 handler。
//   - SubscribeMailbox：事件入队，由调用方在自己的循环里 Drain。
//
// Publish 不会被慢消费者阻塞，也不会给存活的订阅者丢事件；同一生产者的事件按发布顺序到达。
type Bus struct {
	mu     sync.RWMutex
	subs   map[Type][]*Subscription
	nextID uint64
	closed bool
	nowFn  func() time.Time
}

func New() *Bus {
	return &Bus{
		subs:  make(map[Type][]*Subscription),
		nowFn: time.Now,
	}
}

// SetClock 替换无时间戳事件所用的时钟。
func (b *Bus) SetClock(nowFn func() time.Time) {
	if nowFn == nil {
		return
	}
	b.mu.Lock()
	b.nowFn = nowFn
	b.mu.Unlock()
}

type deliveryMode int

const (
	modeSync deliveryMode = iota
	modeAsync
	modeMailbox
)

// Subscription 是 Subscribe 系列返回的句柄。
type Subscription struct {
	id      uint64
	topic   Type
	mode    deliveryMode
	handler Handler
	mailbox *Mailbox
	bus     *Bus
	done    chan struct{}
	once    sync.Once
}

func (s *Subscription) Topic() Type { return s.topic }

// Mailbox is non-nil for SubscribeMailbox subscriptions.
func (s *Subscription) Mailbox() *Mailbox { return s.mailbox }

// Done is closed once the subscription has stopped delivering.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close 注销订阅。异步订阅在 Done 关闭前仍会投递 Close 之前已入队的事件。
func (s *Subscription) Close() {
	s.once.Do(func() {
		if s.bus != nil {
			s.bus.remove(s)
		}
		switch s.mode {
		case modeSync:
			close(s.done)
		case modeAsync, modeMailbox:
			s.mailbox.Close()
			if s.mode == modeMailbox {
				close(s.done)
			}
		}
	})
}

func (b *Bus) Subscribe(topic Type, handler Handler) (*Subscription, error) {
	return b.add(topic, modeSync, handler)
}

func (b *Bus) SubscribeAsync(topic Type, handler Handler) (*Subscription, error) {
	sub, err := b.add(topic, modeAsync, handler)
	if err != nil {
		return nil, err
	}
	go sub.pump()
	return sub, nil
}

func (b *Bus) SubscribeMailbox(topic Type) (*Subscription, error) {
	return b.add(topic, modeMailbox, nil)
}

func (b *Bus) add(topic Type, mode deliveryMode, handler Handler) (*Subscription, error) {
	if topic == "" {
		return nil, fmt.Errorf("eventbus: empty topic")
	}
	if mode != modeMailbox && handler == nil {
		return nil, fmt.Errorf("eventbus: nil handler for %s", topic)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	b.nextID++
	sub := &Subscription{
		id:      b.nextID,
		topic:   topic,
		mode:    mode,
		handler: handler,
		bus:     b,
		done:    make(chan struct{}),
	}
	if mode != modeSync {
		sub.mailbox = newMailbox()
	}
	b.subs[topic] = append(b.subs[topic], sub)
	return sub, nil
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[sub.topic]
	for i, s := range list {
		if s.id != sub.id {
			continue
		}
		next := make([]*Subscription, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(b.subs, sub.topic)
		} else {
			b.subs[sub.topic] = next
		}
		return
	}
}

// Publish 先投递给该类型的订阅者，再投递给通配订阅者。Timestamp 为零时用总线时钟补上。
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = b.nowFn()
	}
	targets := make([]*Subscription, 0, len(b.subs[evt.Type])+len(b.subs[Wildcard]))
	targets = append(targets, b.subs[evt.Type]...)
	if evt.Type != Wildcard {
		targets = append(targets, b.subs[Wildcard]...)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		sub.deliver(evt)
	}
}

// Emit is a shorthand for Publish with the bus clock.
func (b *Bus) Emit(t Type, data any) {
	b.Publish(Event{Type: t, Data: data})
}

// SubscriberCount returns the number of live subscriptions for topic.
func (b *Bus) SubscriberCount(topic Type) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Close 丢弃全部订阅，之后的 Publish 被忽略。
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*Subscription
	for _, list := range b.subs {
		all = append(all, list...)
	}
	b.subs = make(map[Type][]*Subscription)
	b.mu.Unlock()
	for _, sub := range all {
		sub.Close()
	}
}

func (s *Subscription) deliver(evt Event) {
	switch s.mode {
	case modeSync:
		s.invoke(evt)
	default:
		s.mailbox.Push(evt)
	}
}

func (s *Subscription) invoke(evt Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("EventBus: handler for %s panicked on %s: %v", s.topic, evt.Type, r)
		}
	}()
	s.handler(evt)
}

// pump drains the mailbox on the subscription's own goroutine.
func (s *Subscription) pump() {
	defer close(s.done)
	for {
		<-s.mailbox.Ready()
		for _, evt := range s.mailbox.Drain() {
			s.invoke(evt)
		}
		if s.mailbox.Closed() {
			for _, evt := range s.mailbox.Drain() {
				s.invoke(evt)
			}
			return
		}
	}
}
