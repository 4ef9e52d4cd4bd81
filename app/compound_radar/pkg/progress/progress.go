package progress

import (
	"sync"
	"time"

	"github.com/iWorld-y/compound_radar/app/compound_radar/pkg/model"
)

// Event 进度事件，每次阶段变化发布一次
type Event struct {
	ReportID   string      `json:"report_id"`
	CategoryID string      `json:"category_id,omitempty"`
	Stage      model.Stage `json:"stage,omitempty"`
	Status     string      `json:"status"`
	Progress   int         `json:"progress"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Sink 进度接收方，实现必须非阻塞
type Sink interface {
	Publish(e Event)
}

// Func 让普通回调函数满足 Sink
type Func func(e Event)

func (f Func) Publish(e Event) { f(e) }

// Nop 丢弃所有事件
type Nop struct{}

func (Nop) Publish(Event) {}

type subscriber struct {
	reportID string
	ch       chan Event
}

// Broker 将事件扇出给订阅者，缓冲区满时丢弃
type Broker struct {
	buffer int

	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	next   uint64
	closed bool
}

var _ Sink = (*Broker)(nil)

// NewBroker 创建 Broker，buffer 为每个订阅者的缓冲长度
func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broker{buffer: buffer, subs: make(map[uint64]*subscriber)}
}

// Subscribe 订阅某个报告的事件，reportID 为空时订阅全部；返回取消函数
func (b *Broker) Subscribe(reportID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = &subscriber{reportID: reportID, ch: ch}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if s, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
		})
	}
}

// Publish 非阻塞投递
func (b *Broker) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.reportID != "" && s.reportID != e.ReportID {
			continue
		}
		select {
		case s.ch <- e:
		default:
		}
	}
}

// Close 关闭所有订阅
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
}
