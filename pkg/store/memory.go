package store

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
)

// watchBuffer 每个监听者的通道容量，满了就丢事件
const watchBuffer = 64

// MemoryStore 进程内的文档存储，单元测试和单机调试用
type MemoryStore struct {
	mu    sync.Mutex
	colls map[string]*memCollection
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{colls: make(map[string]*memCollection)}
}

// Collection 同名集合只会创建一次
func (m *MemoryStore) Collection(spec CollectionSpec) Collection {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.colls[spec.Name]; ok {
		return c
	}
	c := &memCollection{
		spec:     spec,
		docs:     make(map[string]Doc),
		watchers: make(map[int]chan Event),
	}
	m.colls[spec.Name] = c
	return c
}

func (m *MemoryStore) Close() error { return nil }

type memCollection struct {
	spec CollectionSpec

	mu    sync.Mutex
	docs  map[string]Doc
	order []string // 插入顺序

	watchers    map[int]chan Event
	nextWatcher int
}

func (c *memCollection) FindOne(ctx context.Context, f Filter) (Doc, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range c.order {
		if d := c.docs[id]; f.Match(d) {
			return cloneDoc(d), nil
		}
	}
	return nil, ErrNoDocument
}

func (c *memCollection) FindMany(ctx context.Context, f Filter, sorts ...Sort) ([]Doc, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Doc, 0)
	for _, id := range c.order {
		if d := c.docs[id]; f.Match(d) {
			out = append(out, cloneDoc(d))
		}
	}
	sortDocs(out, sorts)
	return out, nil
}

func (c *memCollection) InsertOne(ctx context.Context, d Doc) (string, error) {
	doc := cloneDoc(d)
	id, _ := doc[IDField].(string)
	if id == "" {
		id = uuid.NewString()
		doc[IDField] = id
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.docs[id]; ok {
		return "", fmt.Errorf("%w: %s", ErrDuplicate, IDField)
	}
	for _, field := range c.spec.Unique {
		for _, other := range c.docs {
			if v, ok := doc[field]; ok && (Filter{Eq(field, v)}).Match(other) {
				return "", fmt.Errorf("%w: %s", ErrDuplicate, field)
			}
		}
	}
	c.docs[id] = doc
	c.order = append(c.order, id)
	c.notify(Event{Type: EventPut, ID: id, Doc: doc})
	return id, nil
}

func (c *memCollection) UpdateOne(ctx context.Context, f Filter, u Update) (UpdateResult, error) {
	return c.update(f, u, 1)
}

func (c *memCollection) UpdateMany(ctx context.Context, f Filter, u Update) (UpdateResult, error) {
	return c.update(f, u, -1)
}

// update limit < 0 表示不限数量
func (c *memCollection) update(f Filter, u Update, limit int) (UpdateResult, error) {
	var res UpdateResult
	if err := u.checkImmutable(c.spec); err != nil {
		return res, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range c.order {
		if limit >= 0 && res.Matched >= int64(limit) {
			break
		}
		d := c.docs[id]
		if !f.Match(d) {
			continue
		}
		res.Matched++
		next, changed, err := u.Apply(d)
		if err != nil {
			return res, err
		}
		if !changed {
			continue
		}
		c.docs[id] = next
		res.Modified++
		c.notify(Event{Type: EventPut, ID: id, Doc: next})
	}
	return res, nil
}

func (c *memCollection) DeleteOne(ctx context.Context, f Filter) (Doc, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, id := range c.order {
		d := c.docs[id]
		if !f.Match(d) {
			continue
		}
		c.removeAt(i, id)
		c.notify(Event{Type: EventDelete, ID: id, Doc: d})
		return cloneDoc(d), nil
	}
	return nil, ErrNoDocument
}

func (c *memCollection) DeleteMany(ctx context.Context, f Filter) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int64
	for i := 0; i < len(c.order); {
		id := c.order[i]
		d := c.docs[id]
		if !f.Match(d) {
			i++
			continue
		}
		c.removeAt(i, id)
		c.notify(Event{Type: EventDelete, ID: id, Doc: d})
		n++
	}
	return n, nil
}

func (c *memCollection) removeAt(i int, id string) {
	delete(c.docs, id)
	c.order = append(c.order[:i], c.order[i+1:]...)
}

func (c *memCollection) Watch(ctx context.Context) <-chan Event {
	ch := make(chan Event, watchBuffer)

	c.mu.Lock()
	key := c.nextWatcher
	c.nextWatcher++
	c.watchers[key] = ch
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		delete(c.watchers, key)
		c.mu.Unlock()
		close(ch)
	}()
	return ch
}

// notify 调用方持有 c.mu
func (c *memCollection) notify(ev Event) {
	for _, ch := range c.watchers {
		select {
		case ch <- Event{Type: ev.Type, ID: ev.ID, Doc: cloneDoc(ev.Doc)}:
		default:
			log.Printf("[Memory] Watcher on %s is full, dropping event for %s", c.spec.Name, ev.ID)
		}
	}
}
