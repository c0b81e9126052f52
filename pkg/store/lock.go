package store

import (
	"context"
	"sort"
	"sync"
)

// NopLocker 不做任何串行化，多文档操作之间 last-writer-wins
type NopLocker struct{}

func (NopLocker) Lock(ctx context.Context, keys ...string) (func(), error) { return func() {}, nil }
func (NopLocker) LockAll(ctx context.Context) (func(), error) { return func() {}, nil }

// KeyedLocker 进程内按实体 key 加锁。
// Lock 持有机群读锁 + 每个 key 的互斥锁；LockAll 持有机群写锁。
// key 排序后依次加锁，避免两个操作交叉等待。
type KeyedLocker struct {
	fleet sync.RWMutex

	mu   sync.Mutex
	keys map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{keys: make(map[string]*keyLock)}
}

func (l *KeyedLocker) Lock(ctx context.Context, keys ...string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keys = sortedUnique(keys)

	l.fleet.RLock()
	held := make([]*keyLock, 0, len(keys))
	for _, k := range keys {
		kl := l.acquire(k)
		kl.mu.Lock()
		held = append(held, kl)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
			l.release(keys[i])
		}
		l.fleet.RUnlock()
	}, nil
}

func (l *KeyedLocker) LockAll(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.fleet.Lock()
	return l.fleet.Unlock, nil
}

// acquire 取得 key 对应的锁对象并增加引用计数
func (l *KeyedLocker) acquire(key string) *keyLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl, ok := l.keys[key]
	if !ok {
		kl = &keyLock{}
		l.keys[key] = kl
	}
	kl.refs++
	return kl
}

// release 引用计数归零时删除，map 不会无限增长
func (l *KeyedLocker) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl := l.keys[key]
	kl.refs--
	if kl.refs == 0 {
		delete(l.keys, key)
	}
}

func sortedUnique(keys []string) []string {
	out := append([]string(nil), keys...)
	sort.Strings(out)
	n := 0
	for i, k := range out {
		if i > 0 && k == out[n-1] {
			continue
		}
		out[n] = k
		n++
	}
	return out[:n]
}
