package store

import (
	"context"
	"log"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// EtcdLocker 多个协调器进程共享同一个 Etcd 时使用。
// 所有操作竞争同一把机群锁，不区分实体 key。
// 同一 session 下的 etcd Mutex 是可重入的，所以进程内再套一把 sync.Mutex。
type EtcdLocker struct {
	local   sync.Mutex
	session *concurrency.Session
	key     string
}

// NewEtcdLocker ttl 是 session 租约秒数，进程挂掉后锁最多保留这么久
func NewEtcdLocker(cli *clientv3.Client, prefix string, ttl int) (*EtcdLocker, error) {
	if ttl <= 0 {
		ttl = 10
	}
	session, err := concurrency.NewSession(cli, concurrency.WithTTL(ttl))
	if err != nil {
		return nil, err
	}
	return &EtcdLocker{session: session, key: prefix + "locks/fleet"}, nil
}

func (l *EtcdLocker) Lock(ctx context.Context, keys ...string) (func(), error) {
	return l.LockAll(ctx)
}

func (l *EtcdLocker) LockAll(ctx context.Context) (func(), error) {
	l.local.Lock()
	m := concurrency.NewMutex(l.session, l.key)
	if err := m.Lock(ctx); err != nil {
		l.local.Unlock()
		return nil, err
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.Unlock(ctx); err != nil {
			log.Printf("[Etcd] Failed to release fleet lock: %v", err)
		}
		l.local.Unlock()
	}, nil
}

// Close 释放 session，持有的锁随租约一起失效
func (l *EtcdLocker) Close() error {
	return l.session.Close()
}
