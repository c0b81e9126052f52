package store

import (
	"context"
	"errors"
)

// IDField 文档主键字段，由存储层分配
const IDField = "id"

var (
	ErrNoDocument     = errors.New("store: no document matched")
	ErrDuplicate      = errors.New("store: duplicate unique field")
	ErrImmutableField = errors.New("store: field is immutable")
	ErrBadPath        = errors.New("store: path does not address a document field")
)

// Doc 一个 JSON 文档。数字统一是 float64，数组统一是 []any
type Doc map[string]any

// CollectionSpec 集合的元信息。
// Unique 里的字段在插入时做唯一性检查，插入后不可修改 (和 id 一样)。
type CollectionSpec struct {
	Name   string
	Unique []string
}

// EventType 监听事件类型
type EventType int

const (
	EventPut EventType = iota // 创建和更新在 Etcd 里都是 Put
	EventDelete
)

// Event 集合中发生的一次文档变化。
// Delete 事件的 Doc 是删除前的内容 (拿不到时为 nil)
type Event struct {
	Type EventType
	ID   string
	Doc  Doc
}

// UpdateResult 对应 MongoDB 的 matchedCount / modifiedCount
type UpdateResult struct {
	Matched  int64
	Modified int64
}

// Collection 一组独立寻址的文档。
// 单个文档的写入是原子的；跨文档没有事务，调用方要自己处理中间状态。
type Collection interface {
	// FindOne 返回第一个匹配的文档，没有时返回 ErrNoDocument
	FindOne(ctx context.Context, f Filter) (Doc, error)

	// FindMany 返回全部匹配文档，默认按插入顺序
	FindMany(ctx context.Context, f Filter, sorts ...Sort) ([]Doc, error)

	// InsertOne 插入并返回分配的 id，唯一字段冲突时返回 ErrDuplicate
	InsertOne(ctx context.Context, d Doc) (string, error)

	UpdateOne(ctx context.Context, f Filter, u Update) (UpdateResult, error)
	UpdateMany(ctx context.Context, f Filter, u Update) (UpdateResult, error)

	// DeleteOne 删除第一个匹配的文档并返回它，没有时返回 ErrNoDocument
	DeleteOne(ctx context.Context, f Filter) (Doc, error)
	DeleteMany(ctx context.Context, f Filter) (int64, error)

	// Watch 监听集合变化，ctx 结束后通道关闭
	Watch(ctx context.Context) <-chan Event
}

// DocStore 文档存储。
// 任何实现了这个接口的 Struct (MemoryStore, EtcdStore) 都可以注入到协调器中
type DocStore interface {
	Collection(spec CollectionSpec) Collection
	Close() error
}

// Locker 串行化互相冲突的多文档操作。
// Lock 锁住若干实体 key (共享整个机群)；LockAll 独占整个机群。
type Locker interface {
	Lock(ctx context.Context, keys ...string) (unlock func(), err error)
	LockAll(ctx context.Context) (unlock func(), err error)
}
