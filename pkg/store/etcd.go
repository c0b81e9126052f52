package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// 定义 Key 的前缀 (Schema Design)
//
//	<prefix><collection>/docs/<id>                  -> 文档 JSON
//	<prefix><collection>/unique/<field>/<value>     -> 文档 id
const DefaultKeyPrefix = "/discosat/"

// maxCASRetries 单文档 compare-and-swap 冲突时的重试上限
const maxCASRetries = 16

type EtcdStore struct {
	client     *clientv3.Client
	prefix     string
	ownsClient bool
}

// NewEtcdStore 初始化 Etcd 连接
func NewEtcdStore(endpoints []string, prefix string, dialTimeout time.Duration) (*EtcdStore, error) {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, err
	}
	s := NewEtcdStoreFromClient(cli, prefix)
	s.ownsClient = true
	return s, nil
}

// NewEtcdStoreFromClient 复用已有的客户端，Close 时不会关闭它
func NewEtcdStoreFromClient(cli *clientv3.Client, prefix string) *EtcdStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &EtcdStore{client: cli, prefix: prefix}
}

// Client 暴露底层客户端 (分布式锁需要)
func (e *EtcdStore) Client() *clientv3.Client { return e.client }

// Prefix 所有 key 的公共前缀
func (e *EtcdStore) Prefix() string { return e.prefix }

func (e *EtcdStore) Collection(spec CollectionSpec) Collection {
	base := e.prefix + spec.Name + "/"
	return &etcdCollection{
		client:       e.client,
		spec:         spec,
		docPrefix:    base + "docs/",
		uniquePrefix: base + "unique/",
	}
}

func (e *EtcdStore) Close() error {
	if e.ownsClient {
		return e.client.Close()
	}
	return nil
}

type etcdCollection struct {
	client       *clientv3.Client
	spec         CollectionSpec
	docPrefix    string
	uniquePrefix string
}

// storedDoc 文档以及读取时的版本号，用于 CAS
type storedDoc struct {
	key string
	rev int64
	doc Doc
}

func (c *etcdCollection) docKey(id string) string { return c.docPrefix + id }

func (c *etcdCollection) uniqueKey(field string, v any) string {
	return fmt.Sprintf("%s%s/%v", c.uniquePrefix, field, v)
}

// uniqueKeys 文档上所有唯一字段对应的索引 key
func (c *etcdCollection) uniqueKeys(d Doc) []string {
	keys := make([]string, 0, len(c.spec.Unique))
	for _, f := range c.spec.Unique {
		if v, ok := d[f]; ok && v != nil {
			keys = append(keys, c.uniqueKey(f, v))
		}
	}
	return keys
}

func (c *etcdCollection) decode(kv []byte) (Doc, error) {
	var d Doc
	if err := json.Unmarshal(kv, &d); err != nil {
		return nil, err
	}
	return d, nil
}

// list 按创建顺序取出集合中的全部文档
func (c *etcdCollection) list(ctx context.Context) ([]storedDoc, error) {
	resp, err := c.client.Get(ctx, c.docPrefix,
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByCreateRevision, clientv3.SortAscend))
	if err != nil {
		return nil, err
	}
	docs := make([]storedDoc, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		d, err := c.decode(kv.Value)
		if err != nil {
			log.Printf("[Etcd] Failed to unmarshal %s: %v", kv.Key, err)
			continue
		}
		docs = append(docs, storedDoc{key: string(kv.Key), rev: kv.ModRevision, doc: d})
	}
	return docs, nil
}

// get 读取单个 key，不存在时 ok 为 false
func (c *etcdCollection) get(ctx context.Context, key string) (storedDoc, bool, error) {
	resp, err := c.client.Get(ctx, key)
	if err != nil {
		return storedDoc{}, false, err
	}
	if len(resp.Kvs) == 0 {
		return storedDoc{}, false, nil
	}
	kv := resp.Kvs[0]
	d, err := c.decode(kv.Value)
	if err != nil {
		return storedDoc{}, false, err
	}
	return storedDoc{key: key, rev: kv.ModRevision, doc: d}, true, nil
}

// matching 取出满足条件的文档，有 id 条件时直接按 key 读
func (c *etcdCollection) matching(ctx context.Context, f Filter) ([]storedDoc, error) {
	if id, ok := f.idOf(); ok {
		sd, found, err := c.get(ctx, c.docKey(id))
		if err != nil || !found || !f.Match(sd.doc) {
			return nil, err
		}
		return []storedDoc{sd}, nil
	}
	all, err := c.list(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, sd := range all {
		if f.Match(sd.doc) {
			out = append(out, sd)
		}
	}
	return out, nil
}

func (c *etcdCollection) FindOne(ctx context.Context, f Filter) (Doc, error) {
	docs, err := c.matching(ctx, f)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrNoDocument
	}
	return docs[0].doc, nil
}

func (c *etcdCollection) FindMany(ctx context.Context, f Filter, sorts ...Sort) ([]Doc, error) {
	docs, err := c.matching(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]Doc, 0, len(docs))
	for _, sd := range docs {
		out = append(out, sd.doc)
	}
	sortDocs(out, sorts)
	return out, nil
}

// InsertOne 文档 key 和唯一索引 key 在同一个 Txn 里创建，任一已存在则整体失败
func (c *etcdCollection) InsertOne(ctx context.Context, d Doc) (string, error) {
	doc := cloneDoc(d)
	id, _ := doc[IDField].(string)
	if id == "" {
		id = uuid.NewString()
		doc[IDField] = id
	}
	bytes, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}

	key := c.docKey(id)
	cmps := []clientv3.Cmp{clientv3.Compare(clientv3.CreateRevision(key), "=", 0)}
	ops := []clientv3.Op{clientv3.OpPut(key, string(bytes))}
	for _, uk := range c.uniqueKeys(doc) {
		cmps = append(cmps, clientv3.Compare(clientv3.CreateRevision(uk), "=", 0))
		ops = append(ops, clientv3.OpPut(uk, id))
	}

	resp, err := c.client.Txn(ctx).If(cmps...).Then(ops...).Commit()
	if err != nil {
		return "", err
	}
	if !resp.Succeeded {
		return "", ErrDuplicate
	}
	return id, nil
}

func (c *etcdCollection) UpdateOne(ctx context.Context, f Filter, u Update) (UpdateResult, error) {
	return c.update(ctx, f, u, 1)
}

func (c *etcdCollection) UpdateMany(ctx context.Context, f Filter, u Update) (UpdateResult, error) {
	return c.update(ctx, f, u, -1)
}

func (c *etcdCollection) update(ctx context.Context, f Filter, u Update, limit int) (UpdateResult, error) {
	var res UpdateResult
	if err := u.checkImmutable(c.spec); err != nil {
		return res, err
	}
	docs, err := c.matching(ctx, f)
	if err != nil {
		return res, err
	}
	for _, sd := range docs {
		if limit >= 0 && res.Matched >= int64(limit) {
			break
		}
		matched, modified, err := c.updateDoc(ctx, sd, f, u)
		if err != nil {
			return res, err
		}
		if matched {
			res.Matched++
		}
		if modified {
			res.Modified++
		}
	}
	return res, nil
}

// updateDoc 对单个文档做 CAS：版本号没变才写入，否则重新读取并重新判断条件
func (c *etcdCollection) updateDoc(ctx context.Context, sd storedDoc, f Filter, u Update) (matched, modified bool, err error) {
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		next, changed, err := u.Apply(sd.doc)
		if err != nil {
			return true, false, err
		}
		if !changed {
			return true, false, nil
		}
		bytes, err := json.Marshal(next)
		if err != nil {
			return true, false, err
		}

		resp, err := c.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(sd.key), "=", sd.rev)).
			Then(clientv3.OpPut(sd.key, string(bytes))).
			Commit()
		if err != nil {
			return true, false, err
		}
		if resp.Succeeded {
			return true, true, nil
		}

		// 被别人改过了，重新读
		var found bool
		sd, found, err = c.get(ctx, sd.key)
		if err != nil {
			return false, false, err
		}
		if !found || !f.Match(sd.doc) {
			return false, false, nil
		}
	}
	return true, false, fmt.Errorf("store: too many conflicting writes on %s", sd.key)
}

func (c *etcdCollection) DeleteOne(ctx context.Context, f Filter) (Doc, error) {
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		docs, err := c.matching(ctx, f)
		if err != nil {
			return nil, err
		}
		if len(docs) == 0 {
			return nil, ErrNoDocument
		}
		ok, err := c.deleteDoc(ctx, docs[0])
		if err != nil {
			return nil, err
		}
		if ok {
			return docs[0].doc, nil
		}
	}
	return nil, fmt.Errorf("store: too many conflicting writes in %s", c.spec.Name)
}

func (c *etcdCollection) DeleteMany(ctx context.Context, f Filter) (int64, error) {
	docs, err := c.matching(ctx, f)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, sd := range docs {
		for attempt := 0; attempt < maxCASRetries; attempt++ {
			ok, err := c.deleteDoc(ctx, sd)
			if err != nil {
				return n, err
			}
			if ok {
				n++
				break
			}
			var found bool
			sd, found, err = c.get(ctx, sd.key)
			if err != nil {
				return n, err
			}
			if !found || !f.Match(sd.doc) {
				break
			}
		}
	}
	return n, nil
}

// deleteDoc 文档和它的唯一索引一起删除
func (c *etcdCollection) deleteDoc(ctx context.Context, sd storedDoc) (bool, error) {
	ops := []clientv3.Op{clientv3.OpDelete(sd.key)}
	for _, uk := range c.uniqueKeys(sd.doc) {
		ops = append(ops, clientv3.OpDelete(uk))
	}
	resp, err := c.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(sd.key), "=", sd.rev)).
		Then(ops...).
		Commit()
	if err != nil {
		return false, err
	}
	return resp.Succeeded, nil
}

// Watch 将 Etcd 的 Watch 转换为业务 Channel。
// 从调用时的版本号之后开始监听，返回之后的写入都不会漏掉。
func (c *etcdCollection) Watch(ctx context.Context) <-chan Event {
	eventChan := make(chan Event)

	opts := []clientv3.OpOption{clientv3.WithPrefix(), clientv3.WithPrevKV()}
	if resp, err := c.client.Get(ctx, c.docPrefix, clientv3.WithPrefix(), clientv3.WithCountOnly()); err == nil {
		opts = append(opts, clientv3.WithRev(resp.Header.Revision+1))
	}
	watchChan := c.client.Watch(ctx, c.docPrefix, opts...)

	go func() {
		defer close(eventChan)

		for watchResp := range watchChan {
			for _, ev := range watchResp.Events {
				out := Event{ID: strings.TrimPrefix(string(ev.Kv.Key), c.docPrefix)}
				switch ev.Type {
				case clientv3.EventTypePut:
					out.Type = EventPut
					d, err := c.decode(ev.Kv.Value)
					if err != nil {
						log.Printf("[Etcd] Failed to unmarshal %s: %v", ev.Kv.Key, err)
						continue
					}
					out.Doc = d
				case clientv3.EventTypeDelete:
					out.Type = EventDelete
					if ev.PrevKv != nil {
						out.Doc, _ = c.decode(ev.PrevKv.Value)
					}
				}

				select {
				case eventChan <- out:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return eventChan
}
