// Package actiontree 功能导航树
//
// 节点保存在一个 slice 里，通过下标互相引用。pack 节点的子节点来自执行后端，
// 超过 TTL 后访问会重新拉取，拉取失败时子节点为空。
package actiontree

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/douban/helpdesk/internal/cache"
	"github.com/douban/helpdesk/internal/provider"
	"github.com/douban/helpdesk/pkg/logger"
	"github.com/douban/helpdesk/pkg/metrics"
	"github.com/douban/helpdesk/pkg/report"
)

// packSeparator 叶子的 target 以它结尾时表示整个 pack
const packSeparator = "."

const noParent = -1

// Action 导航树上的一个可执行功能
type Action struct {
	Name         string `json:"name"`
	Description  string `json:"desc"`
	TargetObject string `json:"target_object"`
	ProviderType string `json:"provider_type"`
}

// Item TreeList 返回的节点
type Item struct {
	Name     string  `json:"name"`
	Key      string  `json:"key"`
	Action   *Action `json:"action,omitempty"`
	Children []Item  `json:"children"`
}

// ProviderGetter 按类型获取执行后端
type ProviderGetter interface {
	Get(providerType string) (provider.Provider, error)
}

type packRef struct {
	name         string
	providerType string
	pack         string
	resolvedAt   time.Time
}

type node struct {
	parent   int
	name     string
	level    int
	children []int
	action   *Action
	pack     *packRef
	free     bool
}

// Tree 功能导航树
type Tree struct {
	mu    sync.RWMutex
	nodes []node
	free  []int

	providers ProviderGetter
	cache     cache.Cache
	ttl       time.Duration
	now       func() time.Time
}

// Build 根据配置构建导航树
//
// 配置格式：
//
//	[name, [subconfig, ...]]           目录
//	[name, desc, provider, target]     功能，target 以 "." 结尾时表示 pack
func Build(config []interface{}, providers ProviderGetter, c cache.Cache, packTTL time.Duration) (*Tree, error) {
	t := &Tree{
		providers: providers,
		cache:     c,
		ttl:       packTTL,
		now:       time.Now,
	}
	if _, err := t.build(config, noParent, 0); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tree) alloc(n node) int {
	if l := len(t.free); l > 0 {
		id := t.free[l-1]
		t.free = t.free[:l-1]
		t.nodes[id] = n
		return id
	}
	t.nodes = append(t.nodes, n)
	return len(t.nodes) - 1
}

func (t *Tree) release(id int) {
	for _, c := range t.nodes[id].children {
		t.release(c)
	}
	t.nodes[id] = node{free: true}
	t.free = append(t.free, id)
}

func (t *Tree) build(config []interface{}, parent, level int) (int, error) {
	if len(config) == 0 {
		return 0, fmt.Errorf("action tree: empty node config at level %d", level)
	}
	name, ok := config[0].(string)
	if !ok {
		return 0, fmt.Errorf("action tree: node name must be a string, got %T", config[0])
	}

	if strs, ok := allStrings(config); ok {
		if len(strs) != 4 {
			return 0, fmt.Errorf("action tree: leaf %q expects [name, desc, provider, target], got %d fields", name, len(strs))
		}
		n := node{parent: parent, name: name, level: level}
		target := strs[3]
		if strings.HasSuffix(target, packSeparator) {
			n.pack = &packRef{name: name, providerType: strs[2], pack: strings.TrimSuffix(target, packSeparator)}
		} else {
			n.action = &Action{Name: name, Description: strs[1], ProviderType: strs[2], TargetObject: target}
		}
		return t.alloc(n), nil
	}

	if len(config) != 2 {
		return 0, fmt.Errorf("action tree: node %q expects [name, [children...]]", name)
	}
	subs, ok := config[1].([]interface{})
	if !ok {
		return 0, fmt.Errorf("action tree: children of %q must be a list, got %T", name, config[1])
	}
	id := t.alloc(node{parent: parent, name: name, level: level})
	for _, sub := range subs {
		subConfig, ok := sub.([]interface{})
		if !ok {
			return 0, fmt.Errorf("action tree: child of %q must be a list, got %T", name, sub)
		}
		child, err := t.build(subConfig, id, level+1)
		if err != nil {
			return 0, err
		}
		t.nodes[id].children = append(t.nodes[id].children, child)
	}
	return id, nil
}

func allStrings(config []interface{}) ([]string, bool) {
	out := make([]string, len(config))
	for i, c := range config {
		s, ok := c.(string)
		if !ok {
			return nil, false
		}
		out[i] = s
	}
	return out, true
}

// refresh 重新解析过期的 pack 节点，请求后端时不持有锁
func (t *Tree) refresh(ctx context.Context) {
	t.mu.RLock()
	var expired []int
	now := t.now()
	for id, n := range t.nodes {
		if n.free || n.pack == nil {
			continue
		}
		if n.pack.resolvedAt.IsZero() || now.Sub(n.pack.resolvedAt) >= t.ttl {
			expired = append(expired, id)
		}
	}
	t.mu.RUnlock()

	for _, id := range expired {
		t.mu.RLock()
		ref := *t.nodes[id].pack
		t.mu.RUnlock()

		actions := t.resolvePack(ctx, ref)

		t.mu.Lock()
		n := &t.nodes[id]
		if n.free || n.pack == nil || n.pack.pack != ref.pack {
			t.mu.Unlock()
			continue
		}
		for _, c := range n.children {
			t.release(c)
		}
		t.nodes[id].children = nil
		level := t.nodes[id].level + 1
		for _, a := range actions {
			action := &Action{Name: a.Name, Description: a.Description, ProviderType: ref.providerType, TargetObject: a.ID}
			child := t.alloc(node{parent: id, name: a.Name, level: level, action: action})
			t.nodes[id].children = append(t.nodes[id].children, child)
		}
		t.nodes[id].pack.resolvedAt = t.now()
		t.mu.Unlock()
	}
}

// resolvePack 获取 pack 下的 action，失败时上报并返回空
func (t *Tree) resolvePack(ctx context.Context, ref packRef) []provider.ActionInfo {
	logger.Debugf("[ActionTree] resolve pack %s (%s:%s)", ref.name, ref.providerType, ref.pack)
	key := "pack:" + ref.providerType + ":" + ref.pack
	hit := true
	actions, err := cache.GetOrLoad(ctx, t.cache, key, t.ttl, func(ctx context.Context) ([]provider.ActionInfo, error) {
		hit = false
		p, err := t.providers.Get(ref.providerType)
		if err != nil {
			return nil, err
		}
		return p.ActionsInfo(ctx, ref.pack)
	})
	if hit {
		metrics.CacheRequestsTotal.WithLabelValues("pack", "hit").Inc()
	} else {
		metrics.CacheRequestsTotal.WithLabelValues("pack", "miss").Inc()
	}
	if err != nil {
		report.Error("action_tree", fmt.Errorf("resolve pack %s: %w", ref.name, err))
		return nil
	}
	return actions
}

// Find 查找 target 对应的功能，找不到返回 nil
func (t *Tree) Find(ctx context.Context, target string) *Action {
	if target == "" {
		return nil
	}
	t.refresh(ctx)
	t.mu.RLock()
	defer t.mu.RUnlock()
	if id := t.find(0, target); id >= 0 {
		a := *t.nodes[id].action
		return &a
	}
	return nil
}

func (t *Tree) find(id int, target string) int {
	n := t.nodes[id]
	if n.action != nil {
		if n.action.TargetObject == target {
			return id
		}
		return -1
	}
	for _, c := range n.children {
		if found := t.find(c, target); found >= 0 {
			return found
		}
	}
	return -1
}

// First 沿第一个子节点向下找到的功能，第一条路径上没有功能时返回 nil
func (t *Tree) First(ctx context.Context) *Action {
	t.refresh(ctx)
	t.mu.RLock()
	defer t.mu.RUnlock()
	id := 0
	for t.nodes[id].action == nil && len(t.nodes[id].children) > 0 {
		id = t.nodes[id].children[0]
	}
	if a := t.nodes[id].action; a != nil {
		cp := *a
		return &cp
	}
	return nil
}

// FindOrFirst target 为空时返回第一个功能
func (t *Tree) FindOrFirst(ctx context.Context, target string) *Action {
	if target == "" {
		return t.First(ctx)
	}
	return t.Find(ctx, target)
}

// PathTo 从根节点到 target 所在节点的名称
func (t *Tree) PathTo(ctx context.Context, target string) []string {
	if target == "" {
		return nil
	}
	t.refresh(ctx)
	t.mu.RLock()
	defer t.mu.RUnlock()
	id := t.find(0, target)
	if id < 0 {
		return nil
	}
	var path []string
	for ; id != noParent; id = t.nodes[id].parent {
		path = append([]string{t.nodes[id].name}, path...)
	}
	return path
}

// TreeList 整棵树，用于前端导航
func (t *Tree) TreeList(ctx context.Context) Item {
	t.refresh(ctx)
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.item(0)
}

func (t *Tree) item(id int) Item {
	n := t.nodes[id]
	it := Item{Name: n.name, Key: nodeKey(n.level, n.name), Children: []Item{}}
	if n.action != nil {
		a := *n.action
		it.Action = &a
		return it
	}
	for _, c := range n.children {
		it.Children = append(it.Children, t.item(c))
	}
	return it
}

func nodeKey(level int, name string) string {
	return fmt.Sprintf("%d-%s", level, name)
}

// Len 已使用的节点数
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes) - len(t.free)
}
