package actiontree

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/douban/helpdesk/internal/cache"
	"github.com/douban/helpdesk/internal/provider"
	"github.com/douban/helpdesk/internal/provider/providertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const treeYAML = `
- 功能导航
- - - 账号相关
    - - [创建账号, 创建 LDAP 账号, st2, helpdesk.create_account]
      - [重置密码, 重置 LDAP 密码, st2, helpdesk.reset_password]
  - - 数据库
    - - [申请权限, 申请数据库权限, airflow, db_grant]
  - [运维工具, 运维工具集, st2, ops.]
`

func newRegistry(t *testing.T) (*provider.Registry, *providertest.Fake) {
	t.Helper()
	fake := providertest.New()
	fake.AddAction("ops", "ops.restart", nil)
	fake.AddAction("ops", "ops.rollback", nil)
	reg := provider.NewRegistry()
	reg.Register(fake)
	return reg, fake
}

func buildTree(t *testing.T, c cache.Cache) (*Tree, *providertest.Fake) {
	t.Helper()
	var config []interface{}
	require.NoError(t, yaml.Unmarshal([]byte(treeYAML), &config))
	reg, fake := newRegistry(t)
	tree, err := Build(config, reg, c, time.Minute)
	require.NoError(t, err)
	return tree, fake
}

func TestBuildErrors(t *testing.T) {
	reg, _ := newRegistry(t)
	tests := []struct {
		name   string
		config []interface{}
	}{
		{"空配置", []interface{}{}},
		{"名称不是字符串", []interface{}{1, []interface{}{}}},
		{"叶子字段不足", []interface{}{"a", "b", "st2"}},
		{"子节点不是列表", []interface{}{"a", "b", "c", []interface{}{}, "d"}},
		{"子配置不是列表", []interface{}{"a", []interface{}{"x"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.config, reg, nil, time.Minute)
			assert.Error(t, err)
		})
	}
}

func TestFind(t *testing.T) {
	tree, _ := buildTree(t, nil)
	ctx := context.Background()

	tests := []struct {
		name   string
		target string
		want   string
	}{
		{"普通叶子", "helpdesk.reset_password", "重置密码"},
		{"其他后端", "db_grant", "申请权限"},
		{"pack 下的功能", "ops.rollback", "ops.rollback"},
		{"不存在", "nope", ""},
		{"空 target", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := tree.Find(ctx, tt.target)
			if tt.want == "" {
				assert.Nil(t, a)
				return
			}
			require.NotNil(t, a)
			assert.Equal(t, tt.want, a.Name)
		})
	}

	a := tree.Find(ctx, "db_grant")
	assert.Equal(t, "airflow", a.ProviderType)
	assert.Equal(t, "申请数据库权限", a.Description)
}

func TestFirstAndFindOrFirst(t *testing.T) {
	tree, _ := buildTree(t, nil)
	ctx := context.Background()

	first := tree.First(ctx)
	require.NotNil(t, first)
	assert.Equal(t, "helpdesk.create_account", first.TargetObject)
	assert.Equal(t, first, tree.FindOrFirst(ctx, ""))
	assert.Equal(t, "db_grant", tree.FindOrFirst(ctx, "db_grant").TargetObject)
	assert.Nil(t, tree.FindOrFirst(ctx, "nope"))
}

func TestPathTo(t *testing.T) {
	tree, _ := buildTree(t, nil)
	ctx := context.Background()
	assert.Equal(t, []string{"功能导航", "账号相关", "重置密码"}, tree.PathTo(ctx, "helpdesk.reset_password"))
	assert.Equal(t, []string{"功能导航", "运维工具", "ops.restart"}, tree.PathTo(ctx, "ops.restart"))
	assert.Nil(t, tree.PathTo(ctx, "nope"))
}

func TestTreeList(t *testing.T) {
	tree, _ := buildTree(t, nil)
	root := tree.TreeList(context.Background())

	assert.Equal(t, "功能导航", root.Name)
	assert.Equal(t, "0-功能导航", root.Key)
	require.Len(t, root.Children, 3)
	assert.Equal(t, "1-账号相关", root.Children[0].Key)
	require.Len(t, root.Children[0].Children, 2)
	leaf := root.Children[0].Children[0]
	require.NotNil(t, leaf.Action)
	assert.Equal(t, "helpdesk.create_account", leaf.Action.TargetObject)
	assert.Equal(t, "2-创建账号", leaf.Key)

	pack := root.Children[2]
	assert.Nil(t, pack.Action)
	assert.Len(t, pack.Children, 2)
}

func TestPackTTL(t *testing.T) {
	tree, fake := buildTree(t, nil)
	ctx := context.Background()
	now := time.Now()
	tree.now = func() time.Time { return now }

	require.NotNil(t, tree.Find(ctx, "ops.restart"))
	require.NotNil(t, tree.Find(ctx, "ops.rollback"))
	assert.Equal(t, 1, fake.PackCalls)
	size := tree.Len()

	// 未过期不会重新请求
	now = now.Add(30 * time.Second)
	tree.Find(ctx, "ops.restart")
	assert.Equal(t, 1, fake.PackCalls)

	// 过期后重新解析，空闲节点被复用
	fake.AddAction("ops", "ops.scale", nil)
	now = now.Add(time.Minute)
	require.NotNil(t, tree.Find(ctx, "ops.scale"))
	assert.Equal(t, 2, fake.PackCalls)
	assert.Equal(t, size+1, tree.Len())
	assert.Equal(t, size+1, len(tree.nodes))
}

func TestPackFailure(t *testing.T) {
	tree, fake := buildTree(t, nil)
	fake.PackErr = errors.New("st2 down")
	ctx := context.Background()

	assert.Nil(t, tree.Find(ctx, "ops.restart"))
	root := tree.TreeList(ctx)
	assert.Empty(t, root.Children[2].Children)
	// 其他节点不受影响
	assert.NotNil(t, tree.Find(ctx, "db_grant"))
}

func TestUnknownProvider(t *testing.T) {
	config := []interface{}{"root", []interface{}{
		[]interface{}{"missing", "desc", "jenkins", "jobs."},
	}}
	tree, err := Build(config, provider.NewRegistry(), nil, time.Minute)
	require.NoError(t, err)
	root := tree.TreeList(context.Background())
	require.Len(t, root.Children, 1)
	assert.Empty(t, root.Children[0].Children)
}

func TestPackSharedCache(t *testing.T) {
	c := cache.NewMemory(16)
	tree, fake := buildTree(t, c)
	ctx := context.Background()
	require.NotNil(t, tree.Find(ctx, "ops.restart"))

	// 另一个实例共享缓存，不再请求后端
	var config []interface{}
	require.NoError(t, yaml.Unmarshal([]byte(treeYAML), &config))
	reg := provider.NewRegistry()
	reg.Register(fake)
	other, err := Build(config, reg, c, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, other.Find(ctx, "ops.rollback"))
	assert.Equal(t, 1, fake.PackCalls)
}
