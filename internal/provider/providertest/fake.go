// Package providertest 提供用于测试的内存执行后端
package providertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/douban/helpdesk/internal/provider"
)

// Fake 内存执行后端，记录每次调用
type Fake struct {
	Name     string
	Pack     string
	Packs    map[string][]provider.ActionInfo
	Schemas  map[string]*provider.ActionSchema
	ExecErr  error
	PackErr  error
	Statuses map[string]string

	mu           sync.Mutex
	SchemaCalls  int
	PackCalls    int
	Executions   []Execution
	nextExecID   int
}

// Execution 一次 ExecTicket 调用
type Execution struct {
	ActionID string
	Params   map[string]interface{}
}

// New 创建 Fake，默认类型为 st2
func New() *Fake {
	return &Fake{
		Name:     provider.TypeST2,
		Pack:     "helpdesk",
		Packs:    map[string][]provider.ActionInfo{},
		Schemas:  map[string]*provider.ActionSchema{},
		Statuses: map[string]string{},
	}
}

// AddAction 注册一个 action 及其参数
func (f *Fake) AddAction(pack, id string, params map[string]provider.Param) {
	info := provider.ActionInfo{ID: id, Name: id, Pack: pack, Description: id, Enabled: true}
	f.Packs[pack] = append(f.Packs[pack], info)
	if params == nil {
		params = map[string]provider.Param{}
	}
	f.Schemas[id] = &provider.ActionSchema{ActionInfo: info, Parameters: params}
}

func (f *Fake) Type() string        { return f.Name }
func (f *Fake) DefaultPack() string { return f.Pack }

func (f *Fake) ActionsInfo(_ context.Context, pack string) ([]provider.ActionInfo, error) {
	f.mu.Lock()
	f.PackCalls++
	f.mu.Unlock()
	if f.PackErr != nil {
		return nil, &provider.ResolvePackageError{Pack: pack, Err: f.PackErr}
	}
	if pack == "" {
		pack = f.Pack
	}
	return f.Packs[pack], nil
}

func (f *Fake) ActionSchema(_ context.Context, actionID string) (*provider.ActionSchema, error) {
	f.mu.Lock()
	f.SchemaCalls++
	f.mu.Unlock()
	return f.Schemas[actionID], nil
}

func (f *Fake) ExecTicket(_ context.Context, actionID string, params map[string]interface{}) (*provider.ExecutionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Executions = append(f.Executions, Execution{ActionID: actionID, Params: params})
	if f.ExecErr != nil {
		return nil, f.ExecErr
	}
	f.nextExecID++
	id := fmt.Sprintf("exec-%d", f.nextExecID)
	return &provider.ExecutionInfo{ID: id, Provider: f.Name, ResultURL: "http://runner/" + id}, nil
}

func (f *Fake) ExecAnnotation(info *provider.ExecutionInfo) map[string]interface{} {
	return provider.BuildAnnotation(info)
}

func (f *Fake) ExecResult(_ context.Context, annotation map[string]interface{}) (*provider.ExecutionResult, error) {
	id := provider.AnnotationID(annotation)
	status := f.Statuses[id]
	if status == "" {
		status = provider.StatusRunning
	}
	return &provider.ExecutionResult{ID: id, Status: status}, nil
}

func (f *Fake) ExecLog(_ context.Context, q provider.LogQuery) (*provider.TaskLog, error) {
	return &provider.TaskLog{Message: q.ExecutionID + "/" + q.Task}, nil
}

// ExecCount 已执行次数
func (f *Fake) ExecCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Executions)
}
