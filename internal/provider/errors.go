package provider

import "fmt"

// ResolvePackageError 获取 pack 下的 action 失败
type ResolvePackageError struct {
	Pack string
	Err  error
}

func (e *ResolvePackageError) Error() string {
	return fmt.Sprintf("[%v] Resolve pack %s error", e.Err, e.Pack)
}

func (e *ResolvePackageError) Unwrap() error {
	return e.Err
}

// InitProviderError 后端或审批人来源不可用
type InitProviderError struct {
	Name string
	Err  error
}

func (e *InitProviderError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("provider %s is not available", e.Name)
	}
	return fmt.Sprintf("[%v] init provider %s error", e.Err, e.Name)
}

func (e *InitProviderError) Unwrap() error {
	return e.Err
}

// ActionResolveError 获取 action 定义失败
type ActionResolveError struct {
	ActionID string
	Err      error
}

func (e *ActionResolveError) Error() string {
	return fmt.Sprintf("[%v] Resolve action %s error", e.Err, e.ActionID)
}

func (e *ActionResolveError) Unwrap() error {
	return e.Err
}
