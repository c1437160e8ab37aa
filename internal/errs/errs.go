// errs.go - 错误构造与类别判定
//
// forge 的所有失败都以显式返回值传播，不使用 panic 控制流。
// 每个错误携带一个错误码（J 开头）和一个类别哨兵，
// 调用方既可以用 errors.Is 匹配类别，也可以按错误码精确匹配。

package errs

import (
	"errors"
	"fmt"
)

// 类别哨兵错误
// 通过 %w 包装进具体错误，供 errors.Is 使用
var (
	ErrConfiguration = errors.New("configuration error")
	ErrGraph         = errors.New("graph error")
	ErrAllocation    = errors.New("allocation error")
	ErrEncoding      = errors.New("encoding error")
	ErrRuntime       = errors.New("runtime error")
)

// Error forge 错误
type Error struct {
	Code     string   // 错误码 (J0100 等)
	Category Category // 类别
	Message  string   // 描述
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Category, e.Message)
}

// Unwrap 返回类别哨兵，使 errors.Is(err, ErrXxx) 成立
func (e *Error) Unwrap() error {
	switch e.Category {
	case CatConfiguration:
		return ErrConfiguration
	case CatGraph:
		return ErrGraph
	case CatAllocation:
		return ErrAllocation
	case CatEncoding:
		return ErrEncoding
	case CatRuntime:
		return ErrRuntime
	default:
		return nil
	}
}

// New 创建指定类别的错误
func New(cat Category, code, format string, args ...interface{}) error {
	return &Error{
		Code:     code,
		Category: cat,
		Message:  fmt.Sprintf(format, args...),
	}
}

// Configf 配置错误
func Configf(code, format string, args ...interface{}) error {
	return New(CatConfiguration, code, format, args...)
}

// Graphf 图结构错误
func Graphf(code, format string, args ...interface{}) error {
	return New(CatGraph, code, format, args...)
}

// Allocf 分配错误
func Allocf(code, format string, args ...interface{}) error {
	return New(CatAllocation, code, format, args...)
}

// Encodef 编码错误
func Encodef(code, format string, args ...interface{}) error {
	return New(CatEncoding, code, format, args...)
}

// Runtimef 运行时错误
func Runtimef(code, format string, args ...interface{}) error {
	return New(CatRuntime, code, format, args...)
}

// CodeOf 提取错误码
// 非 forge 错误返回空字符串
func CodeOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}
