package httpapi

import "fmt"

// Result 遥测管理接口的响应信封，周期触发、待发计数、传感器配置共用
//
//	{"code":2000,"type":"success","message":"ok","result":{...}}
//	{"code":-1,"type":"error","message":"transmission cycle already in progress","result":null}
type Result[T any] struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
	Result  T      `json:"result"`
}

const (
	ResultSuccess = 2000
	ResultError   = -1
)

func Ok[T any](result T) Result[T] {
	return Result[T]{Code: ResultSuccess, Type: "success", Message: "ok", Result: result}
}

// Fail 错误信封；message 直接展示给运维，不包含内部错误细节
func Fail(message string) Result[any] {
	return Result[any]{Code: ResultError, Type: "error", Message: message}
}

func Failf(format string, args ...any) Result[any] {
	return Fail(fmt.Sprintf(format, args...))
}
