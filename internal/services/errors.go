package services

import "errors"

// 操作错误分类。handler 总是先把操作置为 failed 再向上传播这些错误。
var (
	// ErrInvalidRequest 请求缺失/非法（如 ticket_id 为空），不重试
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNotFound 工单或必要上下文不存在，不重试
	ErrNotFound = errors.New("not found")
	// ErrValidation 模型输出未通过校验（枚举不匹配、格式错误等）
	ErrValidation = errors.New("model output validation failed")
	// ErrUpstream 补全服务调用失败
	ErrUpstream = errors.New("completion service failure")
	// ErrPersistence 模型调用成功后的落库失败
	ErrPersistence = errors.New("persistence failure")
	// ErrTimeout 操作超出配置的截止时间
	ErrTimeout = errors.New("operation timed out")
	// ErrDuplicateOperation 幂等键已有未完成的操作
	ErrDuplicateOperation = errors.New("operation with this idempotency key is already active")
	// ErrCircuitOpen 熔断器开启，补全调用被直接拒绝
	ErrCircuitOpen = errors.New("completion circuit breaker is open")
)
