package util

// 上下文键
const (
	ContextUserKey = "user"
)
