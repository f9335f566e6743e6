package util

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeInvalidArgument  Code = "INVALID_ARGUMENT"
	CodeNotFound         Code = "NOT_FOUND"
	CodeConflict         Code = "CONFLICT"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeUnauthenticated  Code = "UNAUTHENTICATED"
	CodeUnavailable      Code = "UNAVAILABLE"
	CodeInternal         Code = "INTERNAL"
)

// AppError 带分类的业务错误，Cause 只用于日志，不返回给客户端
type AppError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

func NewError(code Code, message string) error {
	return &AppError{Code: code, Message: message}
}

func WrapError(code Code, message string, cause error) error {
	return &AppError{Code: code, Message: message, Cause: cause}
}

// Storage 包装存储层错误，属于可重试错误；已分类的错误原样返回
func Storage(op string, cause error) error {
	if cause == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(cause, &appErr) {
		return cause
	}
	return WrapError(CodeUnavailable, op+" failed", cause)
}

var (
	ErrInvalidIntent        = NewError(CodeInvalidArgument, "invalid status type")
	ErrInvalidDecision      = NewError(CodeInvalidArgument, "status not allowed")
	ErrInvalidID            = NewError(CodeInvalidArgument, "invalid id")
	ErrSelfRequest          = NewError(CodeInvalidArgument, "cannot send a connection request to yourself")
	ErrSelfConversation     = NewError(CodeInvalidArgument, "cannot open a chat with yourself")
	ErrEmptyContent         = NewError(CodeInvalidArgument, "message content is required")
	ErrContentTooLong       = NewError(CodeInvalidArgument, "message content is too long")
	ErrTargetNotFound       = NewError(CodeNotFound, "user not found")
	ErrRequestNotFound      = NewError(CodeNotFound, "connection request not found")
	ErrConnectionNotFound   = NewError(CodeNotFound, "connection not found")
	ErrConversationNotFound = NewError(CodeNotFound, "chat not found")
	ErrMessageNotFound      = NewError(CodeNotFound, "message not found")
	ErrAlreadyConnected     = NewError(CodeConflict, "connection already exists")
	ErrAlreadyRequested     = NewError(CodeConflict, "connection request already exists")
	ErrNotConnected         = NewError(CodePermissionDenied, "you can only chat with your connections")
	ErrNotParticipant       = NewError(CodePermissionDenied, "you are not a participant of this chat")
	ErrNotMessageSender     = NewError(CodePermissionDenied, "not authorized to modify this message")
	ErrUnauthenticated      = NewError(CodeUnauthenticated, "invalid token")
)

// CodeOf 提取错误分类，超时与取消视为存储不可用
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return CodeUnavailable
	}
	return CodeInternal
}

// PublicMessage 返回可以暴露给客户端的错误信息
func PublicMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	if CodeOf(err) == CodeUnavailable {
		return "storage temporarily unavailable"
	}
	return "internal server error"
}

// HTTPStatus 错误分类到 HTTP 状态码
func HTTPStatus(code Code) int {
	switch code {
	case CodeInvalidArgument, CodeConflict:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func Retryable(code Code) bool {
	return code == CodeUnavailable
}
