// Package logger 提供結構化日誌功能
package logger

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"
)

// contextKey 用於上下文的鍵類型
type contextKey string

const (
	// OperationKey 快取操作名稱的上下文鍵
	OperationKey contextKey = "operation"
	// ResourceKey 鎖資源名稱的上下文鍵
	ResourceKey contextKey = "resource"
)

// defaultLogger 預設日誌記錄器
var defaultLogger *slog.Logger

// Init 初始化日誌系統
func Init(level, format, outputPath string) error {
	logLevel := parseLevel(level)

	// 設置輸出
	var output *os.File
	switch outputPath {
	case "", "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		// #nosec G304 - outputPath 是從配置來的，非使用者直接輸入
		file, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return err
		}
		output = file
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// 自定義時間格式
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format("2006-01-02 15:04:05.000"))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	// 包裝處理器以添加上下文資訊
	handler = &contextHandler{Handler: handler}

	defaultLogger = slog.New(handler)
	slog.SetDefault(defaultLogger)

	return nil
}

// parseLevel 解析日誌級別
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// contextHandler 從上下文中提取資訊的處理器
type contextHandler struct {
	slog.Handler
}

// Handle 處理日誌記錄
func (h *contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if op, ok := ctx.Value(OperationKey).(string); ok && op != "" {
		r.AddAttrs(slog.String("operation", op))
	}

	if res, ok := ctx.Value(ResourceKey).(string); ok && res != "" {
		r.AddAttrs(slog.String("resource", res))
	}

	return h.Handler.Handle(ctx, r)
}

// WithOperation 添加操作名稱到上下文
func WithOperation(ctx context.Context, operation string) context.Context {
	return context.WithValue(ctx, OperationKey, operation)
}

// WithResource 添加資源名稱到上下文
func WithResource(ctx context.Context, resource string) context.Context {
	return context.WithValue(ctx, ResourceKey, resource)
}

// Default 返回預設日誌記錄器
func Default() *slog.Logger {
	if defaultLogger == nil {
		return slog.Default()
	}
	return defaultLogger
}

// Debug 記錄 Debug 級別日誌
func Debug(msg string, args ...any) {
	Default().Debug(msg, args...)
}

// Info 記錄 Info 級別日誌
func Info(msg string, args ...any) {
	Default().Info(msg, args...)
}

// Warn 記錄 Warn 級別日誌
func Warn(msg string, args ...any) {
	Default().Warn(msg, args...)
}

// Error 記錄 Error 級別日誌
func Error(msg string, args ...any) {
	Default().Error(msg, args...)
}
