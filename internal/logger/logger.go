// Package logger はJSON構造化ログの設定を提供する。
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel はLOG_LEVEL形式の文字列をslog.Levelに変換する。未知の値はInfo。
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup はJSON構造化ログ出力のslog.Loggerを生成して返す。
// levelを省略した場合はInfo。
func Setup(w io.Writer, level ...slog.Level) *slog.Logger {
	lv := slog.LevelInfo
	if len(level) > 0 {
		lv = level[0]
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: lv,
	})
	return slog.New(handler).With(slog.String("service", "postcaster"))
}

// SetupDefault はJSON構造化ログ出力をグローバルロガーとして設定する。
// ログレベルは環境変数LOG_LEVELから読む。
// 本番ではos.Stdoutを渡すことを想定している。
func SetupDefault(w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	logger := Setup(w, ParseLevel(os.Getenv("LOG_LEVEL")))
	slog.SetDefault(logger)
	return logger
}
