package relayq

import (
	"context"

	"github.com/sirupsen/logrus"
)

// LogrusLogger 适配 github.com/sirupsen/logrus 以满足 Logger 接口，输出 JSON 结构化日志。
type LogrusLogger struct{ L *logrus.Logger }

// NewLogrusLogger 创建指定级别的 logrus Logger；级别非法时回退 info。
func NewLogrusLogger(level string) LogrusLogger {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return LogrusLogger{L: l}
}

func (l LogrusLogger) Info(ctx context.Context, msg string, kv ...interface{}) {
	l.L.WithFields(kvFields(kv)).Info(msg)
}
func (l LogrusLogger) Warn(ctx context.Context, msg string, kv ...interface{}) {
	l.L.WithFields(kvFields(kv)).Warn(msg)
}
func (l LogrusLogger) Error(ctx context.Context, msg string, kv ...interface{}) {
	l.L.WithFields(kvFields(kv)).Error(msg)
}

// kvFields 将成对的 kv 列表转换为 logrus.Fields；落单的尾项忽略。
func kvFields(kv []interface{}) logrus.Fields {
	f := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		f[k] = kv[i+1]
	}
	return f
}
