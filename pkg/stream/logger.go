package stream

import (
	"github.com/twmb/franz-go/pkg/kgo"
	"k8s.io/klog/v2"
)

// klogLogger routes franz-go client logs into klog.
type klogLogger struct {
	component string
}

// NewKlogLogger returns a kgo.Logger that tags every line with component.
func NewKlogLogger(component string) kgo.Logger {
	return &klogLogger{component: component}
}

// Level reports the most verbose level klog is currently configured to emit.
func (l *klogLogger) Level() kgo.LogLevel {
	switch {
	case klog.V(5).Enabled():
		return kgo.LogLevelDebug
	case klog.V(2).Enabled():
		return kgo.LogLevelInfo
	default:
		return kgo.LogLevelWarn
	}
}

func (l *klogLogger) Log(level kgo.LogLevel, msg string, keyvals ...any) {
	keyvals = append([]any{"component", l.component}, keyvals...)
	switch level {
	case kgo.LogLevelError:
		klog.ErrorS(nil, msg, keyvals...)
	case kgo.LogLevelWarn:
		klog.InfoS(msg, keyvals...)
	case kgo.LogLevelInfo:
		klog.V(2).InfoS(msg, keyvals...)
	case kgo.LogLevelDebug:
		klog.V(5).InfoS(msg, keyvals...)
	}
}
