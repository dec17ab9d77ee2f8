package badgerstore

import "go.uber.org/zap"

// zapLogger routes badger's internal logs through zap.
type zapLogger struct {
	logger *zap.SugaredLogger
}

func (l *zapLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf(format, args...)
}

func (l *zapLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warnf(format, args...)
}

func (l *zapLogger) Infof(format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}

func (l *zapLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}
