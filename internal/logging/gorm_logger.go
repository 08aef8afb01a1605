package logger

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// slowQueryThreshold is the elapsed time past which a query is logged at WARN.
const slowQueryThreshold = 200 * time.Millisecond

// QueryLogger routes GORM's query tracing into zap, so the conditional
// set-once writes and ledger appends show up in the same log stream as the
// transitions that issued them.
type QueryLogger struct {
	zap   *zap.Logger
	level gormlogger.LogLevel
}

func NewQueryLogger(log *zap.Logger, level gormlogger.LogLevel) *QueryLogger {
	return &QueryLogger{zap: log, level: level}
}

func (l *QueryLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	cp := *l
	cp.level = level
	return &cp
}

func (l *QueryLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Info {
		l.zap.Sugar().Infof(msg, data...)
	}
}

func (l *QueryLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Warn {
		l.zap.Sugar().Warnf(msg, data...)
	}
}

func (l *QueryLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Error {
		l.zap.Sugar().Errorf(msg, data...)
	}
}

// Trace logs each executed statement. ErrRecordNotFound is not an error here:
// lookups translate it to (nil, nil) and the service layer classifies it.
func (l *QueryLogger) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := []zap.Field{
		zap.Duration("elapsed", elapsed),
		zap.Int64("rows", rows),
		zap.String("sql", sql),
	}

	switch {
	case err != nil && l.level >= gormlogger.Error && !errors.Is(err, gorm.ErrRecordNotFound):
		l.zap.Error("Query failed", append(fields, zap.Error(err))...)
	case elapsed > slowQueryThreshold && l.level >= gormlogger.Warn:
		l.zap.Warn("Slow query", fields...)
	case l.level >= gormlogger.Info:
		l.zap.Debug("Query", fields...)
	}
}
