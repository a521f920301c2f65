// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package logger provides context bound logrus loggers. A request or a live
// connection carries its own logger with a correlation id, and everything that
// runs on its behalf logs through FromContext.
package logger

import (
	"context"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Trace carries the correlation values of a context logger across process
// boundaries, for example as a kafka message header.
type Trace struct {
	RequestID  string `json:"requestID"`
	Identity   string `json:"identity,omitempty"`
	Connection string `json:"connection,omitempty"`
}

type contextKeyLoggerType struct{}

var contextKeyLogger = &contextKeyLoggerType{}

const (
	requestIDKey  = "requestID"
	identityKey   = "identity"
	connectionKey = "connection"
)

// InitLogger sets up the text formatter with full timestamps and the log level
func InitLogger(level logrus.Level) {
	formatter := new(logrus.TextFormatter)
	formatter.TimestampFormat = "2006-01-02 15:04:05"
	formatter.FullTimestamp = true
	logrus.SetFormatter(formatter)
	logrus.SetLevel(level)
}

// AddRequestID installs a middleware which gives every request its own logger
func AddRequestID(router *mux.Router) {
	router.Use(func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, _ := ContextWithLogger(r.Context())
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	})
}

// Default returns a logger without a request ID.
func Default() *logrus.Entry {
	return logrus.NewEntry(logrus.StandardLogger())
}

// ContextWithLogger returns a context with a logger. If the context already has a
// logger, the context is returned unchanged.
func ContextWithLogger(ctx context.Context) (context.Context, *logrus.Entry) {
	if ctx == nil {
		ctx = context.Background()
	} else if rlog := fromContext(ctx); rlog != nil {
		return ctx, rlog
	}
	rlog := logrus.WithField(requestIDKey, uuid.NewString())
	return context.WithValue(ctx, contextKeyLogger, rlog), rlog
}

// ContextWithLoggerIdentity returns a context whose logger is tagged with the identity
func ContextWithLoggerIdentity(ctx context.Context, identity string) (context.Context, *logrus.Entry) {
	return withField(ctx, identityKey, identity)
}

// ContextWithLoggerConnection returns a context whose logger is tagged with the
// name of a live connection
func ContextWithLoggerConnection(ctx context.Context, name string) (context.Context, *logrus.Entry) {
	return withField(ctx, connectionKey, name)
}

func withField(ctx context.Context, key, value string) (context.Context, *logrus.Entry) {
	ctx, rlog := ContextWithLogger(ctx)
	rlog = rlog.WithField(key, value)
	return context.WithValue(ctx, contextKeyLogger, rlog), rlog
}

func fromContext(ctx context.Context) *logrus.Entry {
	rlog, _ := ctx.Value(contextKeyLogger).(*logrus.Entry)
	return rlog
}

// FromContext returns the logger of the context, or the default logger if the
// context has none.
func FromContext(ctx context.Context) *logrus.Entry {
	if ctx == nil {
		return Default()
	}
	if rlog := fromContext(ctx); rlog != nil {
		return rlog
	}
	return Default()
}

// TraceFromContext returns the correlation values of the context logger
func TraceFromContext(ctx context.Context) Trace {
	var t Trace
	if ctx == nil {
		return t
	}
	rlog := fromContext(ctx)
	if rlog == nil {
		return t
	}
	t.RequestID, _ = rlog.Data[requestIDKey].(string)
	t.Identity, _ = rlog.Data[identityKey].(string)
	t.Connection, _ = rlog.Data[connectionKey].(string)
	return t
}

// SerializeTrace returns the json representation of the context's trace, or
// an empty object if the context has no logger
func SerializeTrace(ctx context.Context) []byte {
	t := TraceFromContext(ctx)
	if t.RequestID == "" {
		return []byte("{}")
	}
	data, err := json.Marshal(t)
	if err != nil {
		return []byte("{}")
	}
	return data
}

// ContextWithTrace returns a context with a logger rebuilt from serialized trace
// data. If the context already has a logger or the data carries no request id,
// it behaves like ContextWithLogger.
func ContextWithTrace(ctx context.Context, data []byte) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if fromContext(ctx) != nil {
		return ctx
	}
	var t Trace
	if err := json.Unmarshal(data, &t); err != nil || t.RequestID == "" {
		ctx, _ = ContextWithLogger(ctx)
		return ctx
	}
	rlog := logrus.WithField(requestIDKey, t.RequestID)
	if t.Identity != "" {
		rlog = rlog.WithField(identityKey, t.Identity)
	}
	if t.Connection != "" {
		rlog = rlog.WithField(connectionKey, t.Connection)
	}
	return context.WithValue(ctx, contextKeyLogger, rlog)
}
