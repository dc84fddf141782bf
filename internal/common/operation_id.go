package common

import (
	"context"

	"github.com/labstack/echo/v4"
	"github.com/segmentio/ksuid"
	"github.com/sirupsen/logrus"
)

// OperationIDHeader carries the operation id of an HTTP request and its
// response.
const OperationIDHeader = "X-Operation-Id"

type operationIDKey struct{}

// GenerateOperationID returns a new time sortable id.
func GenerateOperationID() string {
	return ksuid.New().String()
}

func WithOperationID(ctx context.Context, oid string) context.Context {
	return context.WithValue(ctx, operationIDKey{}, oid)
}

// OperationID returns the id stored in ctx, or "".
func OperationID(ctx context.Context) string {
	oid, _ := ctx.Value(operationIDKey{}).(string)
	return oid
}

// LogEntry is logger tagged with the operation id of ctx, if any.
func LogEntry(ctx context.Context, logger logrus.FieldLogger) *logrus.Entry {
	entry := logger.WithFields(logrus.Fields{})
	if oid := OperationID(ctx); oid != "" {
		entry = entry.WithField("operation_id", oid)
	}
	return entry
}

// OperationIDMiddleware keeps a valid incoming operation id and generates
// one otherwise. The id is echoed in the response.
func OperationIDMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		oid := c.Request().Header.Get(OperationIDHeader)
		if _, err := ksuid.Parse(oid); err != nil {
			oid = GenerateOperationID()
		}
		c.Response().Header().Set(OperationIDHeader, oid)
		c.SetRequest(c.Request().WithContext(WithOperationID(c.Request().Context(), oid)))
		return next(c)
	}
}
