//go:build !otelotlp

// Package otelobs provides opt-in OpenTelemetry tracing. The default
// build is a no-op; build with -tags otelotlp to export spans.
package otelobs

import (
	"context"
	"net/http"
)

// InitTracer is a no-op without the otelotlp build tag.
func InitTracer(serviceName string) func(context.Context) error {
	return func(context.Context) error { return nil }
}

// WrapHTTPHandler returns the handler unchanged without the otelotlp
// build tag.
func WrapHTTPHandler(serviceName string, h http.Handler) http.Handler { return h }

// WrapHTTPTransport returns the transport unchanged without the
// otelotlp build tag.
func WrapHTTPTransport(t http.RoundTripper) http.RoundTripper { return t }
