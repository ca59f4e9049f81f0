package view

import (
	"context"
	"io/ioutil"

	opentracing "github.com/opentracing/opentracing-go"
	"github.com/sirupsen/logrus"
)

// Context carries a request through the engine. It embeds the standard
// context and adds the request logger and tracer.
type Context struct {
	context.Context
	logger   *logrus.Entry
	tracer   opentracing.Tracer
	rootSpan opentracing.Span
}

// ContextOption configures a Context.
type ContextOption func(*Context)

// WithLogger sets the request logger.
func WithLogger(e *logrus.Entry) ContextOption {
	return func(c *Context) {
		c.logger = e
	}
}

// WithTracer sets the tracer used by Span.
func WithTracer(t opentracing.Tracer) ContextOption {
	return func(c *Context) {
		c.tracer = t
	}
}

// WithRootSpan sets the root span of the request.
func WithRootSpan(s opentracing.Span) ContextOption {
	return func(c *Context) {
		c.rootSpan = s
	}
}

// NewContext creates a Context from a standard context.
func NewContext(ctx context.Context, opts ...ContextOption) *Context {
	c := &Context{
		Context: ctx,
		tracer:  opentracing.NoopTracer{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		l := logrus.New()
		l.Out = ioutil.Discard
		c.logger = logrus.NewEntry(l)
	}
	return c
}

// NewEmptyContext is a shorthand for tests.
func NewEmptyContext() *Context { return NewContext(context.TODO()) }

// Logger returns the request logger.
func (c *Context) Logger() *logrus.Entry { return c.logger }

// WithFields returns a Context whose logger carries the given fields.
func (c *Context) WithFields(fields logrus.Fields) *Context {
	nc := *c
	nc.logger = c.logger.WithFields(fields)
	return &nc
}

// Span creates a new named span as a child of the innermost span in the
// context, and returns a Context holding it.
func (c *Context) Span(
	opName string,
	opts ...opentracing.StartSpanOption,
) (opentracing.Span, *Context) {
	parent := opentracing.SpanFromContext(c.Context)
	if parent != nil {
		opts = append(opts, opentracing.ChildOf(parent.Context()))
	} else if c.rootSpan != nil {
		opts = append(opts, opentracing.ChildOf(c.rootSpan.Context()))
	}
	span := c.tracer.StartSpan(opName, opts...)

	nc := *c
	nc.Context = opentracing.ContextWithSpan(c.Context, span)
	return span, &nc
}

// RootSpan returns the root span of the request, if any.
func (c *Context) RootSpan() opentracing.Span { return c.rootSpan }
