// Package tracing provides span helpers around the reconciliation engine's
// clone, install, deploy, destroy, drift, and git-sync operations.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName identifies this operator's tracer.
const TracerName = "cdk-ts-operator"

var tracer = otel.Tracer(TracerName)

// StartSpan starts a new span with the given name and attributes.
func StartSpan(ctx context.Context, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// RecordError records an error on span and marks it as errored.
func RecordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Common attribute keys for consistent tracing across spans.
const (
	AttrNamespace  = "k8s.namespace"
	AttrCdkTsStack = "cdktsstack.name"
	AttrPhase      = "cdktsstack.phase"
	AttrStackName  = "cloudformation.stack_name"
	AttrGitRef     = "git.ref"
	AttrGitRepo    = "git.repository"
	AttrDrifted    = "drift.detected"
)

func NamespaceAttr(namespace string) attribute.KeyValue {
	return attribute.String(AttrNamespace, namespace)
}

func CdkTsStackAttr(name string) attribute.KeyValue {
	return attribute.String(AttrCdkTsStack, name)
}

func PhaseAttr(phase string) attribute.KeyValue {
	return attribute.String(AttrPhase, phase)
}

func StackNameAttr(name string) attribute.KeyValue {
	return attribute.String(AttrStackName, name)
}

func GitRefAttr(ref string) attribute.KeyValue {
	return attribute.String(AttrGitRef, ref)
}

func GitRepoAttr(repo string) attribute.KeyValue {
	return attribute.String(AttrGitRepo, repo)
}

func DriftedAttr(drifted bool) attribute.KeyValue {
	return attribute.Bool(AttrDrifted, drifted)
}
