package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartDetectorSpan starts a span for one detector run on a subject.
func StartDetectorSpan(ctx context.Context, subjectID, detector string, seriesLength int) (context.Context, trace.Span) {
	return StartSpan(ctx, GetAnalysisTracer(), "analysis."+detector,
		StringAttribute("analysis.subject_id", subjectID),
		StringAttribute("analysis.detector", detector),
		Int64Attribute("analysis.series_length", int64(seriesLength)),
	)
}

// EndDetectorSpan records the outcome of a detector run and ends the span.
func EndDetectorSpan(span trace.Span, err error, lowConfidence bool) {
	SetSpanAttributes(span, BoolAttribute("analysis.low_confidence", lowConfidence))
	if err != nil {
		RecordError(span, err)
	} else {
		SetSpanStatus(span, codes.Ok, "")
	}
	span.End()
}

// StartComparisonSpan starts a span for a multi-subject comparison.
func StartComparisonSpan(ctx context.Context, analysisType string, subjects []string) (context.Context, trace.Span) {
	return StartSpan(ctx, GetAnalysisTracer(), "analysis.compare",
		StringAttribute("analysis.type", analysisType),
		StringSliceAttribute("analysis.subjects", subjects),
	)
}
