package metrics

import "go.opentelemetry.io/otel/attribute"

func outcomeAttr(outcome string) attribute.KeyValue { return attribute.String("outcome", outcome) }

func modelAttr(model string) attribute.KeyValue { return attribute.String("model", model) }

func scopeAttr(scopeKey string) attribute.KeyValue { return attribute.String("scope", scopeKey) }

func fallbackReasonAttr(reason string) attribute.KeyValue {
	if reason == "" {
		reason = "unknown"
	}
	return attribute.String("reason", reason)
}
