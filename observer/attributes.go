package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for LLM and job observability spans and metrics.
var (
	AttrLLMModel    = attribute.Key("llm.model")
	AttrLLMProvider = attribute.Key("llm.provider")

	AttrTokensInput  = attribute.Key("llm.tokens.input")
	AttrTokensOutput = attribute.Key("llm.tokens.output")
	AttrCostUSD      = attribute.Key("llm.cost_usd")

	AttrSchemaName = attribute.Key("llm.schema")

	AttrJobType   = attribute.Key("job.type")
	AttrJobStatus = attribute.Key("job.status")
	AttrStream    = attribute.Key("stream.name")
)
