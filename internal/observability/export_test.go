package observability

var StructuredConfig = structuredConfig
