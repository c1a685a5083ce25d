package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys shared by the observer wrappers and hooks.
const (
	AttrLLMModel     = attribute.Key("llm.model")
	AttrLLMProvider  = attribute.Key("llm.provider")
	AttrLLMMethod    = attribute.Key("llm.method")
	AttrInputTokens  = attribute.Key("llm.tokens.input")
	AttrOutputTokens = attribute.Key("llm.tokens.output")

	AttrToolName         = attribute.Key("tool.name")
	AttrToolStatus       = attribute.Key("tool.status")
	AttrToolResultLength = attribute.Key("tool.result_length")

	AttrAgentName   = attribute.Key("agent.name")
	AttrAgentType   = attribute.Key("agent.type")
	AttrAgentStatus = attribute.Key("agent.status")
	AttrAgentSteps  = attribute.Key("agent.steps")

	AttrBusTopic  = attribute.Key("bus.topic")
	AttrBusStatus = attribute.Key("bus.status")

	AttrTaskID     = attribute.Key("task.id")
	AttrTaskStatus = attribute.Key("task.status")
	AttrStepNo     = attribute.Key("task.step_no")
)
