package otel

const (
	Prefix                        = "procflow-"
	AttributeProcessInstanceKey   = Prefix + "instance-key"
	AttributeProcessDefinitionId  = Prefix + "definition-id"
	AttributeProcessDefinitionKey = Prefix + "definition-key"
	AttributeActivityId           = Prefix + "activity-id"
	AttributeExecutionKey         = Prefix + "execution-key"
	AttributeJobKey               = Prefix + "job-key"
	AttributeJobType              = Prefix + "job-type"
	AttributeEventName            = Prefix + "event-name"
)
