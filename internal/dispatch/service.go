package dispatch

import "strings"

// ServiceType selects the downstream request/response mapping.
type ServiceType string

const (
	ServiceDefault ServiceType = "default"
	ServiceOpenAI  ServiceType = "openai"
	ServiceOllama  ServiceType = "ollama"
	ServiceCustom  ServiceType = "custom"
)

// ServiceTypes lists every supported service type.
var ServiceTypes = []ServiceType{ServiceDefault, ServiceOpenAI, ServiceOllama, ServiceCustom}

// ParseServiceType maps a configured key to a ServiceType. Unknown keys fall
// back to ServiceDefault with ok=false; an empty key is the default.
func ParseServiceType(key string) (t ServiceType, ok bool) {
	t = ServiceType(strings.ToLower(strings.TrimSpace(key)))
	switch t {
	case ServiceDefault, ServiceOpenAI, ServiceOllama, ServiceCustom:
		return t, true
	case "":
		return ServiceDefault, true
	}
	return ServiceDefault, false
}
