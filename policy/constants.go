package policy

// Audience is the caller dimension of policy matching.
type Audience string

const (
	AudienceAuthenticated Audience = "authenticated"
	AudienceAnonymous     Audience = "anonymous"
	AudienceRole          Audience = "role"
)

// EndpointType is the resource-class dimension of policy matching.
type EndpointType string

const (
	EndpointAPI    EndpointType = "api"
	EndpointUpload EndpointType = "upload"
	EndpointReport EndpointType = "report"
	EndpointAll    EndpointType = "all"
)

// Retry-after ceiling bounds, in seconds.
const (
	MinRetryAfterSeconds = 1
	MaxRetryAfterSeconds = 3600
)

// ChangesTopic is the pub/sub topic policy mutations are announced on.
const ChangesTopic = "rate_limit:policy_changes"

var validAudiences = map[Audience]bool{
	AudienceAuthenticated: true,
	AudienceAnonymous:     true,
	AudienceRole:          true,
}

var validEndpoints = map[EndpointType]bool{
	EndpointAPI:    true,
	EndpointUpload: true,
	EndpointReport: true,
	EndpointAll:    true,
}

// Endpoints lists the concrete endpoint categories, excluding the "all" wildcard.
func Endpoints() []EndpointType {
	return []EndpointType{EndpointAPI, EndpointUpload, EndpointReport}
}

// ParseEndpoint converts s into a known EndpointType.
func ParseEndpoint(s string) (EndpointType, bool) {
	e := EndpointType(s)
	return e, validEndpoints[e]
}

// ParseAudience converts s into a known Audience.
func ParseAudience(s string) (Audience, bool) {
	a := Audience(s)
	return a, validAudiences[a]
}
