package server

// HTTPError is a generic error envelope returned by the server.
type HTTPError struct {
	Error string `json:"error"`
}

// AuthSignupRequest represents the signup payload.
type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthLoginRequest represents the login payload.
type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse carries a bearer token.
type TokenResponse struct {
	Token string `json:"token"`
}

// IDResponse is a generic id response wrapper.
type IDResponse struct {
	ID string `json:"id"`
}

// CreatePlanRequest represents a new training plan payload.
type CreatePlanRequest struct {
	AgentID     string   `json:"agent_id"`
	Topics      []string `json:"topics"`
	PerTopicMax int      `json:"per_topic_max"`
	SourceTypes []string `json:"source_types,omitempty"`
	RefreshCron string   `json:"refresh_cron,omitempty"`
}

// SearchResponse wraps knowledge search hits.
type SearchResponse struct {
	Query string      `json:"query"`
	Hits  interface{} `json:"hits"`
}
