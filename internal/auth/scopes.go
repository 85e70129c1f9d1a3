package auth

// OAuth scopes understood by the pipeline API.
const (
	ScopeActivitiesWrite = "activities:write"
	ScopeChallengesRead  = "challenges:read"
	ScopePipelineAdmin   = "pipeline:admin"
)
