package server

import (
	"net/http"
	"regexp"
)

// agentPattern matches User-Agents of common agent frameworks and crawlers.
var agentPattern = regexp.MustCompile(`(?i)openai|anthropic|claude|gpt-?[34]|langchain|autogpt|agent-?gpt|` +
	`babyagi|superagi|crewai|autogen|llama-?index|semantic-?kernel|haystack|dspy|` +
	`bot|crawler|spider|agent/|aiagent|mcp-client|x402-client`)

// isAgent reports whether a request looks machine driven. It only feeds
// request logs; pricing is the same for everyone.
func isAgent(r *http.Request) bool {
	if r.Header.Get("X-AI-Agent") == "true" || r.Header.Get("X-Agent-Task-ID") != "" {
		return true
	}
	return agentPattern.MatchString(r.UserAgent())
}
