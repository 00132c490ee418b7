package server

import (
	"context"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/siddimore/x402-subnet-gateway/pkg/fanout"
)

const (
	// DefaultService is used when a query names no service.
	DefaultService = "general"

	maxQueryLength = 1000
	maxResultsCap  = 20
)

var serviceIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

type queryKey struct{}

// parseQuery validates the query string of GET /api/rag/query.
func parseQuery(r *http.Request) (fanout.Request, error) {
	params := r.URL.Query()
	verr := &ValidationError{}

	q := strings.TrimSpace(params.Get("q"))
	switch n := utf8.RuneCountInString(q); {
	case n == 0:
		verr.add("q", "query parameter 'q' is required")
	case n > maxQueryLength:
		verr.add("q", "query must be at most %d characters", maxQueryLength)
	}

	service := strings.TrimSpace(params.Get("service"))
	if service == "" {
		service = DefaultService
	} else if !serviceIDPattern.MatchString(service) {
		verr.add("service", "service must be a lowercase identifier")
	}

	maxResults := fanout.DefaultMaxResults
	if raw := params.Get("maxResults"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxResultsCap {
			verr.add("maxResults", "maxResults must be an integer between 1 and %d", maxResultsCap)
		} else {
			maxResults = n
		}
	}

	if err := verr.orNil(); err != nil {
		return fanout.Request{}, err
	}
	return fanout.Request{Query: q, Service: service, MaxResults: maxResults}, nil
}

// validateQuery rejects malformed queries before any payment handling and
// stores the parsed request for the handlers behind it.
func (s *Server) validateQuery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, err := parseQuery(r)
		if err != nil {
			writeValidationError(w, err.(*ValidationError))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), queryKey{}, req)))
	})
}

func queryFromContext(ctx context.Context) (fanout.Request, bool) {
	req, ok := ctx.Value(queryKey{}).(fanout.Request)
	return req, ok
}
