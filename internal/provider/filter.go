package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/itchyny/gojq"
)

// Filter evaluates a jq expression against the JSON payload of an event.
// It is used to restrict which webhook events trigger a repository check,
// e.g. `.ref == ("refs/heads/" + .repository.default_branch)`.
type Filter struct {
	query *gojq.Query
}

// NewFilter parses the jq expression. The expression must evaluate to exactly
// one boolean result per event.
func NewFilter(jqQuery string) (*Filter, error) {
	query, err := gojq.Parse(jqQuery)
	if err != nil {
		return nil, err
	}

	return &Filter{query: query}, nil
}

// Match returns true if the filter query evaluates to true for the JSON
// representation of the event.
func (f *Filter) Match(ctx context.Context, event *Event) (bool, error) {
	var evUn any

	if len(event.JSON) == 0 {
		return false, errors.New("json field of event is empty")
	}

	err := json.Unmarshal(event.JSON, &evUn)
	if err != nil {
		return false, fmt.Errorf("unmarshaling json failed: %w", err)
	}

	result, errs := goJQIterToSlice(f.query.RunWithContext(ctx, evUn))
	if len(errs) != 0 {
		return false, fmt.Errorf("json query returned errors, query: %q, errors: %s", f.query.String(), errString(errs))
	}

	if len(result) != 1 {
		return false, fmt.Errorf("json query returned %d results, expected 1, query: %q", len(result), f.query.String())
	}

	val, ok := result[0].(bool)
	if !ok {
		return false, fmt.Errorf(
			"json query returned non-bool result: %+v (%T), query: %q",
			result[0], result[0], f.query.String(),
		)
	}

	return val, nil
}

func goJQIterToSlice(iter gojq.Iter) ([]any, []error) {
	var result []any
	var errors []error

	for {
		res, ok := iter.Next()
		if !ok {
			return result, errors
		}

		if err, isErr := res.(error); isErr {
			errors = append(errors, err)
			continue
		}

		result = append(result, res)
	}
}

func errString(errs []error) string {
	var result strings.Builder

	for i, err := range errs {
		if i > 0 {
			result.WriteString("; ")
		}

		result.WriteString(fmt.Sprintf("error %d: %s", i, err))
	}

	return result.String()
}
