// Package filter parses JSON:API-style query string options
// (filter[x], include, fields[x], sort) shared by every operator
// endpoint in internal/api.
package filter

import (
	"net/url"
	"strings"
)

// Options represents filter, sort, include, and fields options for an
// API request.
type Options struct {
	Filters  map[string][]string
	Includes []string
	Fields   map[string][]string
	Sort     []string
}

// NewOptions parses query parameters into an Options.
func NewOptions(query url.Values) *Options {
	options := &Options{
		Filters:  make(map[string][]string),
		Includes: []string{},
		Fields:   make(map[string][]string),
		Sort:     []string{},
	}

	for key, values := range query {
		if strings.HasPrefix(key, "filter[") && strings.HasSuffix(key, "]") {
			filterName := key[7 : len(key)-1]
			options.Filters[filterName] = values
		}
	}

	if includeParam, ok := query["include"]; ok && len(includeParam) > 0 {
		for _, include := range strings.Split(includeParam[0], ",") {
			if include = strings.TrimSpace(include); include != "" {
				options.Includes = append(options.Includes, include)
			}
		}
	}

	for key, values := range query {
		if strings.HasPrefix(key, "fields[") && strings.HasSuffix(key, "]") {
			resourceType := key[7 : len(key)-1]
			if len(values) > 0 {
				fields := strings.Split(values[0], ",")
				for i, field := range fields {
					fields[i] = strings.TrimSpace(field)
				}
				options.Fields[resourceType] = fields
			}
		}
	}

	if sortParam, ok := query["sort"]; ok && len(sortParam) > 0 {
		for _, field := range strings.Split(sortParam[0], ",") {
			if field = strings.TrimSpace(field); field != "" {
				options.Sort = append(options.Sort, field)
			}
		}
	}

	return options
}

// HasFilter reports whether a filter was supplied.
func (o *Options) HasFilter(name string) bool {
	_, exists := o.Filters[name]
	return exists
}

// GetFilter returns the value(s) for a filter.
func (o *Options) GetFilter(name string) []string {
	return o.Filters[name]
}

// HasSort reports whether sorting was requested.
func (o *Options) HasSort() bool {
	return len(o.Sort) > 0
}

// GetSort returns the requested sort fields, in order.
func (o *Options) GetSort() []string {
	return o.Sort
}

// FilterFunc is a generic predicate used by Filter.
type FilterFunc[T any] func(item T) bool

// Filter returns the subset of items matching fn.
func Filter[T any](items []T, fn FilterFunc[T]) []T {
	filtered := make([]T, 0, len(items))
	for _, item := range items {
		if fn(item) {
			filtered = append(filtered, item)
		}
	}
	return filtered
}
