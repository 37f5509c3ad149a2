package filter

import (
	"net/url"
	"testing"
)

func TestNewOptions(t *testing.T) {
	emptyQuery := url.Values{}
	options := NewOptions(emptyQuery)
	if len(options.Filters) != 0 {
		t.Errorf("expected empty filters, got %v", options.Filters)
	}
	if len(options.Sort) != 0 {
		t.Errorf("expected empty sort, got %v", options.Sort)
	}

	query := url.Values{}
	query.Add("filter[state]", "active,clear_pending")
	query.Add("sort", "-detectedAt")

	options = NewOptions(query)

	if !options.HasFilter("state") {
		t.Errorf("expected filter[state] to be present")
	}
	if options.Filters["state"][0] != "active,clear_pending" {
		t.Errorf("expected filter[state]=active,clear_pending, got %s", options.Filters["state"][0])
	}
	if !options.HasSort() {
		t.Errorf("expected sort to be present")
	}
	if options.GetSort()[0] != "-detectedAt" {
		t.Errorf("expected sort[0]=-detectedAt, got %s", options.GetSort()[0])
	}
}

func TestFilter(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	even := Filter(items, func(n int) bool { return n%2 == 0 })
	if len(even) != 2 {
		t.Errorf("expected 2 even numbers, got %d", len(even))
	}
}
