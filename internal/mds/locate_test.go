package mds

import (
	"reflect"
	"testing"
)

// sortByOrder must restore configured host preference order regardless of
// the order hits arrived in, since the fan-out in Locate completes them
// out of order.
func TestSortByOrder(t *testing.T) {
	order := map[string]int{"host-a": 0, "host-b": 1, "host-c": 2}

	cases := []struct {
		in   []string
		want []string
	}{
		{[]string{"host-c", "host-a", "host-b"}, []string{"host-a", "host-b", "host-c"}},
		{[]string{"host-a"}, []string{"host-a"}},
		{[]string{}, []string{}},
		{[]string{"host-b", "host-a"}, []string{"host-a", "host-b"}},
	}
	for _, c := range cases {
		got := append([]string{}, c.in...)
		sortByOrder(got, order)
		if !reflect.DeepEqual(got, c.want) {
			t.Fatalf("sortByOrder(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}
