package metrics

import "sort"

// StatusBucket represents the aggregated failure count for a service/status pair.
type StatusBucket struct {
	Service string `json:"service"`
	Code    string `json:"code"`
	Count   int    `json:"count"`
}

// FlattenStatusBuckets converts a nested service->status map into a sorted slice of StatusBucket rows.
// Rows are sorted by descending count, then by service/code for stability.
func FlattenStatusBuckets(buckets map[string]map[string]int) []StatusBucket {
	if len(buckets) == 0 {
		return nil
	}
	rows := make([]StatusBucket, 0)
	for service, codes := range buckets {
		for code, count := range codes {
			rows = append(rows, StatusBucket{Service: service, Code: code, Count: count})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Count == rows[j].Count {
			if rows[i].Service == rows[j].Service {
				return rows[i].Code < rows[j].Code
			}
			return rows[i].Service < rows[j].Service
		}
		return rows[i].Count > rows[j].Count
	})
	return rows
}
