package identification

import "sort"

// gather picks scores[classes[i]] * cal[i] as float64.
func gather(scores []float32, classes []int, cal []float64) []float64 {
	out := make([]float64, len(classes))
	for i, c := range classes {
		out[i] = float64(scores[c]) * cal[i]
	}
	return out
}

// meanRows averages rows element-wise. All rows share one length.
func meanRows(rows [][]float64) []float64 {
	out := make([]float64, len(rows[0]))
	for _, r := range rows {
		for i, v := range r {
			out[i] += v
		}
	}
	n := float64(len(rows))
	for i := range out {
		out[i] /= n
	}
	return out
}

func mean(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

// topK returns the indices of the k largest values, descending. Ties keep
// index order.
func topK(v []float64, k int) []int {
	idx := make([]int, len(v))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return v[idx[a]] > v[idx[b]] })
	if k < len(idx) {
		idx = idx[:k]
	}
	return idx
}
