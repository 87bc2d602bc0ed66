package atoms

import "gonum.org/v1/gonum/mat"

// CloneValue deep-copies the value types stored in Info and Results.
// Unknown types are returned as is.
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = CloneValue(val)
		}
		return out
	case Results:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = CloneValue(val)
		}
		return out
	case []float64:
		return append([]float64(nil), t...)
	case []int:
		return append([]int(nil), t...)
	case []string:
		return append([]string(nil), t...)
	case *mat.Dense:
		if t == nil {
			return t
		}
		return mat.DenseCopyOf(t)
	default:
		return v
	}
}
