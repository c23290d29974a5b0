package coordinator

// MergeStrategy controls how the outputs of joined branches are combined
// into the input handed to the join target's evaluation.
type MergeStrategy string

const (
	// MergeLastWins overlays outputs in branch order; later keys win.
	MergeLastWins MergeStrategy = "last_wins"
	// MergeCollectAll keeps every branch's output in a list under "branches".
	MergeCollectAll MergeStrategy = "collect_all"
	// MergeFirstOnly keeps only the first completed branch's output.
	MergeFirstOnly MergeStrategy = "first_only"
)

// MergeBranchOutputs combines the per-branch outputs according to the
// strategy; an unknown or empty strategy behaves as last_wins.
func MergeBranchOutputs(strategy MergeStrategy, outputs []map[string]any) map[string]any {
	switch strategy {
	case MergeCollectAll:
		all := make([]map[string]any, 0, len(outputs))
		all = append(all, outputs...)
		return map[string]any{"branches": all}
	case MergeFirstOnly:
		if len(outputs) == 0 {
			return map[string]any{}
		}
		return cloneOutput(outputs[0])
	default: // MergeLastWins
		merged := map[string]any{}
		for _, out := range outputs {
			for k, v := range out {
				merged[k] = v
			}
		}
		return merged
	}
}

func cloneOutput(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
