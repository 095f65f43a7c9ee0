package precision

// ToNarrow casts every wide leaf to binary16. Narrow leaves pass through.
func ToNarrow(t Tree) Tree {
	return t.Map(func(v *Tensor) *Tensor { return v.Cast(Narrow) })
}

// ToWide casts every narrow leaf to float64. Wide leaves pass through.
func ToWide(t Tree) Tree {
	return t.Map(func(v *Tensor) *Tensor { return v.Cast(Wide) })
}

// CastShards applies the cast to each shard's tree.
func CastShards(trees []Tree, dtype Dtype) []Tree {
	out := make([]Tree, len(trees))
	for i, t := range trees {
		if dtype == Narrow {
			out[i] = ToNarrow(t)
		} else {
			out[i] = ToWide(t)
		}
	}
	return out
}

// Count returns the parameter count across shards.
func Count(trees []Tree) int {
	n := 0
	for _, t := range trees {
		n += t.Count()
	}
	return n
}
