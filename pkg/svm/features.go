package svm

// Feature names understood by the loader and runtime. Features gate
// capabilities the way Agave's feature set gates runtime behavior; a program
// verified under one feature set is not revalidated if the set changes.
const (
	// FeatureJmp32 permits the 32-bit conditional jump instruction class.
	FeatureJmp32 = "jmp32_instructions"

	// FeatureDynamicHeap permits programs to grow the heap via sol_alloc_free_.
	FeatureDynamicHeap = "dynamic_heap"

	// FeatureStrictELFHeaders rejects ELF types other than EXEC and DYN.
	FeatureStrictELFHeaders = "strict_elf_headers"
)

// FeatureSet is the set of enabled capability names.
type FeatureSet map[string]bool

// AllFeaturesEnabled returns a feature set with every known feature on.
// This is the default for a fresh harness.
func AllFeaturesEnabled() FeatureSet {
	return FeatureSet{
		FeatureJmp32:            true,
		FeatureDynamicHeap:      true,
		FeatureStrictELFHeaders: true,
	}
}

// Enabled reports whether the named feature is active.
// A nil set has every feature disabled.
func (fs FeatureSet) Enabled(name string) bool {
	return fs[name]
}

// Clone returns an independent copy of the feature set.
func (fs FeatureSet) Clone() FeatureSet {
	out := make(FeatureSet, len(fs))
	for name, on := range fs {
		out[name] = on
	}
	return out
}
