package plugin

// Category partitions plugin types by their role in the pipeline. Each
// category is driven by its own lifecycle manager.
type Category string

const (
	// CategoryComm plugins provide communication channels to the upstream.
	CategoryComm Category = "comm"

	// CategoryCapture plugins acquire data from local sources.
	CategoryCapture Category = "capture"

	// CategoryServing plugins run inference engines over captured data.
	CategoryServing Category = "serving"

	// CategoryBusiness plugins consume batches and inferences and emit
	// outbound payloads.
	CategoryBusiness Category = "business"
)

// Categories returns all categories in scheduler refresh order: channels
// before producers, producers before consumers.
func Categories() []Category {
	return []Category{CategoryComm, CategoryCapture, CategoryServing, CategoryBusiness}
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryComm, CategoryCapture, CategoryServing, CategoryBusiness:
		return true
	}
	return false
}

func (c Category) String() string { return string(c) }
