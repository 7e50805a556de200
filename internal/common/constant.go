package common

// Column limits of the calendar schema. Longer remote values are truncated.
const (
	MaxSubjectLength      = 255
	MaxDescriptionLength  = 1000
	MaxCategoryNameLength = 255
	MaxUserNameLength     = 255
)

// GraphMaxBatchSize is the hard cap of requests inside one JSON batch.
const GraphMaxBatchSize = 20
