package utils

// ValidScore checks a usage-likelihood score against the 0-100 slider range.
func ValidScore(v int) bool {
	return v >= 0 && v <= 100
}

// ValidRating checks a Likert rating against a scale's point count.
func ValidRating(v, points int) bool {
	return v >= 1 && v <= points
}
