package memory

// Default keys within each category.
const (
	KeyProfile     = "profile"
	KeyPreferences = "preferences"
	KeyEpisodes    = "episodes"
)

// DefaultKey returns the conventional key for a category.
func DefaultKey(category string) string {
	switch category {
	case CategoryPreferences:
		return KeyPreferences
	case CategoryEpisodic:
		return KeyEpisodes
	default:
		return KeyProfile
	}
}

// Seed content written on first access to each namespace. The section
// headings double as the preservation contract checked by the reconciliation
// guard: a reconciled value that drops a heading is rejected.
const (
	DefaultUserProfile = `# User Profile

## Identity
Name: unknown
Role: unknown

## Communication Style
No observations yet.

## Current Projects
None recorded.
`

	DefaultCompanyProfile = `# Company Profile

## Organization
Name: unknown
Industry: unknown

## Domain Vocabulary
None recorded.
`

	DefaultPreferences = `# User Preferences

## Report Format
Default: markdown.

## Research Style
No observations yet.

## Frameworks
None recorded.
`

	DefaultEpisodic = `# Episodic Memory

## Research Sessions
None recorded.
`
)

// defaultContent returns the seed value for a category.
func defaultContent(category string) string {
	switch category {
	case CategoryCompanyProfile:
		return DefaultCompanyProfile
	case CategoryPreferences:
		return DefaultPreferences
	case CategoryEpisodic:
		return DefaultEpisodic
	default:
		return DefaultUserProfile
	}
}
