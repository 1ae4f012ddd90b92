// Package schedule defines the recurring weekly rule model used by powersched.
//
// A Schedule fires on a set of weekdays at one minute of the day and names
// the power action to perform. Weekdays are numbered Monday=0 … Sunday=6,
// which is the numbering persisted in rule files; use WeekdayOf to convert
// a time.Time.
//
// Validation happens at construction/edit time (Validate, Parse* helpers),
// never at fire time: the engine assumes every Schedule it sees is valid.
package schedule
