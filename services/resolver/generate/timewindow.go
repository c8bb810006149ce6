// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package generate

import (
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/meridian/services/resolver/datatypes"
)

// =============================================================================
// Relative Time Window Resolution
// =============================================================================

// Supported relative-period tokens. Resolution is always computed from a
// fixed "now" captured once per request, so resolving the same token twice
// within one resolution yields identical windows.
const (
	TokenLastMonth   = "last_month"
	TokenThisMonth   = "this_month"
	TokenLastWeek    = "last_week"
	TokenThisWeek    = "this_week"
	TokenYesterday   = "yesterday"
	TokenToday       = "today"
	TokenThisYear    = "this_year"
	TokenLastYear    = "last_year"
	TokenLastQuarter = "last_quarter"
	TokenThisQuarter = "this_quarter"
	TokenLast7Days   = "last_7_days"
	TokenLast30Days  = "last_30_days"
)

// KnownPeriodToken reports whether a token is in the supported set.
// Tokens are compared case-insensitively with surrounding space ignored.
func KnownPeriodToken(token string) bool {
	switch canonicalToken(token) {
	case TokenLastMonth, TokenThisMonth, TokenLastWeek, TokenThisWeek,
		TokenYesterday, TokenToday, TokenThisYear, TokenLastYear,
		TokenLastQuarter, TokenThisQuarter, TokenLast7Days, TokenLast30Days:
		return true
	}
	return false
}

// ResolveTimeWindow resolves a relative-period token into an absolute,
// inclusive date range.
//
// # Description
//
// All windows are date-granular: Start is 00:00:00 of the first day and
// End is 23:59:59 of the last day, in now's location. "this_*" windows
// run from the period's first day through the current date, matching the
// convention that "this year" means year-to-date. Week windows are
// ISO weeks, Monday through Sunday.
//
// # Inputs
//
//   - token: A supported relative-period token.
//   - now: The fixed resolution instant. Must not be zero.
//
// # Outputs
//
//   - datatypes.TimeWindow: The resolved window, Token field populated.
//   - error: Non-nil for unknown tokens or a zero now.
//
// # Thread Safety
//
// Pure function. Safe for concurrent use.
func ResolveTimeWindow(token string, now time.Time) (datatypes.TimeWindow, error) {
	if now.IsZero() {
		return datatypes.TimeWindow{}, fmt.Errorf("ResolveTimeWindow: zero now")
	}

	canonical := canonicalToken(token)
	today := dayStart(now)

	var start, end time.Time
	switch canonical {
	case TokenToday:
		start, end = today, today

	case TokenYesterday:
		y := today.AddDate(0, 0, -1)
		start, end = y, y

	case TokenThisWeek:
		start, end = weekStart(today), today

	case TokenLastWeek:
		thisMonday := weekStart(today)
		start = thisMonday.AddDate(0, 0, -7)
		end = thisMonday.AddDate(0, 0, -1)

	case TokenThisMonth:
		start = time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, today.Location())
		end = today

	case TokenLastMonth:
		firstOfThis := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, today.Location())
		start = firstOfThis.AddDate(0, -1, 0)
		end = firstOfThis.AddDate(0, 0, -1)

	case TokenThisQuarter:
		start = quarterStart(today)
		end = today

	case TokenLastQuarter:
		thisQ := quarterStart(today)
		start = thisQ.AddDate(0, -3, 0)
		end = thisQ.AddDate(0, 0, -1)

	case TokenThisYear:
		start = time.Date(today.Year(), time.January, 1, 0, 0, 0, 0, today.Location())
		end = today

	case TokenLastYear:
		start = time.Date(today.Year()-1, time.January, 1, 0, 0, 0, 0, today.Location())
		end = time.Date(today.Year()-1, time.December, 31, 0, 0, 0, 0, today.Location())

	case TokenLast7Days:
		start = today.AddDate(0, 0, -6)
		end = today

	case TokenLast30Days:
		start = today.AddDate(0, 0, -29)
		end = today

	default:
		return datatypes.TimeWindow{}, fmt.Errorf("ResolveTimeWindow: unknown period token %q", token)
	}

	return datatypes.TimeWindow{Start: start, End: dayEnd(end), Token: canonical}, nil
}

func canonicalToken(token string) string {
	return strings.ToLower(strings.TrimSpace(token))
}

// dayStart truncates t to 00:00:00 in its location.
func dayStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// dayEnd returns 23:59:59 of t's day, making date-granular ranges
// inclusive under a plain <= comparison.
func dayEnd(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, t.Location())
}

// weekStart returns the Monday of t's ISO week.
func weekStart(t time.Time) time.Time {
	wd := int(t.Weekday())
	if wd == 0 { // Sunday
		wd = 7
	}
	return dayStart(t).AddDate(0, 0, -(wd - 1))
}

// quarterStart returns the first day of t's calendar quarter.
func quarterStart(t time.Time) time.Time {
	qMonth := time.Month(((int(t.Month())-1)/3)*3 + 1)
	return time.Date(t.Year(), qMonth, 1, 0, 0, 0, 0, t.Location())
}
