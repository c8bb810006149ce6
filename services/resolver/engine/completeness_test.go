// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"reflect"
	"testing"

	"github.com/AleutianAI/meridian/services/resolver/datatypes"
)

func TestCheckCompleteness_CompleteSnapshot(t *testing.T) {
	result := CheckCompleteness(sheetSnapshot())
	if !result.Complete {
		t.Errorf("complete snapshot reported missing: %v", result.Missing)
	}
}

func TestCheckCompleteness_PeriodTokenSubstitutesForWindow(t *testing.T) {
	snap := sheetSnapshot()
	snap.TimeWindow = datatypes.TimeWindow{}
	snap.PeriodToken = "last_month"

	if result := CheckCompleteness(snap); !result.Complete {
		t.Errorf("resolvable token should satisfy the window requirement: %v", result.Missing)
	}

	snap.PeriodToken = "someday"
	if result := CheckCompleteness(snap); result.Complete {
		t.Error("unknown token should not satisfy the window requirement")
	}
}

func TestCheckCompleteness_MissingFieldsInStableOrder(t *testing.T) {
	snap := datatypes.ContextSnapshot{}
	result := CheckCompleteness(snap)
	want := []string{MissingTimeWindow, MissingSchema, MissingDataSource}
	if !reflect.DeepEqual(result.Missing, want) {
		t.Errorf("missing = %v, want %v", result.Missing, want)
	}
}

func TestCheckCompleteness_TableWithoutColumnsIsNotSchema(t *testing.T) {
	snap := sheetSnapshot()
	snap.Schema = []datatypes.TableSchema{{Name: "complaints"}}

	result := CheckCompleteness(snap)
	if result.Complete {
		t.Error("a bare table name is not schema detail")
	}
	if len(result.Missing) != 1 || result.Missing[0] != MissingSchema {
		t.Errorf("missing = %v, want [%s]", result.Missing, MissingSchema)
	}
}
