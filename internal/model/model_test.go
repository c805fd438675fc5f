package model

import (
	"strings"
	"testing"
)

func TestSeedRTypesAreStable(t *testing.T) {
	rtypes := SeedRTypes()
	if len(rtypes) != 5 {
		t.Fatalf("expected 5 seeded reading types, got %d", len(rtypes))
	}

	for index, rtype := range rtypes {
		if rtype.RTypeID != index {
			t.Fatalf("expected rtype id %d at position %d, got %d", index, index, rtype.RTypeID)
		}
		if rtype.Name == "" {
			t.Fatalf("rtype %d has an empty name", rtype.RTypeID)
		}
	}
}

func TestRTypeNameFallsBackForUnknownID(t *testing.T) {
	if name := RTypeName(RTypeTemperature); name != "temperature" {
		t.Fatalf("expected temperature, got %q", name)
	}
	if name := RTypeName(99); name != "rtype 99" {
		t.Fatalf("expected fallback name, got %q", name)
	}
}

func TestReadingFormatIncludesTypeValueAndTime(t *testing.T) {
	reading := Reading{SensorID: 0, GroupID: 0, RTypeID: RTypeTemperature, TS: 1564660800, Val: 22.5}

	formatted := reading.Format()
	if !strings.HasPrefix(formatted, "temperature 22.50 @ ") {
		t.Fatalf("unexpected format prefix: %q", formatted)
	}
	if !strings.Contains(formatted, "2019") {
		t.Fatalf("expected formatted timestamp in %q", formatted)
	}
}

func TestReadingKeyCarriesCompositeKey(t *testing.T) {
	reading := Reading{SensorID: 3, GroupID: 1, RTypeID: 2, TS: 1000, Val: 9.9}

	key := reading.Key()
	if key != (Key{SensorID: 3, GroupID: 1, RTypeID: 2, TS: 1000}) {
		t.Fatalf("unexpected key: %+v", key)
	}
}
