package queue

import (
	"fmt"
	"strings"
)

// Status is the queue a contributor-project record currently sits in
type Status string

const (
	None        Status = "None"
	Calibration Status = "Calibration"
	Production  Status = "Production"
	Test        Status = "Test"
)

// UnsetMarker is the picklist placeholder some stores return instead of an empty value
const UnsetMarker = "--None--"

// Statuses lists every known status in display order
var Statuses = []Status{None, Calibration, Production, Test}

// ParseStatus converts a store or API value to a Status.
// Empty values and the unset marker both mean None.
func ParseStatus(v string) (Status, error) {
	v = strings.TrimSpace(v)
	if v == "" || v == UnsetMarker {
		return None, nil
	}
	for _, s := range Statuses {
		if strings.EqualFold(v, string(s)) {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown queue status %q", v)
}

// Known reports whether s is one of the four queue statuses
func (s Status) Known() bool {
	switch s {
	case None, Calibration, Production, Test:
		return true
	}
	return false
}

// StoreValue is the value written to the record store. None is stored as empty.
func (s Status) StoreValue() string {
	if s == None {
		return ""
	}
	return string(s)
}

func (s Status) String() string {
	return string(s)
}
