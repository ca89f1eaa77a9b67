package models

import (
	"fmt"
	"strings"
)

// CourseKey is the parsed form of an opaque course identifier. Both the
// "course-v1:Org+Course+Run" and the legacy "Org/Course/Run" spellings are
// accepted.
type CourseKey struct {
	Org    string
	Course string
	Run    string
}

func ParseCourseKey(id string) (CourseKey, error) {
	var parts []string
	if rest, ok := strings.CutPrefix(id, "course-v1:"); ok {
		parts = strings.Split(rest, "+")
	} else {
		parts = strings.Split(id, "/")
	}
	if len(parts) != 3 {
		return CourseKey{}, fmt.Errorf("[%s] is not a valid course key", id)
	}
	for _, p := range parts {
		if p == "" {
			return CourseKey{}, fmt.Errorf("[%s] is not a valid course key", id)
		}
	}
	return CourseKey{Org: parts[0], Course: parts[1], Run: parts[2]}, nil
}
