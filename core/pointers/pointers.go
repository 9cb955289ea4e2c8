// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package pointers

import "time"

// StringPtr returns a pointer to str
func StringPtr(str string) *string {
	return &str
}

// SafeString returns the value from ptr or "" if the pointer is nil
func SafeString(ptr *string) string {
	if ptr != nil {
		return *ptr
	}
	return ""
}

// IntPtr returns a pointer to d
func IntPtr(d int) *int {
	return &d
}

// SafeInt returns the value from ptr or 0 if the pointer is nil
func SafeInt(ptr *int) int {
	if ptr != nil {
		return *ptr
	}
	return 0
}

// BoolPtr returns a pointer to b
func BoolPtr(b bool) *bool {
	return &b
}

// SafeBool returns the value from ptr or false if the pointer is nil
func SafeBool(ptr *bool) bool {
	if ptr != nil {
		return *ptr
	}
	return false
}

// TimePtr returns a pointer to t
func TimePtr(t time.Time) *time.Time {
	return &t
}

// SafeTime returns the value from ptr or the zero time if the pointer is nil
func SafeTime(ptr *time.Time) time.Time {
	if ptr != nil {
		return *ptr
	}
	return time.Time{}
}
