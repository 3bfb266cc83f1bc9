// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package chrono

import "time"

// ToMillis returns the number of milliseconds elapsed since the Unix epoch.
func ToMillis(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

// FromMillis converts a Unix-epoch millisecond count back to a UTC time.
func FromMillis(ms int64) time.Time {
	return time.Unix(ms/1000, (ms%1000)*int64(time.Millisecond)).UTC()
}

// NowMillis is ToMillis(time.Now()).
func NowMillis() int64 {
	return ToMillis(time.Now())
}
