// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package chrono

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMillisRoundTrip(t *testing.T) {
	ref := time.Date(2024, 3, 7, 11, 45, 19, 212*int(time.Millisecond), time.UTC)
	ms := ToMillis(ref)
	assert.Equal(t, int64(1709811919212), ms)
	assert.Equal(t, ref, FromMillis(ms))
}

func TestNowMillisMonotonicEnough(t *testing.T) {
	before := NowMillis()
	after := ToMillis(time.Now().Add(time.Second))
	assert.Less(t, before, after)
}
