/*
Copyright 2024 The Parthost Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package util

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHostIdentity(t *testing.T) {
	first := NewHostIdentity("parthost")
	second := NewHostIdentity("parthost")

	assert.True(t, strings.HasPrefix(first, "parthost-"))
	assert.NotEqual(t, first, second, "identities must be unique per call")
}

func TestCreateHTTPClient(t *testing.T) {
	client := CreateHTTPClient(3*time.Second, false)
	require.NotNil(t, client)
	assert.Equal(t, 3*time.Second, client.Timeout)

	unlimited := CreateHTTPClient(0, true)
	assert.Zero(t, unlimited.Timeout)
}
