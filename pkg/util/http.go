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
	"crypto/tls"
	"net/http"
	"time"
)

// HTTPDoer is an interface that matches the Do method on
// (net/http).Client. It should be used in function signatures
// instead of raw *http.Clients wherever possible.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// CreateHTTPClient returns a new HTTP client with the given timeout, or no
// timeout if timeout <= 0. The client satisfies the Azure SDK transport
// interface, so it can be handed to the blob and event hub clients through
// their ClientOptions.
func CreateHTTPClient(timeout time.Duration, unsafeSsl bool) *http.Client {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: unsafeSsl,
			MinVersion:         tls.VersionTLS12,
		},
		Proxy: http.ProxyFromEnvironment,
	}
	httpClient := &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
	return httpClient
}
