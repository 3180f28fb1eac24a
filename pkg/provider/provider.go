// Package provider holds what every remote AI backend shares: the credential
// contract. Concrete backends live in sub-packages: live (the realtime voice
// transport) and assist (one-shot text and image requests).
package provider

import "errors"

// ErrConfigurationMissing is returned by every backend constructor or call
// when the API credential is absent. It is returned before any network
// activity and its message tells the user how to fix the problem.
var ErrConfigurationMissing = errors.New("API key is not configured. Please set GEMINI_API_KEY in your environment or .env file")

// ErrAuthentication is wrapped by backend errors when the remote service
// rejected the credential. Retrying does not help.
var ErrAuthentication = errors.New("API key was rejected by the service")
