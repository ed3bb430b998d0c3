// Package plugit is a client for PlugIt plug-in servers.
//
// A Client talks to one server. It checks that the server is alive and speaks
// the expected protocol version. It fetches action metadata and templates
// through an injected cache, honoring the expiry the server sends. It also
// invokes actions and classifies each 200 response into a JSONResult,
// RedirectResult or FileResult.
//
// Protocol problems (non-200 statuses, malformed JSON, missing fields) come
// back as nil or false results. Network failures come back as
// *TransportError, and a failed handshake at construction as *SetupError.
package plugit
