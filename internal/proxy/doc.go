// Package proxy issues credentials for a rotating upstream proxy. The session
// token embedded in the proxy username advances every RotationInterval
// requests, which the provider maps to a fresh egress IP. The manager also
// keeps bounded health statistics about proxied traffic.
package proxy
