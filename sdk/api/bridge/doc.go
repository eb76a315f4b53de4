// Package bridge defines the contract spoken between stages: the request and
// response taxonomy, actor references, delivery envelops, bounces, code
// entries, the payload codec and the channel interfaces implemented by
// connectors.
package bridge
