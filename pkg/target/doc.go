// Package target delivers pushed events and classifies delivery errors.
// Resolvers turn a types.TargetSpec into a Target: StaticResolver for
// in-process targets and HTTPResolver for webhooks.
package target
